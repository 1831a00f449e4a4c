package connection

import (
	"encoding/json"

	"github.com/pkg/errors"

	"zero-sync/internal/cvr"
	"zero-sync/internal/ivm"
	"zero-sync/internal/query"
)

// Mutation is one entry of a push message's mutations array (spec §6).
type Mutation struct {
	ID   int64           `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type pushPayload struct {
	ClientGroupID string     `json:"clientGroupID"`
	Mutations     []Mutation `json:"mutations"`
}

type desiredQueriesPayload struct {
	DesiredQueriesPatch []wirePatch `json:"desiredQueriesPatch"`
}

type wirePatch struct {
	Op   string   `json:"op"` // "put" | "del"
	Hash string   `json:"hash"`
	AST  *wireAST `json:"ast,omitempty"`
}

func (p wirePatch) toDomain() (cvr.DesiredQueryPatch, error) {
	out := cvr.DesiredQueryPatch{Hash: p.Hash}
	switch p.Op {
	case "put":
		out.Op = cvr.OpPut
	case "del":
		out.Op = cvr.OpDel
	default:
		return cvr.DesiredQueryPatch{}, errors.Errorf("unknown patch op %q", p.Op)
	}
	if p.AST != nil {
		ast, err := p.AST.toDomain()
		if err != nil {
			return cvr.DesiredQueryPatch{}, err
		}
		out.AST = ast
	}
	return out, nil
}

func patchesToDomain(patches []wirePatch) ([]cvr.DesiredQueryPatch, error) {
	out := make([]cvr.DesiredQueryPatch, len(patches))
	for i, p := range patches {
		d, err := p.toDomain()
		if err != nil {
			return nil, errors.Wrapf(err, "patch %d (hash %q)", i, p.Hash)
		}
		out[i] = d
	}
	return out, nil
}

// wireAST mirrors query.AST with the lowerCamelCase field names the
// client wire protocol uses for a query AST (spec §3, §6 "ast?").
type wireAST struct {
	Table      string          `json:"table"`
	Columns    []string        `json:"columns,omitempty"`
	Where      *wireCondition  `json:"where,omitempty"`
	Joins      []wireJoin      `json:"joins,omitempty"`
	GroupBy    []string        `json:"groupBy,omitempty"`
	Aggregates []wireAggregate `json:"aggregates,omitempty"`
	Having     *wireCondition  `json:"having,omitempty"`
	OrderBy    []wireOrderTerm `json:"orderBy,omitempty"`
	Limit      *int            `json:"limit,omitempty"`
	DistinctOn string          `json:"distinctOn,omitempty"`
	Distinct   bool            `json:"distinct,omitempty"`
	Singular   bool            `json:"singular,omitempty"`
}

type wireJoin struct {
	Kind     string   `json:"kind"` // "inner" | "left"
	LeftCol  string   `json:"leftCol"`
	RightCol string   `json:"rightCol"`
	Other    *wireAST `json:"other"`
	As       string   `json:"as"`
}

type wireAggregate struct {
	Kind  string `json:"kind"` // count|sum|avg|min|max|array
	Field string `json:"field,omitempty"`
	Alias string `json:"alias"`
}

type wireOrderTerm struct {
	Field     string `json:"field"`
	Direction string `json:"direction"` // asc|desc
}

type wireCondition struct {
	Kind     string          `json:"kind"` // "and" | "or" | "simple"
	Children []wireCondition `json:"children,omitempty"`
	Op       string          `json:"op,omitempty"`
	Field    string          `json:"field,omitempty"`
	Value    any             `json:"value,omitempty"`
}

var wireOps = map[string]query.Op{
	"=": query.OpEq, "!=": query.OpNeq,
	"<": query.OpLt, ">": query.OpGt, "<=": query.OpLte, ">=": query.OpGte,
	"IN": query.OpIn, "NOT IN": query.OpNotIn,
	"LIKE": query.OpLike, "NOT LIKE": query.OpNotLike,
	"ILIKE": query.OpILike, "NOT ILIKE": query.OpNotILike,
	"INTERSECTS": query.OpIntersects, "DISJOINT": query.OpDisjoint,
	"SUPERSET": query.OpSuperset, "SUBSET": query.OpSubset,
	"CONGRUENT": query.OpCongruent, "INCONGRUENT": query.OpIncongruent,
}

var wireJoinKinds = map[string]ivm.JoinKind{
	"inner": ivm.InnerJoin,
	"left":  ivm.LeftJoin,
}

var wireAggKinds = map[string]query.AggKind{
	"count": query.AggCount, "sum": query.AggSum, "avg": query.AggAvg,
	"min": query.AggMin, "max": query.AggMax, "array": query.AggArray,
}

func (c *wireCondition) toDomain() (*query.Condition, error) {
	if c == nil {
		return nil, nil
	}
	switch c.Kind {
	case "and", "or":
		children := make([]*query.Condition, len(c.Children))
		for i := range c.Children {
			child, err := c.Children[i].toDomain()
			if err != nil {
				return nil, err
			}
			children[i] = child
		}
		if c.Kind == "and" {
			return query.And(children...), nil
		}
		return query.Or(children...), nil
	case "simple":
		op, ok := wireOps[c.Op]
		if !ok {
			return nil, errors.Errorf("unknown condition op %q", c.Op)
		}
		return query.Simple(op, c.Field, c.Value), nil
	default:
		return nil, errors.Errorf("unknown condition kind %q", c.Kind)
	}
}

func (j *wireJoin) toDomain() (query.Join, error) {
	kind, ok := wireJoinKinds[j.Kind]
	if !ok {
		return query.Join{}, errors.Errorf("unknown join kind %q", j.Kind)
	}
	other, err := j.Other.toDomain()
	if err != nil {
		return query.Join{}, err
	}
	return query.Join{Kind: kind, LeftCol: j.LeftCol, RightCol: j.RightCol, Other: other, As: j.As}, nil
}

func (a *wireAggregate) toDomain() (query.Aggregate, error) {
	kind, ok := wireAggKinds[a.Kind]
	if !ok {
		return query.Aggregate{}, errors.Errorf("unknown aggregate kind %q", a.Kind)
	}
	return query.Aggregate{Kind: kind, Field: a.Field, Alias: a.Alias}, nil
}

func (o *wireOrderTerm) toDomain() (query.OrderTerm, error) {
	switch o.Direction {
	case "asc", "":
		return query.OrderTerm{Field: o.Field, Direction: query.Asc}, nil
	case "desc":
		return query.OrderTerm{Field: o.Field, Direction: query.Desc}, nil
	default:
		return query.OrderTerm{}, errors.Errorf("unknown order direction %q", o.Direction)
	}
}

func (a *wireAST) toDomain() (*query.AST, error) {
	if a == nil {
		return nil, nil
	}
	where, err := a.Where.toDomain()
	if err != nil {
		return nil, errors.Wrap(err, "where")
	}
	having, err := a.Having.toDomain()
	if err != nil {
		return nil, errors.Wrap(err, "having")
	}
	joins := make([]query.Join, len(a.Joins))
	for i := range a.Joins {
		j, err := a.Joins[i].toDomain()
		if err != nil {
			return nil, errors.Wrapf(err, "join %d", i)
		}
		joins[i] = j
	}
	aggs := make([]query.Aggregate, len(a.Aggregates))
	for i := range a.Aggregates {
		agg, err := a.Aggregates[i].toDomain()
		if err != nil {
			return nil, errors.Wrapf(err, "aggregate %d", i)
		}
		aggs[i] = agg
	}
	order := make([]query.OrderTerm, len(a.OrderBy))
	for i := range a.OrderBy {
		t, err := a.OrderBy[i].toDomain()
		if err != nil {
			return nil, errors.Wrapf(err, "orderBy %d", i)
		}
		order[i] = t
	}
	return &query.AST{
		Table:      a.Table,
		Columns:    a.Columns,
		Where:      where,
		Joins:      joins,
		GroupBy:    a.GroupBy,
		Aggregates: aggs,
		Having:     having,
		OrderBy:    order,
		Limit:      a.Limit,
		DistinctOn: a.DistinctOn,
		Distinct:   a.Distinct,
		Singular:   a.Singular,
	}, nil
}

// entityPatchWire is the entitiesPatch entry shape (spec §6).
type entityPatchWire struct {
	Op         string         `json:"op"` // "put" | "del"
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityID"`
	Value      map[string]any `json:"value,omitempty"`
}

func patchOpString(op cvr.PatchOp) string {
	if op == cvr.OpDel {
		return "del"
	}
	return "put"
}

var opNames = map[query.Op]string{
	query.OpEq: "=", query.OpNeq: "!=",
	query.OpLt: "<", query.OpGt: ">", query.OpLte: "<=", query.OpGte: ">=",
	query.OpIn: "IN", query.OpNotIn: "NOT IN",
	query.OpLike: "LIKE", query.OpNotLike: "NOT LIKE",
	query.OpILike: "ILIKE", query.OpNotILike: "NOT ILIKE",
	query.OpIntersects: "INTERSECTS", query.OpDisjoint: "DISJOINT",
	query.OpSuperset: "SUPERSET", query.OpSubset: "SUBSET",
	query.OpCongruent: "CONGRUENT", query.OpIncongruent: "INCONGRUENT",
}

var joinKindNames = map[ivm.JoinKind]string{
	ivm.InnerJoin: "inner",
	ivm.LeftJoin:  "left",
}

var aggKindNames = map[query.AggKind]string{
	query.AggCount: "count", query.AggSum: "sum", query.AggAvg: "avg",
	query.AggMin: "min", query.AggMax: "max", query.AggArray: "array",
}

func conditionToWire(c *query.Condition) *wireCondition {
	if c == nil {
		return nil
	}
	switch c.Kind {
	case query.CondAnd, query.CondOr:
		kind := "and"
		if c.Kind == query.CondOr {
			kind = "or"
		}
		children := make([]wireCondition, len(c.Children))
		for i, ch := range c.Children {
			children[i] = *conditionToWire(ch)
		}
		return &wireCondition{Kind: kind, Children: children}
	default:
		return &wireCondition{Kind: "simple", Op: opNames[c.Op], Field: c.Field, Value: c.Value}
	}
}

func joinToWire(j query.Join) wireJoin {
	return wireJoin{Kind: joinKindNames[j.Kind], LeftCol: j.LeftCol, RightCol: j.RightCol, Other: astToWire(j.Other), As: j.As}
}

func aggregateToWire(a query.Aggregate) wireAggregate {
	return wireAggregate{Kind: aggKindNames[a.Kind], Field: a.Field, Alias: a.Alias}
}

func orderTermToWire(o query.OrderTerm) wireOrderTerm {
	dir := "asc"
	if o.Direction == query.Desc {
		dir = "desc"
	}
	return wireOrderTerm{Field: o.Field, Direction: dir}
}

func astToWire(a *query.AST) *wireAST {
	if a == nil {
		return nil
	}
	joins := make([]wireJoin, len(a.Joins))
	for i, j := range a.Joins {
		joins[i] = joinToWire(j)
	}
	aggs := make([]wireAggregate, len(a.Aggregates))
	for i, agg := range a.Aggregates {
		aggs[i] = aggregateToWire(agg)
	}
	order := make([]wireOrderTerm, len(a.OrderBy))
	for i, o := range a.OrderBy {
		order[i] = orderTermToWire(o)
	}
	return &wireAST{
		Table: a.Table, Columns: a.Columns, Where: conditionToWire(a.Where), Joins: joins,
		GroupBy: a.GroupBy, Aggregates: aggs, Having: conditionToWire(a.Having), OrderBy: order,
		Limit: a.Limit, DistinctOn: a.DistinctOn, Distinct: a.Distinct, Singular: a.Singular,
	}
}

func patchToWire(p cvr.DesiredQueryPatch) wirePatch {
	return wirePatch{Op: patchOpString(p.Op), Hash: p.Hash, AST: astToWire(p.AST)}
}
