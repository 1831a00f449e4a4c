package ivm

import (
	"context"
	"fmt"

	"zero-sync/internal/model"
)

// JoinKind distinguishes inner and left joins (spec §3 AST, §4.E).
type JoinKind int

const (
	InnerJoin JoinKind = iota
	LeftJoin
)

// Join is an equijoin operator (spec §4.E). It maintains a child-side
// index keyed by the join column and emits, for each matched parent
// row, an annotated row whose "relationships."+name column holds the
// matching child rows. A left join emits the parent row with an empty relationship
// slice when no child rows match; an inner join drops the parent row
// entirely.
//
// Join only implements Operator.Push for deltas arriving from the
// parent side. A delta on the child side has no correct generic path
// through an arbitrary stack of operators wrapping this Join (see
// internal/viewsyncer/pipeline.go's push), so the pipeline driver
// re-hydrates the whole pipeline for those instead of pushing into it.
type Join struct {
	parent Operator
	child  Operator

	kind             JoinKind
	parentKeyColumn  string
	childKeyColumn   string
	relationshipName string
	hidden           bool
	system           bool

	childByKey map[string][]model.Row // child join-key value -> child rows
	parentRows map[string]model.Row   // parent row key -> current parent row
}

var _ Operator = (*Join)(nil)

// JoinConfig mirrors the join configuration named in spec §3/§4.E.
type JoinConfig struct {
	Kind             JoinKind
	ParentKeyColumn  string
	ChildKeyColumn   string
	RelationshipName string
	Hidden           bool
	System           bool
}

// NewJoin builds a Join over parent and child sub-pipelines.
func NewJoin(parent, child Operator, cfg JoinConfig) *Join {
	return &Join{
		parent:           parent,
		child:            child,
		kind:             cfg.Kind,
		parentKeyColumn:  cfg.ParentKeyColumn,
		childKeyColumn:   cfg.ChildKeyColumn,
		relationshipName: cfg.RelationshipName,
		hidden:           cfg.Hidden,
		system:           cfg.System,
		childByKey:       make(map[string][]model.Row),
		parentRows:       make(map[string]model.Row),
	}
}

func joinValue(row model.Row, column string) string {
	return fmt.Sprint(row.Columns[column])
}

// Hydrate implements Operator: full fetch of both sides, then emits
// one annotated row per matched parent (or all parents, for a left
// join).
func (j *Join) Hydrate(ctx context.Context) ([]Delta, error) {
	childDeltas, err := j.child.Hydrate(ctx)
	if err != nil {
		return nil, err
	}
	j.childByKey = make(map[string][]model.Row)
	for _, d := range childDeltas {
		key := joinValue(d.Row, j.childKeyColumn)
		j.childByKey[key] = append(j.childByKey[key], d.Row)
	}

	parentDeltas, err := j.parent.Hydrate(ctx)
	if err != nil {
		return nil, err
	}
	j.parentRows = make(map[string]model.Row)
	var out []Delta
	for _, d := range parentDeltas {
		j.parentRows[d.Row.Key()] = d.Row
		if annotated, ok := j.annotate(d.Row); ok {
			out = append(out, Delta{Row: annotated, Mult: 1})
		}
	}
	return out, nil
}

// annotate returns the parent row with its matched children attached,
// or ok=false if an inner join found no matches.
func (j *Join) annotate(parent model.Row) (model.Row, bool) {
	key := joinValue(parent, j.parentKeyColumn)
	children := j.childByKey[key]
	if len(children) == 0 && j.kind == InnerJoin {
		return model.Row{}, false
	}
	ret := parent
	cols := make(map[string]any, len(parent.Columns)+1)
	for k, v := range parent.Columns {
		cols[k] = v
	}
	cols["relationships."+j.relationshipName] = children
	ret.Columns = cols
	return ret, true
}

// Push implements Operator for parent-side deltas: re-annotates each
// changed parent row against the current child index.
func (j *Join) Push(ctx context.Context, in []Delta) ([]Delta, error) {
	fromParent, err := j.parent.Push(ctx, in)
	if err != nil {
		return nil, err
	}
	var out []Delta
	for _, d := range fromParent {
		switch d.Classify() {
		case OpAdd:
			j.parentRows[d.Row.Key()] = d.Row
			if annotated, ok := j.annotate(d.Row); ok {
				out = append(out, Delta{Row: annotated, Mult: 1})
			}
		case OpRemove:
			delete(j.parentRows, d.Row.Key())
			if annotated, ok := j.annotate(d.Row); ok {
				out = append(out, Delta{Row: annotated, Mult: -1})
			}
		}
	}
	return Collapse(out), nil
}
