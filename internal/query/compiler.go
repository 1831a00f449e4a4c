package query

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"zero-sync/internal/ivm"
	"zero-sync/internal/model"
)

// SourceProvider resolves a table name to its IVM Source, so the
// compiler can wire joins across tables without owning storage itself
// (spec §4.F step 1/2). The Replica Store is the concrete provider.
type SourceProvider interface {
	Source(table string) (*ivm.Source, error)
}

// Compiled is the result of compiling an AST: the root operator plus
// whether the query is singular (spec §3 one()).
type Compiled struct {
	Root     ivm.Operator
	Singular bool
}

// Validate checks an AST for the compile-time errors named in spec
// §4.F: a negative or non-integer limit, references to unknown
// columns, and aggregate functions that require a GROUP BY
// (min/max/array) used without one. knownColumns is the set of
// columns selectable on ast.Table (and, by extension, any joined
// table via its alias-qualified name).
func Validate(ast *AST, knownColumns map[string]bool) error {
	if ast.Limit != nil && *ast.Limit < 0 {
		return errors.Errorf("limit must be >= 0, got %d", *ast.Limit)
	}
	if err := validateCondition(ast.Where, knownColumns); err != nil {
		return err
	}
	if err := validateCondition(ast.Having, knownColumns); err != nil {
		return err
	}
	if len(ast.GroupBy) == 0 {
		for _, agg := range ast.Aggregates {
			switch agg.Kind {
			case AggMin, AggMax, AggArray:
				return errors.Errorf("aggregate %v requires a GROUP BY", agg.Kind)
			}
		}
	}
	return nil
}

func validateCondition(cond *Condition, known map[string]bool) error {
	if cond == nil {
		return nil
	}
	switch cond.Kind {
	case CondAnd, CondOr:
		for _, c := range cond.Children {
			if err := validateCondition(c, known); err != nil {
				return err
			}
		}
		return nil
	case CondSimple:
		if known != nil && !known[cond.Field] {
			return errors.Errorf("unknown column %q", cond.Field)
		}
		return nil
	default:
		return errors.Errorf("unknown condition kind %d", cond.Kind)
	}
}

// Compile builds the operator graph rooted at ast.Table, following
// the steps of spec §4.F.
func Compile(ast *AST, sources SourceProvider) (*Compiled, error) {
	root, err := sources.Source(ast.Table)
	if err != nil {
		return nil, err
	}

	orderCompare := compareFromOrderBy(ast.OrderBy)
	var current ivm.Operator = root.Connect(orderCompare)

	for _, j := range ast.Joins {
		childCompiled, err := Compile(j.Other, sources)
		if err != nil {
			return nil, err
		}
		current = ivm.NewJoin(current, childCompiled.Root, ivm.JoinConfig{
			Kind:             j.Kind,
			ParentKeyColumn:  j.LeftCol,
			ChildKeyColumn:   j.RightCol,
			RelationshipName: j.As,
		})
	}

	if ast.Where != nil {
		current, err = compileWhere(current, ast.Where)
		if err != nil {
			return nil, err
		}
	}

	if len(ast.GroupBy) > 0 || len(ast.Aggregates) > 0 {
		current = compileGroupBy(current, ast.GroupBy, ast.Aggregates)
		if ast.Having != nil {
			current = ivm.NewFilter(current, conditionPredicate(ast.Having))
		}
	}

	if ast.DistinctOn != "" {
		current = ivm.NewDistinctOn(current, ast.DistinctOn)
	}

	current = ivm.NewTreeView(current, orderCompare, limitOf(ast))

	return &Compiled{Root: current, Singular: ast.Singular}, nil
}

func limitOf(ast *AST) int {
	if ast.Limit == nil {
		return 0
	}
	return *ast.Limit
}

// compileWhere implements step 3: AND composes via stacked filters; OR
// branches the stream, applies each sub-where to a branch, concatenates,
// and terminates with Distinct to deduplicate.
func compileWhere(parent ivm.Operator, cond *Condition) (ivm.Operator, error) {
	switch cond.Kind {
	case CondAnd:
		current := parent
		for _, c := range cond.Children {
			next, err := compileWhere(current, c)
			if err != nil {
				return nil, err
			}
			current = next
		}
		return current, nil
	case CondOr:
		branches := make([]ivm.Operator, 0, len(cond.Children))
		for _, c := range cond.Children {
			b, err := compileWhere(parent, c)
			if err != nil {
				return nil, err
			}
			branches = append(branches, b)
		}
		return ivm.NewDistinct(ivm.NewConcat(branches...)), nil
	case CondSimple:
		return ivm.NewFilter(parent, conditionPredicate(cond)), nil
	default:
		return nil, errors.Errorf("unknown condition kind %d", cond.Kind)
	}
}

func conditionPredicate(cond *Condition) ivm.Predicate {
	return func(row model.Row) bool {
		ok, err := EvalCondition(cond, row)
		if err != nil {
			return false
		}
		return ok
	}
}

// compileGroupBy implements step 4: without groupBy but with
// aggregates, a whole-table fold (single implicit group).
func compileGroupBy(parent ivm.Operator, groupBy []string, aggs []Aggregate) ivm.Operator {
	groupKey := func(row model.Row) string {
		if len(groupBy) == 0 {
			return "*"
		}
		vals := make([]string, len(groupBy))
		for i, col := range groupBy {
			vals[i] = fmt.Sprint(row.Columns[col])
		}
		return fmt.Sprint(vals)
	}
	identity := func(row model.Row) string { return row.Key() }

	combine := func(members []model.Row) (model.Row, bool) {
		if len(members) == 0 {
			return model.Row{}, false
		}
		cols := make(map[string]any, len(aggs)+len(groupBy))
		for _, col := range groupBy {
			cols[col] = members[0].Columns[col]
		}
		for _, agg := range aggs {
			cols[agg.Alias] = computeAggregate(agg, members)
		}
		return model.Row{
			Table:      members[0].Table,
			PrimaryKey: []string{groupKey(members[0])},
			Columns:    cols,
		}, true
	}

	return ivm.NewReduce(parent, groupKey, identity, combine)
}

func computeAggregate(agg Aggregate, members []model.Row) any {
	switch agg.Kind {
	case AggCount:
		return len(members)
	case AggSum:
		sum := decimal.Zero
		for _, m := range members {
			if d, ok := asDecimal(m.Columns[agg.Field]); ok {
				sum = sum.Add(d)
			}
		}
		return sum
	case AggAvg:
		sum := decimal.Zero
		n := 0
		for _, m := range members {
			if d, ok := asDecimal(m.Columns[agg.Field]); ok {
				sum = sum.Add(d)
				n++
			}
		}
		if n == 0 {
			return decimal.Zero
		}
		return sum.Div(decimal.NewFromInt(int64(n)))
	case AggMin, AggMax:
		var best decimal.Decimal
		haveBest := false
		for _, m := range members {
			d, ok := asDecimal(m.Columns[agg.Field])
			if !ok {
				continue
			}
			if !haveBest {
				best, haveBest = d, true
				continue
			}
			if (agg.Kind == AggMin && d.LessThan(best)) || (agg.Kind == AggMax && d.GreaterThan(best)) {
				best = d
			}
		}
		return best
	case AggArray:
		vals := make([]any, len(members))
		for i, m := range members {
			vals[i] = m.Columns[agg.Field]
		}
		return vals
	default:
		return nil
	}
}

// compareFromOrderBy builds a Comparator implementing the declared
// ORDER BY, falling back to primary-key order when unspecified.
func compareFromOrderBy(order []OrderTerm) ivm.Comparator {
	if len(order) == 0 {
		return func(a, b model.Row) int {
			return sortCompare(a.PrimaryKey, b.PrimaryKey)
		}
	}
	return func(a, b model.Row) int {
		for _, term := range order {
			da, aok := asDecimal(a.Columns[term.Field])
			db, bok := asDecimal(b.Columns[term.Field])
			var cmp int
			if aok && bok {
				cmp = da.Cmp(db)
			} else {
				cmp = compareStrings(fmt.Sprint(a.Columns[term.Field]), fmt.Sprint(b.Columns[term.Field]))
			}
			if term.Direction == Desc {
				cmp = -cmp
			}
			if cmp != 0 {
				return cmp
			}
		}
		return sortCompare(a.PrimaryKey, b.PrimaryKey)
	}
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func sortCompare(a, b []string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compareStrings(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}
