package query

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"zero-sync/internal/model"
)

// asDecimal coerces a value to a decimal.Decimal for ordered numeric
// comparison, so that repeated incremental SUM/AVG recomputation and
// ordered comparisons (<, >, <=, >=) don't accumulate float drift
// (spec's Query AST; DESIGN.md wires shopspring/decimal here).
func asDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, true
	case float64:
		return decimal.NewFromFloat(t), true
	case float32:
		return decimal.NewFromFloat32(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int64:
		return decimal.NewFromInt(t), true
	case string:
		d, err := decimal.NewFromString(t)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	default:
		return decimal.Decimal{}, false
	}
}

// EvalCondition evaluates cond against row. Open Question (spec §9):
// INTERSECTS/SUPERSET/CONGRUENT with a null side are treated
// consistently as "no match" (false).
func EvalCondition(cond *Condition, row model.Row) (bool, error) {
	if cond == nil {
		return true, nil
	}
	switch cond.Kind {
	case CondAnd:
		for _, c := range cond.Children {
			ok, err := EvalCondition(c, row)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case CondOr:
		for _, c := range cond.Children {
			ok, err := EvalCondition(c, row)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case CondSimple:
		return evalSimple(cond, row)
	default:
		return false, errors.Errorf("unknown condition kind %d", cond.Kind)
	}
}

func evalSimple(cond *Condition, row model.Row) (bool, error) {
	fieldVal, present := row.Columns[cond.Field]

	switch cond.Op {
	case OpEq:
		return present && fmt.Sprint(fieldVal) == fmt.Sprint(cond.Value), nil
	case OpNeq:
		return !(present && fmt.Sprint(fieldVal) == fmt.Sprint(cond.Value)), nil
	case OpLt, OpGt, OpLte, OpGte:
		return evalOrdered(cond.Op, fieldVal, cond.Value)
	case OpIn:
		return evalIn(fieldVal, cond.Value), nil
	case OpNotIn:
		return !evalIn(fieldVal, cond.Value), nil
	case OpLike, OpNotLike, OpILike, OpNotILike:
		return evalLike(cond, fieldVal)
	case OpIntersects, OpDisjoint, OpSuperset, OpSubset, OpCongruent, OpIncongruent:
		return evalSet(cond, fieldVal)
	default:
		return false, errors.Errorf("unsupported operator %d", cond.Op)
	}
}

func evalOrdered(op Op, a, b any) (bool, error) {
	da, aok := asDecimal(a)
	db, bok := asDecimal(b)
	if !aok || !bok {
		return false, errors.Errorf("cannot order-compare non-numeric values %v and %v", a, b)
	}
	cmp := da.Cmp(db)
	switch op {
	case OpLt:
		return cmp < 0, nil
	case OpGt:
		return cmp > 0, nil
	case OpLte:
		return cmp <= 0, nil
	case OpGte:
		return cmp >= 0, nil
	default:
		return false, errors.Errorf("not an ordered operator: %d", op)
	}
}

func evalIn(field any, set any) bool {
	items, ok := set.([]any)
	if !ok || len(items) == 0 {
		// empty IN set is always false (spec §8 boundary behavior).
		return false
	}
	for _, item := range items {
		if fmt.Sprint(item) == fmt.Sprint(field) {
			return true
		}
	}
	return false
}

func evalLike(cond *Condition, field any) (bool, error) {
	pattern, ok := cond.Value.(string)
	if !ok {
		return false, errors.Errorf("LIKE pattern must be a string, got %T", cond.Value)
	}
	ci := cond.Op == OpILike || cond.Op == OpNotILike
	matcher, err := CompileLike(pattern, ci)
	if err != nil {
		return false, err
	}
	matched := matcher.Test(fmt.Sprint(field))
	if cond.Op == OpNotLike || cond.Op == OpNotILike {
		return !matched, nil
	}
	return matched, nil
}

func toSet(v any) (map[string]bool, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[fmt.Sprint(item)] = true
	}
	return set, true
}

// evalSet implements the set-relation operators over []any-valued
// columns. A nil/absent field or a nil comparison value is treated
// uniformly as "no match" per the Open Question resolution in
// DESIGN.md, except SUPERSET/SUBSET against an empty right-hand set,
// which are vacuously true (spec §8 boundary behavior).
func evalSet(cond *Condition, field any) (bool, error) {
	left, leftOK := toSet(field)
	right, rightOK := toSet(cond.Value)
	if !leftOK || !rightOK {
		return false, nil
	}

	switch cond.Op {
	case OpIntersects:
		for k := range left {
			if right[k] {
				return true, nil
			}
		}
		return false, nil
	case OpDisjoint:
		for k := range left {
			if right[k] {
				return false, nil
			}
		}
		return true, nil
	case OpSuperset:
		if len(right) == 0 {
			return true, nil
		}
		for k := range right {
			if !left[k] {
				return false, nil
			}
		}
		return true, nil
	case OpSubset:
		if len(left) == 0 {
			return true, nil
		}
		for k := range left {
			if !right[k] {
				return false, nil
			}
		}
		return true, nil
	case OpCongruent:
		if len(left) != len(right) {
			return false, nil
		}
		for k := range left {
			if !right[k] {
				return false, nil
			}
		}
		return true, nil
	case OpIncongruent:
		eq, err := evalSet(&Condition{Op: OpCongruent, Value: cond.Value}, field)
		if err != nil {
			return false, err
		}
		return !eq, nil
	default:
		return false, errors.Errorf("not a set operator: %d", cond.Op)
	}
}
