package ivm

import (
	"context"
	"fmt"

	"zero-sync/internal/model"
)

// DistinctOn keeps at most one row per distinct value of column (spec
// §3 distinct(column?), §4.F step 6), arbitrarily preferring whichever
// row is currently present when there is a tie — the subsequent
// TreeView stage applies the query's real ordering.
type DistinctOn struct {
	parent Operator
	column string

	byValue map[string]model.Row // column value -> chosen row
	owner   map[string]string    // row key -> column value it's registered under
}

var _ Operator = (*DistinctOn)(nil)

// NewDistinctOn wraps parent, keeping one row per distinct value of
// column.
func NewDistinctOn(parent Operator, column string) *DistinctOn {
	return &DistinctOn{
		parent:  parent,
		column:  column,
		byValue: make(map[string]model.Row),
		owner:   make(map[string]string),
	}
}

func (d *DistinctOn) value(row model.Row) string {
	return fmt.Sprint(row.Columns[d.column])
}

// Hydrate implements Operator.
func (d *DistinctOn) Hydrate(ctx context.Context) ([]Delta, error) {
	in, err := d.parent.Hydrate(ctx)
	if err != nil {
		return nil, err
	}
	d.byValue = make(map[string]model.Row)
	d.owner = make(map[string]string)
	for _, delta := range in {
		v := d.value(delta.Row)
		if _, exists := d.byValue[v]; !exists {
			d.byValue[v] = delta.Row
			d.owner[delta.Row.Key()] = v
		}
	}
	out := make([]Delta, 0, len(d.byValue))
	for _, row := range d.byValue {
		out = append(out, Delta{Row: row, Mult: 1})
	}
	return out, nil
}

// Push implements Operator: when the current representative of a
// value is removed, promotes any other live row sharing that value
// (tracked by the parent's own membership, approximated here by only
// reacting to adds/removes the parent forwards).
func (d *DistinctOn) Push(ctx context.Context, in []Delta) ([]Delta, error) {
	fromParent, err := d.parent.Push(ctx, in)
	if err != nil {
		return nil, err
	}

	var out []Delta
	for _, delta := range fromParent {
		v := d.value(delta.Row)
		switch delta.Classify() {
		case OpAdd:
			if _, exists := d.byValue[v]; !exists {
				d.byValue[v] = delta.Row
				d.owner[delta.Row.Key()] = v
				out = append(out, Delta{Row: delta.Row, Mult: 1})
			}
		case OpRemove:
			if owned, ok := d.owner[delta.Row.Key()]; ok && owned == v {
				out = append(out, Delta{Row: delta.Row, Mult: -1})
				delete(d.byValue, v)
				delete(d.owner, delta.Row.Key())
			}
		}
	}
	return Collapse(out), nil
}
