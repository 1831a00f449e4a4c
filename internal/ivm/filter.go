package ivm

import (
	"context"

	"zero-sync/internal/model"
)

// Predicate reports whether a row satisfies a filter condition.
type Predicate func(model.Row) bool

// Filter passes through rows satisfying pred. It is pure and
// stateless: hydration re-filters the parent's current output, and
// push re-filters the incoming delta (spec §4.E).
type Filter struct {
	parent Operator
	pred   Predicate
}

var _ Operator = (*Filter)(nil)

// NewFilter wraps parent, keeping only rows for which pred returns
// true.
func NewFilter(parent Operator, pred Predicate) *Filter {
	return &Filter{parent: parent, pred: pred}
}

// Hydrate implements Operator.
func (f *Filter) Hydrate(ctx context.Context) ([]Delta, error) {
	in, err := f.parent.Hydrate(ctx)
	if err != nil {
		return nil, err
	}
	return f.apply(in), nil
}

// Push implements Operator.
func (f *Filter) Push(ctx context.Context, in []Delta) ([]Delta, error) {
	out, err := f.parent.Push(ctx, in)
	if err != nil {
		return nil, err
	}
	return f.apply(out), nil
}

func (f *Filter) apply(in []Delta) []Delta {
	out := make([]Delta, 0, len(in))
	for _, d := range in {
		if f.pred(d.Row) {
			out = append(out, d)
		}
	}
	return out
}
