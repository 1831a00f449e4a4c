package ivm

import "context"

// Concat merges the outputs of several branches, used by the Query
// Compiler to implement OR by branching the stream, applying each
// sub-where to a branch, and concatenating (spec §4.F step 3). A
// Distinct stage must follow to deduplicate rows matched by more than
// one branch.
type Concat struct {
	branches []Operator
}

var _ Operator = (*Concat)(nil)

// NewConcat builds a Concat over branches.
func NewConcat(branches ...Operator) *Concat {
	return &Concat{branches: branches}
}

// Hydrate implements Operator.
func (c *Concat) Hydrate(ctx context.Context) ([]Delta, error) {
	var out []Delta
	for _, b := range c.branches {
		d, err := b.Hydrate(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, d...)
	}
	return out, nil
}

// Push implements Operator.
func (c *Concat) Push(ctx context.Context, in []Delta) ([]Delta, error) {
	var out []Delta
	for _, b := range c.branches {
		d, err := b.Push(ctx, in)
		if err != nil {
			return nil, err
		}
		out = append(out, d...)
	}
	return out, nil
}

// Distinct deduplicates rows by identity, collapsing duplicate
// additions from Concat's branches into a single add and tracking a
// reference count so that a row is only retracted once every branch
// that matched it has retracted it.
type Distinct struct {
	parent Operator
	counts map[string]int
}

var _ Operator = (*Distinct)(nil)

// NewDistinct wraps parent with row-identity deduplication.
func NewDistinct(parent Operator) *Distinct {
	return &Distinct{parent: parent, counts: make(map[string]int)}
}

// Hydrate implements Operator.
func (d *Distinct) Hydrate(ctx context.Context) ([]Delta, error) {
	in, err := d.parent.Hydrate(ctx)
	if err != nil {
		return nil, err
	}
	d.counts = make(map[string]int)
	return d.apply(in), nil
}

// Push implements Operator.
func (d *Distinct) Push(ctx context.Context, in []Delta) ([]Delta, error) {
	out, err := d.parent.Push(ctx, in)
	if err != nil {
		return nil, err
	}
	return d.apply(out), nil
}

func (d *Distinct) apply(in []Delta) []Delta {
	var out []Delta
	for _, delta := range in {
		key := delta.Row.Key()
		before := d.counts[key]
		d.counts[key] += delta.Mult
		after := d.counts[key]

		switch {
		case before <= 0 && after > 0:
			out = append(out, Delta{Row: delta.Row, Mult: 1})
		case before > 0 && after <= 0:
			out = append(out, Delta{Row: delta.Row, Mult: -1})
		}
		if after == 0 {
			delete(d.counts, key)
		}
	}
	return out
}
