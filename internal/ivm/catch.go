package ivm

import "context"

// Catch is a test sink that records every delta it receives, for
// assertions in operator unit tests (spec §4.E).
type Catch struct {
	parent   Operator
	Recorded [][]Delta
}

var _ Operator = (*Catch)(nil)

// NewCatch wraps parent, recording everything that flows through it.
func NewCatch(parent Operator) *Catch {
	return &Catch{parent: parent}
}

// Hydrate implements Operator and records the hydration batch.
func (c *Catch) Hydrate(ctx context.Context) ([]Delta, error) {
	out, err := c.parent.Hydrate(ctx)
	if err != nil {
		return nil, err
	}
	c.Recorded = append(c.Recorded, out)
	return out, nil
}

// Push implements Operator and records each pushed batch.
func (c *Catch) Push(ctx context.Context, in []Delta) ([]Delta, error) {
	out, err := c.parent.Push(ctx, in)
	if err != nil {
		return nil, err
	}
	c.Recorded = append(c.Recorded, out)
	return out, nil
}

// Reset clears the recorded history.
func (c *Catch) Reset() { c.Recorded = nil }
