package ivm

import "context"

// Operator is the uniform capability surface every IVM node exposes:
// a full fetch for subscription-time hydration, and an incremental
// push for each upstream commit. Source, Filter, Join, Reduce,
// TreeView, Concat, and Distinct are the closed variant set named in
// spec §9 ("Polymorphism over operators").
type Operator interface {
	// Hydrate returns the operator's complete current output as a
	// positive-multiplicity multiset.
	Hydrate(ctx context.Context) ([]Delta, error)

	// Push applies an incoming delta from upstream and returns the
	// corresponding delta this operator emits downstream. in is
	// assumed already collapsed per commit.
	Push(ctx context.Context, in []Delta) ([]Delta, error)
}
