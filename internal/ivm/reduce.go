package ivm

import (
	"context"
	"sort"

	"zero-sync/internal/model"
)

// GroupKey extracts the group-by key from a row.
type GroupKey func(model.Row) string

// ValueIdentity uniquely names a contributing row within its group, so
// that a delete+add pair of the same identity is recognized as a
// replace rather than two distinct memberships (spec §4.E).
type ValueIdentity func(model.Row) string

// Combiner computes a group's aggregate result from its full,
// materialized membership. It is called lazily — not until the
// downstream pulls — and must be a pure function of the member set,
// independent of iteration order (spec §4.E, testable property 5).
// ok is false if the group has no members and should be retracted.
type Combiner func(members []model.Row) (result model.Row, ok bool)

// Reduce groups the parent's output by GroupKey and applies Combiner
// lazily at pull time. Re-iterating a yielded group's members (done
// internally by materializing into a slice before calling Combiner)
// always yields identical data, satisfying the restartable-iteration
// requirement in spec §9.
type Reduce struct {
	parent   Operator
	groupKey GroupKey
	identity ValueIdentity
	combine  Combiner

	groups      map[string]map[string]model.Row // group key -> identity -> row
	lastEmitted map[string]model.Row             // group key -> last emitted aggregate row
}

var _ Operator = (*Reduce)(nil)

// NewReduce builds a Reduce operator over parent.
func NewReduce(parent Operator, groupKey GroupKey, identity ValueIdentity, combine Combiner) *Reduce {
	return &Reduce{
		parent:      parent,
		groupKey:    groupKey,
		identity:    identity,
		combine:     combine,
		groups:      make(map[string]map[string]model.Row),
		lastEmitted: make(map[string]model.Row),
	}
}

// materialize returns an immutable, deterministically ordered slice of
// a group's current members.
func materialize(members map[string]model.Row) []model.Row {
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]model.Row, len(ids))
	for i, id := range ids {
		out[i] = members[id]
	}
	return out
}

// Hydrate implements Operator: groups the parent's full output and
// emits one aggregate row per non-empty group.
func (r *Reduce) Hydrate(ctx context.Context) ([]Delta, error) {
	in, err := r.parent.Hydrate(ctx)
	if err != nil {
		return nil, err
	}
	r.groups = make(map[string]map[string]model.Row)
	for _, d := range in {
		r.addMember(d.Row)
	}
	r.lastEmitted = make(map[string]model.Row)

	var out []Delta
	for key, members := range r.groups {
		agg, ok := r.combine(materialize(members))
		if !ok {
			continue
		}
		r.lastEmitted[key] = agg
		out = append(out, Delta{Row: agg, Mult: 1})
	}
	return out, nil
}

func (r *Reduce) addMember(row model.Row) string {
	key := r.groupKey(row)
	members, ok := r.groups[key]
	if !ok {
		members = make(map[string]model.Row)
		r.groups[key] = members
	}
	members[r.identity(row)] = row
	return key
}

func (r *Reduce) removeMember(row model.Row) string {
	key := r.groupKey(row)
	if members, ok := r.groups[key]; ok {
		delete(members, r.identity(row))
		if len(members) == 0 {
			delete(r.groups, key)
		}
	}
	return key
}

// Push implements Operator: applies membership changes, then
// recomputes and re-emits the aggregate for every touched group,
// retracting groups that became empty.
func (r *Reduce) Push(ctx context.Context, in []Delta) ([]Delta, error) {
	fromParent, err := r.parent.Push(ctx, in)
	if err != nil {
		return nil, err
	}

	touched := make(map[string]bool)
	for _, d := range fromParent {
		var key string
		switch d.Classify() {
		case OpAdd:
			key = r.addMember(d.Row)
		case OpRemove:
			key = r.removeMember(d.Row)
		}
		touched[key] = true
	}

	var out []Delta
	for key := range touched {
		prev, hadPrev := r.lastEmitted[key]
		members, stillExists := r.groups[key]
		if !stillExists {
			if hadPrev {
				out = append(out, Delta{Row: prev, Mult: -1})
				delete(r.lastEmitted, key)
			}
			continue
		}
		agg, ok := r.combine(materialize(members))
		if !ok {
			if hadPrev {
				out = append(out, Delta{Row: prev, Mult: -1})
				delete(r.lastEmitted, key)
			}
			continue
		}
		if hadPrev {
			out = append(out, Delta{Row: prev, Mult: -1})
		}
		out = append(out, Delta{Row: agg, Mult: 1})
		r.lastEmitted[key] = agg
	}
	return Collapse(out), nil
}
