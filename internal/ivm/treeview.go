package ivm

import (
	"context"
	"sort"

	"zero-sync/internal/model"
)

// TreeView maintains the sorted, limited result of a query pipeline
// (spec §4.E). It is implemented as a sorted slice searched via binary
// search rather than a balanced tree: the result sets a TreeView
// maintains are the post-limit, client-visible view of a single query,
// which in practice stays small (the View Syncer already bounds it via
// `limit`), so the O(n) shift cost of a slice insert/delete is cheaper
// in practice than the constant overhead of a pointer-chasing tree,
// and no library in the example pack offers a generic ordered
// container for this shape. Delete+add of the same identity within a
// push is recognized and treated as an update (spec §4.E, §9): the old
// row is removed and the new one inserted.
type TreeView struct {
	parent  Operator
	compare Comparator
	limit   int // 0 means unlimited

	rows []model.Row // sorted by compare
}

var _ Operator = (*TreeView)(nil)

// NewTreeView builds a TreeView ordered by compare and capped at
// limit rows (limit <= 0 means unlimited).
func NewTreeView(parent Operator, compare Comparator, limit int) *TreeView {
	return &TreeView{parent: parent, compare: compare, limit: limit}
}

func (t *TreeView) search(row model.Row) int {
	return sort.Search(len(t.rows), func(i int) bool {
		return t.compare(t.rows[i], row) >= 0
	})
}

func (t *TreeView) insert(row model.Row) {
	i := t.search(row)
	t.rows = append(t.rows, model.Row{})
	copy(t.rows[i+1:], t.rows[i:])
	t.rows[i] = row
	if t.limit > 0 && len(t.rows) > t.limit {
		t.rows = t.rows[:t.limit]
	}
}

func (t *TreeView) deleteAt(row model.Row) bool {
	i := t.search(row)
	for j := i; j < len(t.rows) && t.compare(t.rows[j], row) == 0; j++ {
		if t.rows[j].Key() == row.Key() {
			t.rows = append(t.rows[:j], t.rows[j+1:]...)
			return true
		}
	}
	return false
}

// Hydrate implements Operator: re-sorts the parent's full output and
// applies the limit cutoff.
func (t *TreeView) Hydrate(ctx context.Context) ([]Delta, error) {
	in, err := t.parent.Hydrate(ctx)
	if err != nil {
		return nil, err
	}
	t.rows = nil
	for _, d := range in {
		t.insert(d.Row)
	}
	return t.snapshot(), nil
}

func (t *TreeView) snapshot() []Delta {
	out := make([]Delta, len(t.rows))
	for i, r := range t.rows {
		out[i] = Delta{Row: r, Mult: 1}
	}
	return out
}

// Rows returns the current sorted, limited contents — what the View
// Syncer pulls from each pipeline's root once per commit (spec §4.H
// step 3b).
func (t *TreeView) Rows() []model.Row {
	out := make([]model.Row, len(t.rows))
	copy(out, t.rows)
	return out
}

// Push implements Operator: applies incoming deltas to the sorted
// slice, pairing a remove-then-add of the same identity into one
// replacement. Unlike other operators it returns its full current
// contents (as Hydrate does), not a delta.
func (t *TreeView) Push(ctx context.Context, in []Delta) ([]Delta, error) {
	fromParent, err := t.parent.Push(ctx, in)
	if err != nil {
		return nil, err
	}

	removes := make(map[string]model.Row)
	adds := make(map[string]model.Row)
	for _, d := range fromParent {
		switch d.Classify() {
		case OpRemove:
			removes[d.Row.Key()] = d.Row
		case OpAdd:
			adds[d.Row.Key()] = d.Row
		}
	}

	for key, row := range removes {
		if newRow, replaced := adds[key]; replaced {
			// delete immediately followed by add of the same identity:
			// treat as an update of that row.
			t.deleteAt(row)
			t.insert(newRow)
			delete(adds, key)
			continue
		}
		t.deleteAt(row)
	}
	for _, row := range adds {
		t.insert(row)
	}

	return t.snapshot(), nil
}
