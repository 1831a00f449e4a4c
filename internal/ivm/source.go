package ivm

import (
	"context"
	"sort"
	"sync"

	"zero-sync/internal/model"
)

// Comparator orders two rows for a declared Source order (typically
// the primary key).
type Comparator func(a, b model.Row) int

// Source is the root operator of a query pipeline (spec §4.E). It
// keeps a single sorted index of live rows and serves one or more
// named outputs, each in its own declared order. Multiple downstream
// pipelines can Connect to the same Source so that a single upstream
// push fans out once.
type Source struct {
	mu      sync.RWMutex
	byKey   map[string]model.Row
	order   []string // keys, sorted by the Source's own natural order (primary key)
	compare Comparator
}

// NewSource creates an empty Source ordered by compare (typically
// primary-key order).
func NewSource(compare Comparator) *Source {
	return &Source{byKey: make(map[string]model.Row), compare: compare}
}

// connectedOutput serves one declared order over the Source's rows.
type connectedOutput struct {
	src     *Source
	compare Comparator
}

// Connect returns an output edge ordered by compare. If compare is
// nil, the Source's natural order is used.
func (s *Source) Connect(compare Comparator) Operator {
	if compare == nil {
		compare = s.compare
	}
	return &connectedOutput{src: s, compare: compare}
}

// Hydrate implements Operator for a connected output: the Source's
// current rows, sorted per this output's declared order.
func (o *connectedOutput) Hydrate(ctx context.Context) ([]Delta, error) {
	o.src.mu.RLock()
	rows := make([]model.Row, 0, len(o.src.byKey))
	for _, r := range o.src.byKey {
		rows = append(rows, r)
	}
	o.src.mu.RUnlock()
	sort.Slice(rows, func(i, j int) bool { return o.compare(rows[i], rows[j]) < 0 })
	out := make([]Delta, len(rows))
	for i, r := range rows {
		out[i] = Delta{Row: r, Mult: 1}
	}
	return out, nil
}

// Push for a connected output simply passes through the already-
// collapsed deltas produced by the enclosing Source's own Push; the
// order-specific reshuffling happens downstream in TreeView.
func (o *connectedOutput) Push(ctx context.Context, in []Delta) ([]Delta, error) {
	return in, nil
}

// PushOp is the kind of mutation applied directly to a Source (spec
// §4.E: "accepts push({add|remove|edit, row})").
type PushOp int

const (
	RowAdd PushOp = iota
	RowRemove
	RowEdit
)

// SourceChange is one row-level mutation fed into a Source from the
// Replica Store / View Syncer main loop.
type SourceChange struct {
	Op  PushOp
	Row model.Row
}

// Push applies a batch of row-level changes to the Source's index and
// returns the resulting multiset delta, collapsed per spec §4.E's
// commutativity contract. RowEdit is modeled as remove-then-add of the
// same identity; columns absent from the edited row keep their current
// value. TreeView downstream recognizes the pair and replaces the old
// row with the new one (spec §4.E, §9).
func (s *Source) Push(changes []SourceChange) []Delta {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw []Delta
	for _, c := range changes {
		key := c.Row.Key()
		switch c.Op {
		case RowAdd:
			raw = append(raw, Delta{Row: c.Row, Mult: 1})
			s.insert(key, c.Row)
		case RowRemove:
			if old, ok := s.byKey[key]; ok {
				raw = append(raw, Delta{Row: old, Mult: -1})
				s.remove(key)
			}
		case RowEdit:
			row := c.Row
			if old, ok := s.byKey[key]; ok {
				raw = append(raw, Delta{Row: old, Mult: -1})
				cols := make(map[string]any, len(old.Columns))
				for name, v := range old.Columns {
					cols[name] = v
				}
				for name, v := range row.Columns {
					cols[name] = v
				}
				row.Columns = cols
			}
			raw = append(raw, Delta{Row: row, Mult: 1})
			s.insert(key, row)
		}
	}
	return Collapse(raw)
}

func (s *Source) insert(key string, row model.Row) {
	if _, exists := s.byKey[key]; !exists {
		i := sort.Search(len(s.order), func(i int) bool {
			return s.compare(s.byKey[s.order[i]], row) >= 0
		})
		s.order = append(s.order, "")
		copy(s.order[i+1:], s.order[i:])
		s.order[i] = key
	}
	s.byKey[key] = row
}

func (s *Source) remove(key string) {
	if _, exists := s.byKey[key]; !exists {
		return
	}
	delete(s.byKey, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Rows returns a stable, primary-key-ordered snapshot, mainly for
// tests and for Join's child-side index population.
func (s *Source) Rows() []model.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]model.Row, 0, len(s.order))
	for _, k := range s.order {
		rows = append(rows, s.byKey[k])
	}
	return rows
}
