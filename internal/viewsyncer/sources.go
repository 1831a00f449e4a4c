package viewsyncer

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"zero-sync/internal/ivm"
	"zero-sync/internal/model"
	"zero-sync/internal/query"
	"zero-sync/internal/types"
	"zero-sync/internal/util/ident"
)

// sourceSet is the query.SourceProvider a View Syncer group hands to
// the compiler: one ivm.Source per table name referenced by any of
// the group's pipelines, hydrated once from the Replica Store and
// then fed incrementally as commits arrive. Several pipelines that
// reference the same table (directly or as a join side) share the
// same Source, so a single upstream row-change only needs to be
// applied once per commit regardless of how many queries watch it.
type sourceSet struct {
	replica types.ReplicaStore
	schema  ident.Schema

	mu      sync.Mutex
	sources map[string]*ivm.Source
}

func newSourceSet(replica types.ReplicaStore, schema ident.Schema) *sourceSet {
	return &sourceSet{
		replica: replica,
		schema:  schema,
		sources: make(map[string]*ivm.Source),
	}
}

func (s *sourceSet) tableOf(name string) ident.Table {
	return ident.NewTable(s.schema, name)
}

// ensure returns the Source for name, creating and hydrating it from
// the Replica Store on first reference.
func (s *sourceSet) ensure(ctx context.Context, name string) (*ivm.Source, error) {
	s.mu.Lock()
	if src, ok := s.sources[name]; ok {
		s.mu.Unlock()
		return src, nil
	}
	s.mu.Unlock()

	table := s.tableOf(name)
	schema, ok := s.replica.Schema(table)
	if !ok {
		return nil, errors.Errorf("unknown table %q", name)
	}
	rows, err := s.replica.Query(ctx, table)
	if err != nil {
		return nil, errors.Wrapf(err, "loading initial rows for %q", name)
	}

	src := ivm.NewSource(primaryKeyCompare(schema))
	changes := make([]ivm.SourceChange, len(rows))
	for i, r := range rows {
		changes[i] = ivm.SourceChange{Op: ivm.RowAdd, Row: r}
	}
	src.Push(changes)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sources[name]; ok {
		// Lost a race against a concurrent ensure for the same table;
		// the loser's hydration work is simply discarded.
		return existing, nil
	}
	s.sources[name] = src
	return src, nil
}

// invalidate drops the cached Source for name, if any, forcing the
// next ensure/ensureAll to re-hydrate it from the Replica Store. Used
// when a schema-change watch fires for name (spec §9).
func (s *sourceSet) invalidate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sources, name)
}

// ensureAll walks ast and every joined sub-AST, hydrating a Source
// for each referenced table before the query compiler runs.
func (s *sourceSet) ensureAll(ctx context.Context, ast *query.AST) error {
	if _, err := s.ensure(ctx, ast.Table); err != nil {
		return err
	}
	for _, j := range ast.Joins {
		if err := s.ensureAll(ctx, j.Other); err != nil {
			return err
		}
	}
	return nil
}

// Source implements query.SourceProvider. It only ever looks up a
// Source that ensureAll has already created; a miss means a pipeline
// was compiled without first calling ensureAll, a caller bug in this
// package rather than a runtime condition.
func (s *sourceSet) Source(name string) (*ivm.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[name]
	if !ok {
		return nil, errors.Errorf("source for table %q not prepared", name)
	}
	return src, nil
}

// apply pushes one commit's changes for table name into its shared
// Source, returning the resulting collapsed delta. A table no
// pipeline in this group has ever referenced is not in sources and is
// silently ignored: nothing downstream depends on it.
func (s *sourceSet) apply(name string, changes []ivm.SourceChange) []ivm.Delta {
	s.mu.Lock()
	src, ok := s.sources[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return src.Push(changes)
}

// clear returns RowRemove changes for every row currently held in
// table name's Source, used to turn a KindTruncate change into a full
// eviction.
func (s *sourceSet) clear(name string) []ivm.SourceChange {
	s.mu.Lock()
	src, ok := s.sources[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	rows := src.Rows()
	out := make([]ivm.SourceChange, len(rows))
	for i, r := range rows {
		out[i] = ivm.SourceChange{Op: ivm.RowRemove, Row: r}
	}
	return out
}

func primaryKeyCompare(schema *model.TableSchema) ivm.Comparator {
	return func(a, b model.Row) int { return compareStrings(a.PrimaryKey, b.PrimaryKey) }
}

func compareStrings(a, b []string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

// tableNameOf returns the bare table name a query AST uses to refer
// to row.Table, i.e. the same string sourceSet and the compiler key
// their lookups by.
func tableNameOf(row model.Row) string {
	return row.Table.Name().Raw()
}

// sourceChangesByTable groups one commit's row changes by the table
// name the query compiler addresses them by, converting each to the
// ivm.SourceChange the Source for that table expects. KindTruncate
// evicts every row the affected Source currently holds.
func sourceChangesByTable(set *sourceSet, changes []model.Change) map[string][]ivm.SourceChange {
	out := make(map[string][]ivm.SourceChange)
	for _, c := range changes {
		switch c.Kind {
		case model.KindInsert:
			name := tableNameOf(c.Row)
			out[name] = append(out[name], ivm.SourceChange{Op: ivm.RowAdd, Row: c.Row})
		case model.KindUpdate:
			name := tableNameOf(c.Row)
			out[name] = append(out[name], ivm.SourceChange{Op: ivm.RowEdit, Row: c.Row})
		case model.KindDelete:
			name := tableNameOf(c.Row)
			out[name] = append(out[name], ivm.SourceChange{Op: ivm.RowRemove, Row: c.Row})
		case model.KindTruncate:
			name := c.Table.Name().Raw()
			out[name] = append(out[name], set.clear(name)...)
		}
	}
	return out
}
