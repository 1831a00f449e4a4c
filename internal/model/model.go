// Package model defines the core data model shared across the Change
// Streamer, Replica Store, and IVM pipeline: rows, changes, and table
// schemas (spec §3). It plays the role cdc-sink's internal/types
// package plays for Mutation/ColData/SchemaData, generalized from
// "mutation destined for a target DB" to "typed change in a
// replicated row store".
package model

import (
	"encoding/json"

	"zero-sync/internal/util/ident"
	"zero-sync/internal/watermark"
)

// ChangeKind tags the variant carried by a Change (spec §3).
type ChangeKind int

const (
	KindBegin ChangeKind = iota
	KindInsert
	KindUpdate
	KindDelete
	KindTruncate
	KindCommit
	KindRelation
	KindDropTable
	KindCreateTable
	KindAddColumn
	KindDropColumn
	KindUpdateColumn
	KindCreateIndex
	KindDropIndex
)

func (k ChangeKind) String() string {
	switch k {
	case KindBegin:
		return "begin"
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindTruncate:
		return "truncate"
	case KindCommit:
		return "commit"
	case KindRelation:
		return "relation"
	case KindDropTable:
		return "drop-table"
	case KindCreateTable:
		return "create-table"
	case KindAddColumn:
		return "add-column"
	case KindDropColumn:
		return "drop-column"
	case KindUpdateColumn:
		return "update-column"
	case KindCreateIndex:
		return "create-index"
	case KindDropIndex:
		return "drop-index"
	default:
		return "unknown"
	}
}

// Row is a single materialized row: its identity (schema, table,
// primary key) plus its column values and the watermark of the
// transaction that last wrote it.
type Row struct {
	Table      ident.Table
	PrimaryKey []string       // ordered values, positionally matching TableSchema.PrimaryKey
	Columns    map[string]any // column name -> value, including "_0_version"
	RowVersion watermark.Version
}

// Key renders the row's primary key as a stable map key, used by IVM
// operators and CVR row records.
func (r Row) Key() string {
	b, _ := json.Marshal(r.PrimaryKey)
	return r.Table.Raw() + "\x00" + string(b)
}

// Change is the tagged variant described in spec §3. Exactly one of
// the optional fields is populated depending on Kind.
type Change struct {
	Kind Kind

	// KindBegin
	CommitWatermark watermark.Version

	// KindInsert / KindUpdate / KindDelete
	Row Row

	// KindTruncate / KindDropTable / KindCreateTable
	Table ident.Table

	// KindAddColumn / KindDropColumn / KindUpdateColumn
	Column ColumnDef

	// KindCreateIndex / KindDropIndex
	Index IndexDef

	// KindCreateTable
	Schema *TableSchema

	// Watermark of this specific change within its transaction.
	Watermark watermark.Version
}

// Kind is an alias so call sites can write model.Kind without
// stuttering model.ChangeKind; kept distinct from ChangeKind's
// definition site for readability at use.
type Kind = ChangeKind

// ColumnDef describes one column of a TableSchema.
type ColumnDef struct {
	Name     string
	Pos      int
	Type     string
	Nullable bool
	Default  any
}

// IndexDef describes one index of a TableSchema. Columns preserves
// declaration order; Direction records ASC/DESC per column.
type IndexDef struct {
	Name      string
	Unique    bool
	Columns   []string
	Direction []SortDirection
}

// SortDirection is ASC or DESC for a single index column.
type SortDirection int

const (
	Ascending SortDirection = iota
	Descending
)

// TableSchema describes one replicated table (spec §3).
type TableSchema struct {
	Name       ident.Table
	Columns    map[string]ColumnDef // keyed by column name
	ColumnPos  []string             // declaration order
	PrimaryKey []string             // ordered column names; order is significant
	Indexes    []IndexDef
}

// ColumnOrder returns Columns in the table's declared positional
// order, primary key columns first as cdc-sink's Watcher contract
// requires.
func (s *TableSchema) ColumnOrder() []ColumnDef {
	seen := make(map[string]bool, len(s.PrimaryKey))
	ordered := make([]ColumnDef, 0, len(s.ColumnPos))
	for _, name := range s.PrimaryKey {
		if col, ok := s.Columns[name]; ok {
			ordered = append(ordered, col)
			seen[name] = true
		}
	}
	for _, name := range s.ColumnPos {
		if seen[name] {
			continue
		}
		if col, ok := s.Columns[name]; ok {
			ordered = append(ordered, col)
		}
	}
	return ordered
}

// LogEntry pairs a Change with the watermark it occurred at, as
// persisted by the Change Log Store (spec §3 "ChangeLog entry").
type LogEntry struct {
	Watermark watermark.Version
	Change    Change
}
