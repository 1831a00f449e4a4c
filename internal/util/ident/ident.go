// Package ident provides interned, case-folded identifiers for
// schemas, tables, and columns so they can be used directly as map
// keys without repeated normalization. Adapted from cdc-sink's
// internal/util/ident package.
package ident

import (
	"encoding/json"
	"strings"
)

// Ident is a single, case-folded SQL identifier (a column name, an
// index name, etc).
type Ident struct {
	raw    string
	folded string
}

// New interns s as an Ident. Comparisons are case-insensitive, but Raw
// preserves the original spelling for display and for constructing SQL
// text.
func New(s string) Ident {
	return Ident{raw: s, folded: strings.ToLower(s)}
}

// Raw returns the original spelling.
func (i Ident) Raw() string { return i.raw }

// Empty reports whether the identifier has not been set.
func (i Ident) Empty() bool { return i.folded == "" }

func (i Ident) String() string { return i.raw }

// MarshalJSON renders an Ident as its raw spelling, so that types
// embedding Ident round-trip through the Change Log Store and Replica
// Store's JSON-backed bbolt records.
func (i Ident) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.raw)
}

// UnmarshalJSON restores an Ident from its raw spelling.
func (i *Ident) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*i = New(raw)
	return nil
}

// Schema is a dotted identifier naming a namespace, e.g. "public".
type Schema struct {
	idents []Ident
}

// NewSchema builds a Schema from one or more path components.
func NewSchema(parts ...string) Schema {
	idents := make([]Ident, len(parts))
	for i, p := range parts {
		idents[i] = New(p)
	}
	return Schema{idents: idents}
}

// Schema returns itself, so that Schema satisfies the same accessor
// shape as Table.Schema() in call sites that are generic over both.
func (s Schema) Schema() Schema { return s }

// Raw renders the schema as a dotted, original-case string.
func (s Schema) Raw() string {
	parts := make([]string, len(s.idents))
	for i, id := range s.idents {
		parts[i] = id.Raw()
	}
	return strings.Join(parts, ".")
}

func (s Schema) key() string {
	parts := make([]string, len(s.idents))
	for i, id := range s.idents {
		parts[i] = id.folded
	}
	return strings.Join(parts, "\x00")
}

func (s Schema) String() string { return s.Raw() }

// MarshalJSON renders a Schema as its dotted raw string.
func (s Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Raw())
}

// UnmarshalJSON restores a Schema from its dotted raw string.
func (s *Schema) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseSchema(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Table names a table within a Schema.
type Table struct {
	schema Schema
	name   Ident
}

// NewTable builds a Table reference.
func NewTable(schema Schema, name string) Table {
	return Table{schema: schema, name: New(name)}
}

// Schema returns the enclosing schema.
func (t Table) Schema() Schema { return t.schema }

// Name returns the table's own identifier.
func (t Table) Name() Ident { return t.name }

// Raw renders "schema.table".
func (t Table) Raw() string {
	if t.schema.Raw() == "" {
		return t.name.Raw()
	}
	return t.schema.Raw() + "." + t.name.Raw()
}

func (t Table) key() string { return t.schema.key() + "\x00" + t.name.folded }

func (t Table) String() string { return t.Raw() }

// tableJSON is Table's wire/storage shape: schema and name are kept
// apart rather than joined through Raw, so a dotted schema or a name
// containing "." still round-trips exactly.
type tableJSON struct {
	Schema Schema `json:"schema"`
	Name   Ident  `json:"name"`
}

// MarshalJSON implements json.Marshaler.
func (t Table) MarshalJSON() ([]byte, error) {
	return json.Marshal(tableJSON{Schema: t.schema, Name: t.name})
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Table) UnmarshalJSON(data []byte) error {
	var wire tableJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	t.schema = wire.Schema
	t.name = wire.Name
	return nil
}

// ParseSchema splits a dotted string such as "db.public" into a
// Schema. This mirrors cdc-sink's ident.ParseSchema, used when
// reading identifiers back out of persisted storage.
func ParseSchema(raw string) (Schema, error) {
	if raw == "" {
		return Schema{}, nil
	}
	return NewSchema(strings.Split(raw, ".")...), nil
}

// SchemaMap is an ordered, case-folded map keyed by Schema.
type SchemaMap[V any] struct {
	data  map[string]V
	order []Schema
}

// Get retrieves the value for key, if present.
func (m *SchemaMap[V]) Get(key Schema) (V, bool) {
	v, ok := m.data[key.key()]
	return v, ok
}

// GetZero retrieves the value for key, or the zero value of V.
func (m *SchemaMap[V]) GetZero(key Schema) V {
	v := m.data[key.key()]
	return v
}

// Put stores value under key.
func (m *SchemaMap[V]) Put(key Schema, value V) {
	if m.data == nil {
		m.data = make(map[string]V)
	}
	k := key.key()
	if _, exists := m.data[k]; !exists {
		m.order = append(m.order, key)
	}
	m.data[k] = value
}

// Delete removes key.
func (m *SchemaMap[V]) Delete(key Schema) {
	k := key.key()
	if _, ok := m.data[k]; !ok {
		return
	}
	delete(m.data, k)
	for i, s := range m.order {
		if s.key() == k {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Range iterates entries in insertion order, stopping early if fn
// returns an error.
func (m *SchemaMap[V]) Range(fn func(Schema, V) error) error {
	for _, s := range m.order {
		if err := fn(s, m.data[s.key()]); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of entries.
func (m *SchemaMap[V]) Len() int { return len(m.order) }

// TableMap is an ordered, case-folded map keyed by Table.
type TableMap[V any] struct {
	data  map[string]V
	order []Table
}

// Get retrieves the value for key, if present.
func (m *TableMap[V]) Get(key Table) (V, bool) {
	v, ok := m.data[key.key()]
	return v, ok
}

// GetZero retrieves the value for key, or the zero value of V.
func (m *TableMap[V]) GetZero(key Table) V {
	return m.data[key.key()]
}

// Put stores value under key.
func (m *TableMap[V]) Put(key Table, value V) {
	if m.data == nil {
		m.data = make(map[string]V)
	}
	k := key.key()
	if _, exists := m.data[k]; !exists {
		m.order = append(m.order, key)
	}
	m.data[k] = value
}

// Delete removes key.
func (m *TableMap[V]) Delete(key Table) {
	k := key.key()
	if _, ok := m.data[k]; !ok {
		return
	}
	delete(m.data, k)
	for i, t := range m.order {
		if t.key() == k {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Range iterates entries in insertion order.
func (m *TableMap[V]) Range(fn func(Table, V) error) error {
	for _, t := range m.order {
		if err := fn(t, m.data[t.key()]); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of entries.
func (m *TableMap[V]) Len() int { return len(m.order) }
