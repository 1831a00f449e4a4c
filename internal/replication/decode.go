package replication

import (
	"github.com/jackc/pglogrepl"
	"github.com/pkg/errors"

	"zero-sync/internal/model"
	"zero-sync/internal/util/ident"
	"zero-sync/internal/watermark"
)

// relationCache remembers pgoutput's per-connection relation
// descriptions (RelationMessage) so that subsequent Insert/Update/
// Delete messages, which only carry a numeric RelationID, can be
// turned back into named columns.
type relationCache struct {
	byID map[uint32]*cachedRelation
}

type cachedRelation struct {
	table   ident.Table
	schema  *model.TableSchema
	columns []*pglogrepl.RelationMessageColumn
}

func newRelationCache() *relationCache {
	return &relationCache{byID: make(map[uint32]*cachedRelation)}
}

// observe records msg, returning the resulting schema and whether it
// differs from whatever was previously cached for this relation ID —
// the caller emits a CreateTable change only on a genuine change,
// since pgoutput resends the full relation description opportunistically.
// A table published with REPLICA IDENTITY FULL is rejected (spec §4.A
// Policy, §6): pgoutput's own replica-identity byte is the only place
// this is observable, since a FULL table's Insert/Update/Delete
// messages otherwise decode just like a DEFAULT table's.
func (c *relationCache) observe(msg *pglogrepl.RelationMessage) (*cachedRelation, bool, error) {
	if msg.ReplicaIdentity == 'f' {
		return nil, false, errors.Errorf(
			"replication: table %s.%s is published with REPLICA IDENTITY FULL, which is rejected",
			msg.Namespace, msg.RelationName)
	}

	table := ident.NewTable(ident.NewSchema(msg.Namespace), msg.RelationName)

	columns := make(map[string]model.ColumnDef, len(msg.Columns))
	pos := make([]string, 0, len(msg.Columns))
	pk := make([]string, 0)
	for i, col := range msg.Columns {
		columns[col.Name] = model.ColumnDef{Name: col.Name, Pos: i, Type: pgTypeName(col.DataType)}
		pos = append(pos, col.Name)
		if col.Flags&1 != 0 { // pgoutput sets bit 0 when the column is part of the replica identity / PK.
			pk = append(pk, col.Name)
		}
	}
	if len(pk) == 0 && len(pos) > 0 {
		pk = []string{pos[0]}
	}

	schema := &model.TableSchema{
		Name:       table,
		Columns:    columns,
		ColumnPos:  pos,
		PrimaryKey: pk,
	}

	existing, ok := c.byID[msg.RelationID]
	changed := !ok || !sameColumns(existing.schema, schema)
	c.byID[msg.RelationID] = &cachedRelation{table: table, schema: schema, columns: msg.Columns}
	return c.byID[msg.RelationID], changed, nil
}

func sameColumns(a, b *model.TableSchema) bool {
	if len(a.ColumnPos) != len(b.ColumnPos) {
		return false
	}
	for i, name := range a.ColumnPos {
		if b.ColumnPos[i] != name {
			return false
		}
		if a.Columns[name].Type != b.Columns[name].Type {
			return false
		}
	}
	return true
}

func (c *relationCache) get(id uint32) (*cachedRelation, bool) {
	rel, ok := c.byID[id]
	return rel, ok
}

// decodeTuple turns a pgoutput TupleData into a column-name-keyed row
// using the relation's cached column order. Columns use pgoutput's
// text replication format: 'n' is SQL NULL, 'u' is an unchanged TOAST
// value (left absent from the output — the Replica Store and the IVM
// Source keep the column's current value on an update that omits it),
// and 't' carries the value as
// text, stored here as a Go string rather than converted per pgTypeName;
// internal/query's evaluators coerce on demand (asDecimal and friends).
func decodeTuple(rel *cachedRelation, tuple *pglogrepl.TupleData) map[string]any {
	out := make(map[string]any, len(rel.columns))
	if tuple == nil {
		return out
	}
	for i, col := range tuple.Columns {
		if i >= len(rel.columns) {
			break
		}
		name := rel.columns[i].Name
		switch col.DataType {
		case 'n':
			out[name] = nil
		case 'u':
			// unchanged TOAST value: omit: the replica store keeps its own copy.
		case 't':
			out[name] = string(col.Data)
		}
	}
	return out
}

// pgTypeName maps a pg_type OID to a coarse type label. Only the OIDs
// needed to drive internal/query's decimal coercion and LIKE matching
// are distinguished; anything else is treated as opaque text.
func pgTypeName(oid uint32) string {
	switch oid {
	case 16: // bool
		return "bool"
	case 20, 21, 23: // int8, int2, int4
		return "int"
	case 700, 701, 1700: // float4, float8, numeric
		return "numeric"
	case 1082, 1114, 1184: // date, timestamp, timestamptz
		return "timestamp"
	default:
		return "text"
	}
}

var errUnknownRelation = errors.New("replication: row change referenced an unknown relation")

// txDecoder turns a sequence of raw pgoutput messages into
// model.LogEntry values, stamping each with a watermark derived from
// the enclosing transaction's commit LSN plus a strictly increasing
// logical counter (spec §3 LexiVersion). Exactly one transaction is
// ever in flight at a time: a logical replication connection delivers
// one serial stream, so there is no concurrent-transaction case to
// interleave.
type txDecoder struct {
	relations *relationCache

	inTx    bool
	current watermark.Version
}

// decode processes one XLogData payload, returning any log entries it
// produced (zero or more; most messages produce exactly one, Relation
// messages produce zero unless the relation actually changed) and the
// watermark of the last entry emitted, so the caller can track resume
// position even across reconnects that land mid-transaction.
func (d *txDecoder) decode(walData []byte, walStart uint64) ([]model.LogEntry, watermark.Version, error) {
	msg, err := pglogrepl.Parse(walData)
	if err != nil {
		return nil, watermark.Zero, errors.Wrap(err, "parsing pgoutput message")
	}

	switch m := msg.(type) {
	case *pglogrepl.BeginMessage:
		d.inTx = true
		d.current = watermark.New(uint64(m.FinalLSN), 0)
		return []model.LogEntry{{
			Watermark: d.current,
			Change:    model.Change{Kind: model.KindBegin, CommitWatermark: d.current, Watermark: d.current},
		}}, d.current, nil

	case *pglogrepl.RelationMessage:
		rel, changed, err := d.relations.observe(m)
		if err != nil {
			return nil, watermark.Zero, err
		}
		if !changed {
			return nil, watermark.Zero, nil
		}
		d.advance()
		return []model.LogEntry{{
			Watermark: d.current,
			Change:    model.Change{Kind: model.KindCreateTable, Schema: rel.schema, Watermark: d.current},
		}}, d.current, nil

	case *pglogrepl.InsertMessage:
		rel, ok := d.relations.get(m.RelationID)
		if !ok {
			return nil, watermark.Zero, errUnknownRelation
		}
		d.advance()
		row := model.Row{Table: rel.table, Columns: decodeTuple(rel, m.Tuple)}
		row.PrimaryKey = primaryKeyOf(rel, row)
		return []model.LogEntry{{
			Watermark: d.current,
			Change:    model.Change{Kind: model.KindInsert, Row: row, Watermark: d.current},
		}}, d.current, nil

	case *pglogrepl.UpdateMessage:
		rel, ok := d.relations.get(m.RelationID)
		if !ok {
			return nil, watermark.Zero, errUnknownRelation
		}
		d.advance()
		row := model.Row{Table: rel.table, Columns: decodeTuple(rel, m.NewTuple)}
		row.PrimaryKey = primaryKeyOf(rel, row)
		return []model.LogEntry{{
			Watermark: d.current,
			Change:    model.Change{Kind: model.KindUpdate, Row: row, Watermark: d.current},
		}}, d.current, nil

	case *pglogrepl.DeleteMessage:
		rel, ok := d.relations.get(m.RelationID)
		if !ok {
			return nil, watermark.Zero, errUnknownRelation
		}
		d.advance()
		row := model.Row{Table: rel.table, Columns: decodeTuple(rel, m.OldTuple)}
		row.PrimaryKey = primaryKeyOf(rel, row)
		return []model.LogEntry{{
			Watermark: d.current,
			Change:    model.Change{Kind: model.KindDelete, Row: row, Watermark: d.current},
		}}, d.current, nil

	case *pglogrepl.TruncateMessage:
		var out []model.LogEntry
		for _, id := range m.RelationIDs {
			rel, ok := d.relations.get(id)
			if !ok {
				continue
			}
			d.advance()
			out = append(out, model.LogEntry{
				Watermark: d.current,
				Change:    model.Change{Kind: model.KindTruncate, Table: rel.table, Watermark: d.current},
			})
		}
		return out, d.current, nil

	case *pglogrepl.CommitMessage:
		d.advance()
		commit := d.current
		d.inTx = false
		return []model.LogEntry{{
			Watermark: commit,
			Change:    model.Change{Kind: model.KindCommit, CommitWatermark: commit, Watermark: commit},
		}}, commit, nil

	case *pglogrepl.TypeMessage:
		// Custom user types (enums, composites, domains) are fatal
		// rather than silently advisory (spec §4.A Policy): a row
		// carrying a value of this type would decode as opaque text
		// with no way to recover its real representation downstream.
		return nil, watermark.Zero, errors.Errorf(
			"replication: custom type %s.%s is not supported", m.Namespace, m.Name)

	default:
		// Origin and other advisory messages carry no row data.
		return nil, watermark.Zero, nil
	}
}

func (d *txDecoder) advance() {
	d.current = watermark.Next(d.current)
}

func primaryKeyOf(rel *cachedRelation, row model.Row) []string {
	pk := rel.schema.PrimaryKey
	values := make([]string, len(pk))
	for i, col := range pk {
		values[i] = stringValue(row.Columns[col])
	}
	return values
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
