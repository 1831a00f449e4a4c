package viewsyncer

import (
	"context"

	"zero-sync/internal/model"
	"zero-sync/internal/types"
	"zero-sync/internal/util/ident"
	"zero-sync/internal/watermark"
)

var testSchema = ident.NewSchema("public")

func issueTable() ident.Table { return ident.NewTable(testSchema, "issue") }
func labelTable() ident.Table { return ident.NewTable(testSchema, "label") }

func row(table ident.Table, id string, cols map[string]any) model.Row {
	return model.Row{Table: table, PrimaryKey: []string{id}, Columns: cols, RowVersion: watermark.New(1, 0)}
}

// fakeReplica is a minimal types.ReplicaStore backed by in-memory maps,
// enough to exercise sourceSet/pipeline without a real bbolt-backed
// replica.
type fakeReplica struct {
	schemas map[string]*model.TableSchema
	rows    map[string][]model.Row
}

var _ types.ReplicaStore = (*fakeReplica)(nil)

func newFakeReplica() *fakeReplica {
	return &fakeReplica{schemas: make(map[string]*model.TableSchema), rows: make(map[string][]model.Row)}
}

func (f *fakeReplica) addTable(table ident.Table, pk []string, rows []model.Row) {
	f.schemas[table.Raw()] = &model.TableSchema{Name: table, PrimaryKey: pk}
	f.rows[table.Raw()] = rows
}

func (f *fakeReplica) ApplyTransaction(ctx context.Context, commitWatermark watermark.Version, changes []model.Change) error {
	return nil
}

func (f *fakeReplica) Schema(table ident.Table) (*model.TableSchema, bool) {
	s, ok := f.schemas[table.Raw()]
	return s, ok
}

func (f *fakeReplica) Query(ctx context.Context, table ident.Table) ([]model.Row, error) {
	return f.rows[table.Raw()], nil
}

func (f *fakeReplica) Watch(table ident.Table) (<-chan *model.TableSchema, func()) {
	ch := make(chan *model.TableSchema)
	return ch, func() {}
}
