package replica_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zero-sync/internal/model"
	"zero-sync/internal/replica"
	"zero-sync/internal/util/ident"
	"zero-sync/internal/watermark"
)

func openStore(t *testing.T) *replica.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replica.db")
	store, err := replica.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func issuesSchema() *model.TableSchema {
	table := ident.NewTable(ident.NewSchema("public"), "issue")
	return &model.TableSchema{
		Name:       table,
		Columns:    map[string]model.ColumnDef{"id": {Name: "id", Pos: 0, Type: "text"}, "title": {Name: "title", Pos: 1, Type: "text"}},
		ColumnPos:  []string{"id", "title"},
		PrimaryKey: []string{"id"},
	}
}

func TestApplyCreateTableThenInsertIsQueryable(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	schema := issuesSchema()
	w1 := watermark.New(1, 0)

	require.NoError(t, store.ApplyTransaction(ctx, w1, []model.Change{
		{Kind: model.KindCreateTable, Schema: schema},
		{Kind: model.KindInsert, Row: model.Row{Table: schema.Name, PrimaryKey: []string{"1"}, Columns: map[string]any{"id": "1", "title": "hello"}}},
	}))

	got, ok := store.Schema(schema.Name)
	require.True(t, ok)
	assert.Equal(t, schema.PrimaryKey, got.PrimaryKey)

	rows, err := store.Query(ctx, schema.Name)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "hello", rows[0].Columns["title"])
	assert.Equal(t, string(w1), rows[0].Columns["_0_version"])
}

func TestApplyDeleteRemovesRow(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	schema := issuesSchema()

	require.NoError(t, store.ApplyTransaction(ctx, watermark.New(1, 0), []model.Change{
		{Kind: model.KindCreateTable, Schema: schema},
		{Kind: model.KindInsert, Row: model.Row{Table: schema.Name, PrimaryKey: []string{"1"}, Columns: map[string]any{"id": "1"}}},
	}))
	require.NoError(t, store.ApplyTransaction(ctx, watermark.New(2, 0), []model.Change{
		{Kind: model.KindDelete, Row: model.Row{Table: schema.Name, PrimaryKey: []string{"1"}}},
	}))

	rows, err := store.Query(ctx, schema.Name)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestApplyAddColumnNotifiesWatchers(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	schema := issuesSchema()

	require.NoError(t, store.ApplyTransaction(ctx, watermark.New(1, 0), []model.Change{
		{Kind: model.KindCreateTable, Schema: schema},
	}))

	ch, cancel := store.Watch(schema.Name)
	defer cancel()

	initial := <-ch
	require.NotNil(t, initial)
	_, hasStatus := initial.Columns["status"]
	assert.False(t, hasStatus)

	require.NoError(t, store.ApplyTransaction(ctx, watermark.New(2, 0), []model.Change{
		{Kind: model.KindAddColumn, Table: schema.Name, Column: model.ColumnDef{Name: "status", Pos: 2, Type: "text"}},
	}))

	updated := <-ch
	require.NotNil(t, updated)
	_, hasStatus = updated.Columns["status"]
	assert.True(t, hasStatus)
}

func TestApplyTruncateClearsRows(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	schema := issuesSchema()

	require.NoError(t, store.ApplyTransaction(ctx, watermark.New(1, 0), []model.Change{
		{Kind: model.KindCreateTable, Schema: schema},
		{Kind: model.KindInsert, Row: model.Row{Table: schema.Name, PrimaryKey: []string{"1"}, Columns: map[string]any{"id": "1"}}},
		{Kind: model.KindInsert, Row: model.Row{Table: schema.Name, PrimaryKey: []string{"2"}, Columns: map[string]any{"id": "2"}}},
	}))
	require.NoError(t, store.ApplyTransaction(ctx, watermark.New(2, 0), []model.Change{
		{Kind: model.KindTruncate, Table: schema.Name},
	}))

	rows, err := store.Query(ctx, schema.Name)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestReopenPreservesSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "replica.db")
	store, err := replica.Open(path)
	require.NoError(t, err)
	schema := issuesSchema()
	require.NoError(t, store.ApplyTransaction(ctx, watermark.New(1, 0), []model.Change{
		{Kind: model.KindCreateTable, Schema: schema},
	}))
	require.NoError(t, store.Close())

	reopened, err := replica.Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok := reopened.Schema(schema.Name)
	require.True(t, ok)
	assert.Equal(t, schema.PrimaryKey, got.PrimaryKey)
}
