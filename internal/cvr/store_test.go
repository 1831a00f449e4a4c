package cvr_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zero-sync/internal/cvr"
	"zero-sync/internal/model"
	"zero-sync/internal/query"
	"zero-sync/internal/util/ident"
	"zero-sync/internal/watermark"
)

func openStore(t *testing.T) *cvr.Store {
	t.Helper()
	s, err := cvr.Open(filepath.Join(t.TempDir(), "cvr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func issuesTable() ident.Table {
	return ident.NewTable(ident.NewSchema("public"), "issues")
}

func TestLoadReturnsEmptyCVRForUnknownGroup(t *testing.T) {
	s := openStore(t)
	c, err := s.Load("group-1")
	require.NoError(t, err)
	assert.Equal(t, "group-1", c.ID)
	assert.Empty(t, c.Queries)
	assert.Empty(t, c.RowRecords)
}

func TestPutDesiredQueriesAddThenRemove(t *testing.T) {
	s := openStore(t)
	at := cvr.Version{StateVersion: watermark.New(1, 0)}

	err := s.PutDesiredQueries("group-1", "client-a", at, []cvr.DesiredQueryPatch{
		{Op: cvr.OpPut, Hash: "q1", AST: &query.AST{Table: "issues"}},
	})
	require.NoError(t, err)

	c, err := s.Load("group-1")
	require.NoError(t, err)
	require.Contains(t, c.Queries, "q1")
	assert.Contains(t, c.Queries["q1"].DesiredBy, "client-a")

	err = s.PutDesiredQueries("group-1", "client-a", at, []cvr.DesiredQueryPatch{
		{Op: cvr.OpDel, Hash: "q1"},
	})
	require.NoError(t, err)

	c, err = s.Load("group-1")
	require.NoError(t, err)
	assert.NotContains(t, c.Queries, "q1")
}

func TestPutDesiredQueriesKeepsQueryWhileAnyClientWantsIt(t *testing.T) {
	s := openStore(t)
	at := cvr.Version{StateVersion: watermark.New(1, 0)}
	patch := []cvr.DesiredQueryPatch{{Op: cvr.OpPut, Hash: "q1", AST: &query.AST{Table: "issues"}}}

	require.NoError(t, s.PutDesiredQueries("group-1", "client-a", at, patch))
	require.NoError(t, s.PutDesiredQueries("group-1", "client-b", at, patch))
	require.NoError(t, s.PutDesiredQueries("group-1", "client-a", at, []cvr.DesiredQueryPatch{{Op: cvr.OpDel, Hash: "q1"}}))

	c, err := s.Load("group-1")
	require.NoError(t, err)
	require.Contains(t, c.Queries, "q1")
	assert.Contains(t, c.Queries["q1"].DesiredBy, "client-b")
	assert.NotContains(t, c.Queries["q1"].DesiredBy, "client-a")
}

func row(id, title string, rv uint64) model.Row {
	return model.Row{
		Table:      issuesTable(),
		PrimaryKey: []string{id},
		Columns:    map[string]any{"id": id, "title": title},
		RowVersion: watermark.New(rv, 0),
	}
}

func TestReconcileRowsEmitsPutForNewRows(t *testing.T) {
	s := openStore(t)
	patches, err := s.ReconcileRows("group-1", []cvr.QueryResult{
		{Hash: "q1", Rows: []model.Row{row("1", "a", 1), row("2", "b", 1)}},
	})
	require.NoError(t, err)
	require.Len(t, patches, 2)
	for _, p := range patches {
		assert.Equal(t, cvr.OpPut, p.Op)
	}
}

func TestReconcileRowsIsIdempotent(t *testing.T) {
	s := openStore(t)
	results := []cvr.QueryResult{{Hash: "q1", Rows: []model.Row{row("1", "a", 1)}}}

	first, err := s.ReconcileRows("group-1", results)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := s.ReconcileRows("group-1", results)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestReconcileRowsEmitsDelWhenRowLeavesQuery(t *testing.T) {
	s := openStore(t)
	_, err := s.ReconcileRows("group-1", []cvr.QueryResult{
		{Hash: "q1", Rows: []model.Row{row("1", "a", 1)}},
	})
	require.NoError(t, err)

	patches, err := s.ReconcileRows("group-1", []cvr.QueryResult{{Hash: "q1", Rows: nil}})
	require.NoError(t, err)
	require.Len(t, patches, 1)
	assert.Equal(t, cvr.OpDel, patches[0].Op)
	assert.Equal(t, []string{"1"}, patches[0].PrimaryKey)
}

func TestReconcileRowsEmitsPutWhenRowVersionAdvances(t *testing.T) {
	s := openStore(t)
	_, err := s.ReconcileRows("group-1", []cvr.QueryResult{
		{Hash: "q1", Rows: []model.Row{row("1", "a", 1)}},
	})
	require.NoError(t, err)

	patches, err := s.ReconcileRows("group-1", []cvr.QueryResult{
		{Hash: "q1", Rows: []model.Row{row("1", "a-updated", 2)}},
	})
	require.NoError(t, err)
	require.Len(t, patches, 1)
	assert.Equal(t, cvr.OpPut, patches[0].Op)
	assert.Equal(t, watermark.New(2, 0), patches[0].RowVersion)
}

func TestAdvanceVersionSetsStateAndClearsMinor(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.AdvanceVersion("group-1", watermark.New(5, 0)))

	c, err := s.Load("group-1")
	require.NoError(t, err)
	assert.Equal(t, watermark.New(5, 0), c.Version.StateVersion)
	assert.Equal(t, 0, c.Version.MinorVersion)
}
