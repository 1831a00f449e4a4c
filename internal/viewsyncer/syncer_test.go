package viewsyncer_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zero-sync/internal/cvr"
	"zero-sync/internal/model"
	"zero-sync/internal/query"
	"zero-sync/internal/types"
	"zero-sync/internal/util/ident"
	"zero-sync/internal/util/stopper"
	"zero-sync/internal/viewsyncer"
	"zero-sync/internal/watermark"
)

var testSchema = ident.NewSchema("public")

func issueTable() ident.Table { return ident.NewTable(testSchema, "issue") }

func row(table ident.Table, id string, cols map[string]any) model.Row {
	return model.Row{Table: table, PrimaryKey: []string{id}, Columns: cols, RowVersion: watermark.New(1, 0)}
}

type fakeReplica struct {
	schemas map[string]*model.TableSchema
	rows    map[string][]model.Row
	watches map[string]chan *model.TableSchema
}

var _ types.ReplicaStore = (*fakeReplica)(nil)

func newFakeReplica() *fakeReplica {
	return &fakeReplica{
		schemas: make(map[string]*model.TableSchema),
		rows:    make(map[string][]model.Row),
		watches: make(map[string]chan *model.TableSchema),
	}
}

func (f *fakeReplica) addTable(table ident.Table, pk []string, rows []model.Row) {
	f.schemas[table.Raw()] = &model.TableSchema{Name: table, PrimaryKey: pk, ColumnPos: pk}
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
	ch, ok := f.watches[table.Raw()]
	if !ok {
		ch = make(chan *model.TableSchema, 1)
		f.watches[table.Raw()] = ch
	}
	ch <- f.schemas[table.Raw()]
	return ch, func() {}
}

// mutateSchema replaces table's schema and wakes any watcher, mirroring
// internal/replica/store.go's notify-on-DDL behavior closely enough to
// exercise groupSyncer's schema-change recompile path.
func (f *fakeReplica) mutateSchema(table ident.Table, schema *model.TableSchema) {
	f.schemas[table.Raw()] = schema
	if ch, ok := f.watches[table.Raw()]; ok {
		ch <- schema
	}
}

type noopCancel struct{}

func (noopCancel) Cancel() {}

type fakeStreamer struct {
	ch chan types.Downstream
}

var _ types.Streamer = (*fakeStreamer)(nil)

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{ch: make(chan types.Downstream, 4)}
}

func (f *fakeStreamer) Subscribe(ctx context.Context, req types.SubscribeRequest) (<-chan types.Downstream, types.Cancellable, error) {
	return f.ch, noopCancel{}, nil
}

func openCVR(t *testing.T) *cvr.Store {
	t.Helper()
	s, err := cvr.Open(filepath.Join(t.TempDir(), "cvr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func issuePatch(hash string) []cvr.DesiredQueryPatch {
	return []cvr.DesiredQueryPatch{{Op: cvr.OpPut, Hash: hash, AST: &query.AST{Table: "issue"}}}
}

func recv(t *testing.T, ch <-chan viewsyncer.Downstream) (viewsyncer.Downstream, bool) {
	t.Helper()
	select {
	case d, ok := <-ch:
		return d, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for downstream message")
		return viewsyncer.Downstream{}, false
	}
}

func TestInitConnectionSupersedesPriorConnectionForSameClient(t *testing.T) {
	replica := newFakeReplica()
	replica.addTable(issueTable(), []string{"id"}, []model.Row{row(issueTable(), "1", map[string]any{"id": "1"})})
	vs := viewsyncer.New(newFakeStreamer(), replica, openCVR(t), testSchema)

	ctx := stopper.WithContext(context.Background())
	defer ctx.Stop(0)

	ch1, sub1, err := vs.InitConnection(ctx, "group-1", viewsyncer.SyncContext{ClientID: "c1", WSID: "w1"}, issuePatch("q1"))
	require.NoError(t, err)
	require.NotNil(t, sub1)

	_, sub2, err := vs.InitConnection(ctx, "group-1", viewsyncer.SyncContext{ClientID: "c1", WSID: "w2"}, issuePatch("q1"))
	require.NoError(t, err)
	require.NotNil(t, sub2)

	_, ok := recv(t, ch1)
	assert.False(t, ok, "superseded connection's downstream channel should be closed")
}

func TestChangeDesiredQueriesIgnoresSupersededConnection(t *testing.T) {
	replica := newFakeReplica()
	replica.addTable(issueTable(), []string{"id"}, nil)
	cvrs := openCVR(t)
	vs := viewsyncer.New(newFakeStreamer(), replica, cvrs, testSchema)

	ctx := stopper.WithContext(context.Background())
	defer ctx.Stop(0)

	_, _, err := vs.InitConnection(ctx, "group-1", viewsyncer.SyncContext{ClientID: "c1", WSID: "w1"}, issuePatch("q1"))
	require.NoError(t, err)
	_, _, err = vs.InitConnection(ctx, "group-1", viewsyncer.SyncContext{ClientID: "c1", WSID: "w2"}, issuePatch("q1"))
	require.NoError(t, err)

	err = vs.ChangeDesiredQueries("group-1", viewsyncer.SyncContext{ClientID: "c1", WSID: "w1"}, issuePatch("q2"))
	require.NoError(t, err)

	record, err := cvrs.Load("group-1")
	require.NoError(t, err)
	assert.NotContains(t, record.Queries, "q2")
}

func TestProcessCommitReconcilesAndBroadcastsPoke(t *testing.T) {
	replica := newFakeReplica()
	replica.addTable(issueTable(), []string{"id"}, []model.Row{
		row(issueTable(), "1", map[string]any{"id": "1"}),
	})
	streamer := newFakeStreamer()
	vs := viewsyncer.New(streamer, replica, openCVR(t), testSchema)

	ctx := stopper.WithContext(context.Background())
	defer ctx.Stop(0)

	ch, _, err := vs.InitConnection(ctx, "group-1", viewsyncer.SyncContext{ClientID: "c1", WSID: "w1"}, issuePatch("q1"))
	require.NoError(t, err)

	streamer.ch <- types.Downstream{Entries: []model.LogEntry{
		{Watermark: watermark.New(2, 0), Change: model.Change{
			Kind: model.KindInsert,
			Row:  row(issueTable(), "2", map[string]any{"id": "2"}),
		}},
	}}

	d, ok := recv(t, ch)
	require.True(t, ok)
	require.NotNil(t, d.Poke)
	require.Len(t, d.Poke.Parts, 1)
	assert.Len(t, d.Poke.Parts[0].EntitiesPatch, 2)
	assert.Equal(t, watermark.New(2, 0), d.Poke.End.PokeID)
}

func TestRecordMutationSurfacesInNextPoke(t *testing.T) {
	replica := newFakeReplica()
	replica.addTable(issueTable(), []string{"id"}, nil)
	streamer := newFakeStreamer()
	vs := viewsyncer.New(streamer, replica, openCVR(t), testSchema)

	ctx := stopper.WithContext(context.Background())
	defer ctx.Stop(0)

	ch, _, err := vs.InitConnection(ctx, "group-1", viewsyncer.SyncContext{ClientID: "c1", WSID: "w1"}, issuePatch("q1"))
	require.NoError(t, err)

	vs.RecordMutation("group-1", "c1", 7)

	streamer.ch <- types.Downstream{Entries: []model.LogEntry{
		{Watermark: watermark.New(2, 0), Change: model.Change{
			Kind: model.KindInsert,
			Row:  row(issueTable(), "1", map[string]any{"id": "1"}),
		}},
	}}

	d, ok := recv(t, ch)
	require.True(t, ok)
	require.NotNil(t, d.Poke)
	assert.Equal(t, int64(7), d.Poke.Parts[0].LastMutationIDChanges["c1"])
}

func TestChangeDesiredQueriesTriggersRecompileAndPoke(t *testing.T) {
	replica := newFakeReplica()
	replica.addTable(issueTable(), []string{"id"}, []model.Row{
		row(issueTable(), "1", map[string]any{"id": "1"}),
	})
	vs := viewsyncer.New(newFakeStreamer(), replica, openCVR(t), testSchema)

	ctx := stopper.WithContext(context.Background())
	defer ctx.Stop(0)

	ch, _, err := vs.InitConnection(ctx, "group-1", viewsyncer.SyncContext{ClientID: "c1", WSID: "w1"}, issuePatch("q1"))
	require.NoError(t, err)

	err = vs.ChangeDesiredQueries("group-1", viewsyncer.SyncContext{ClientID: "c1", WSID: "w1"}, issuePatch("q2"))
	require.NoError(t, err)

	d, ok := recv(t, ch)
	require.True(t, ok)
	require.NotNil(t, d.Poke)
	require.Len(t, d.Poke.Parts, 1)
	assert.Contains(t, d.Poke.Parts[0].DesiredQueriesPatches, "c1")
	assert.Contains(t, d.Poke.Parts[0].GotQueriesPatch, "q2")
}

func TestInitConnectionForAlreadyRunningGroupTriggersPoke(t *testing.T) {
	replica := newFakeReplica()
	replica.addTable(issueTable(), []string{"id"}, []model.Row{
		row(issueTable(), "1", map[string]any{"id": "1"}),
	})
	vs := viewsyncer.New(newFakeStreamer(), replica, openCVR(t), testSchema)

	ctx := stopper.WithContext(context.Background())
	defer ctx.Stop(0)

	_, _, err := vs.InitConnection(ctx, "group-1", viewsyncer.SyncContext{ClientID: "c1", WSID: "w1"}, issuePatch("q1"))
	require.NoError(t, err)

	ch2, _, err := vs.InitConnection(ctx, "group-1", viewsyncer.SyncContext{ClientID: "c2", WSID: "w2"}, issuePatch("q2"))
	require.NoError(t, err)

	d, ok := recv(t, ch2)
	require.True(t, ok)
	require.NotNil(t, d.Poke)
	assert.Contains(t, d.Poke.Parts[0].GotQueriesPatch, "q2")
}

func TestSchemaChangeNotificationTriggersRecompile(t *testing.T) {
	replica := newFakeReplica()
	replica.addTable(issueTable(), []string{"id"}, []model.Row{
		row(issueTable(), "1", map[string]any{"id": "1"}),
	})
	vs := viewsyncer.New(newFakeStreamer(), replica, openCVR(t), testSchema)

	ctx := stopper.WithContext(context.Background())
	defer ctx.Stop(0)

	ch, _, err := vs.InitConnection(ctx, "group-1", viewsyncer.SyncContext{ClientID: "c1", WSID: "w1"}, issuePatch("q1"))
	require.NoError(t, err)

	replica.rows[issueTable().Raw()] = append(replica.rows[issueTable().Raw()],
		row(issueTable(), "2", map[string]any{"id": "2"}))
	replica.mutateSchema(issueTable(), &model.TableSchema{Name: issueTable(), PrimaryKey: []string{"id"}, ColumnPos: []string{"id"}})

	d, ok := recv(t, ch)
	require.True(t, ok)
	require.NotNil(t, d.Poke)
	assert.Len(t, d.Poke.Parts[0].EntitiesPatch, 2)
}
