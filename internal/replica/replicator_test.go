package replica_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zero-sync/internal/model"
	"zero-sync/internal/replica"
	"zero-sync/internal/types"
	"zero-sync/internal/util/ident"
	"zero-sync/internal/util/stopper"
	"zero-sync/internal/watermark"
)

type noopCancel struct{}

func (noopCancel) Cancel() {}

type fakeStreamer struct {
	ch  chan types.Downstream
	req types.SubscribeRequest
}

var _ types.Streamer = (*fakeStreamer)(nil)

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{ch: make(chan types.Downstream, 4)}
}

func (f *fakeStreamer) Subscribe(ctx context.Context, req types.SubscribeRequest) (<-chan types.Downstream, types.Cancellable, error) {
	f.req = req
	return f.ch, noopCancel{}, nil
}

func TestReplicatorSubscribesFromZeroWithInitialCatchUp(t *testing.T) {
	store := openStore(t)
	streamer := newFakeStreamer()
	r := replica.NewReplicator(store, streamer)

	ctx := stopper.WithContext(context.Background())
	defer ctx.Stop(0)
	ctx.Go(func() error { return r.Run(ctx) })

	require.Eventually(t, func() bool { return streamer.req.ID != "" }, time.Second, 10*time.Millisecond)
	assert.Equal(t, watermark.Zero, streamer.req.Watermark)
	assert.True(t, streamer.req.Initial)
}

func TestReplicatorAppliesDeliveredCommitIntoStore(t *testing.T) {
	store := openStore(t)
	streamer := newFakeStreamer()
	r := replica.NewReplicator(store, streamer)

	ctx := stopper.WithContext(context.Background())
	defer ctx.Stop(0)
	ctx.Go(func() error { return r.Run(ctx) })
	require.Eventually(t, func() bool { return streamer.req.ID != "" }, time.Second, 10*time.Millisecond)

	schema := issuesSchema()
	w := watermark.New(1, 0)
	streamer.ch <- types.Downstream{Entries: []model.LogEntry{
		{Watermark: w, Change: model.Change{Kind: model.KindBegin, CommitWatermark: w}},
		{Watermark: w, Change: model.Change{Kind: model.KindCreateTable, Schema: schema}},
		{Watermark: w, Change: model.Change{Kind: model.KindInsert, Row: model.Row{
			Table: schema.Name, PrimaryKey: []string{"1"}, Columns: map[string]any{"id": "1", "title": "hello"},
		}}},
		{Watermark: w, Change: model.Change{Kind: model.KindCommit}},
	}}

	require.Eventually(t, func() bool {
		rows, err := store.Query(context.Background(), schema.Name)
		return err == nil && len(rows) == 1
	}, time.Second, 10*time.Millisecond)

	rows, err := store.Query(context.Background(), schema.Name)
	require.NoError(t, err)
	assert.Equal(t, "hello", rows[0].Columns["title"])
}

func TestReplicatorStopsOnSubscriptionClose(t *testing.T) {
	store := openStore(t)
	streamer := newFakeStreamer()
	r := replica.NewReplicator(store, streamer)

	ctx := stopper.WithContext(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return streamer.req.ID != "" }, time.Second, 10*time.Millisecond)

	close(streamer.ch)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after subscription channel closed")
	}
}
