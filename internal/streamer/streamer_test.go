package streamer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zero-sync/internal/model"
	"zero-sync/internal/streamer"
	"zero-sync/internal/types"
	"zero-sync/internal/util/stopper"
	"zero-sync/internal/watermark"
)

// fakeSource is an in-memory types.ChangeSource for testing: entries
// are fed by the test via push() and returned verbatim through
// StartStream's channel.
type fakeSource struct {
	mu    sync.Mutex
	ch    chan model.LogEntry
	acked []watermark.Version
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan model.LogEntry, 64)}
}

func (f *fakeSource) StartStream(ctx context.Context, from watermark.Version) (<-chan model.LogEntry, error) {
	return f.ch, nil
}

func (f *fakeSource) Ack(ctx context.Context, ts watermark.Version) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ts)
	return nil
}

func (f *fakeSource) push(entries ...model.LogEntry) {
	for _, e := range entries {
		f.ch <- e
	}
}

// memLog is a minimal in-memory types.ChangeLogStore for testing.
type memLog struct {
	mu      sync.Mutex
	entries []model.LogEntry
}

func (m *memLog) Append(ctx context.Context, entries []model.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *memLog) LatestWatermark(ctx context.Context) (watermark.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return watermark.Zero, nil
	}
	return m.entries[len(m.entries)-1].Watermark, nil
}

func (m *memLog) Scan(ctx context.Context, from watermark.Version) (types.LogEntryIterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var snap []model.LogEntry
	for _, e := range m.entries {
		if watermark.Compare(e.Watermark, from) >= 0 {
			snap = append(snap, e)
		}
	}
	return &memIterator{entries: snap, idx: -1}, nil
}

type memIterator struct {
	entries []model.LogEntry
	idx     int
}

func (it *memIterator) Next() bool {
	it.idx++
	return it.idx < len(it.entries)
}
func (it *memIterator) Entry() model.LogEntry { return it.entries[it.idx] }
func (it *memIterator) Err() error            { return nil }
func (it *memIterator) Close() error          { return nil }

func commitEntry(lsn uint64) model.LogEntry {
	w := watermark.New(lsn, 0)
	return model.LogEntry{Watermark: w, Change: model.Change{Kind: model.KindCommit, CommitWatermark: w}}
}

func TestSubscribeReceivesLiveCommits(t *testing.T) {
	src := newFakeSource()
	log := &memLog{}
	s := streamer.New(src, log)

	sc := stopper.WithContext(context.Background())
	defer sc.Stop(0)
	sc.Go(func() error { return s.Run(sc) })

	ch, cancel, err := s.Subscribe(context.Background(), types.SubscribeRequest{ID: "a", Watermark: watermark.Zero})
	require.NoError(t, err)
	defer cancel.Cancel()

	src.push(commitEntry(1))

	select {
	case d := <-ch:
		require.NoError(t, d.Err)
		require.Len(t, d.Entries, 1)
		assert.Equal(t, watermark.New(1, 0), d.Entries[0].Watermark)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for commit")
	}
}

func TestSubscribeCatchesUpFromPersistedLog(t *testing.T) {
	src := newFakeSource()
	log := &memLog{}
	log.entries = []model.LogEntry{commitEntry(1), commitEntry(2)}

	s := streamer.New(src, log)
	sc := stopper.WithContext(context.Background())
	defer sc.Stop(0)
	sc.Go(func() error { return s.Run(sc) })

	ch, cancel, err := s.Subscribe(context.Background(), types.SubscribeRequest{ID: "late", Watermark: watermark.Zero})
	require.NoError(t, err)
	defer cancel.Cancel()

	seen := map[watermark.Version]bool{}
	for len(seen) < 2 {
		select {
		case d := <-ch:
			require.NoError(t, d.Err)
			for _, e := range d.Entries {
				seen[e.Watermark] = true
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out; saw %d of 2 entries", len(seen))
		}
	}
	assert.True(t, seen[watermark.New(1, 0)])
	assert.True(t, seen[watermark.New(2, 0)])
}
