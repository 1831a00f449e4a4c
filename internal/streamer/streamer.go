// Package streamer implements the Change Streamer Service (spec
// §4.C): it owns the single upstream Change Source, persists each
// commit to the Change Log Store before acknowledging it, and
// multiplexes the durable commit stream to any number of View Syncer
// subscribers — each catching up from its own watermark and then
// splicing seamlessly onto the live feed. Grounded on the teacher's
// resolver loop-ownership pattern in internal/source/cdc/resolver.go:
// one long-running loop per upstream, stopper-scoped, notify.Var used
// to wake dependent goroutines rather than polling.
package streamer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"zero-sync/internal/model"
	"zero-sync/internal/types"
	"zero-sync/internal/util/metrics"
	"zero-sync/internal/util/notify"
	"zero-sync/internal/util/stopper"
	"zero-sync/internal/watermark"
)

// subscriberBuffer bounds how far behind the live feed a subscriber's
// channel may lag before it is dropped (spec §4.C: "a slow subscriber
// is disconnected rather than allowed to apply backpressure to every
// other subscriber").
const subscriberBuffer = 64

// Streamer is the Change Streamer Service.
type Streamer struct {
	source types.ChangeSource
	log    types.ChangeLogStore

	pos notify.Var[watermark.Version]

	subsMu sync.Mutex
	subs   map[string]*subscriber
}

var _ types.Streamer = (*Streamer)(nil)

// New builds a Streamer over source, durable through log. Call Run in
// a goroutine (typically via a stopper.Context.Go) to start ingestion.
func New(source types.ChangeSource, store types.ChangeLogStore) *Streamer {
	return &Streamer{
		source: source,
		log:    store,
		subs:   make(map[string]*subscriber),
	}
}

// Run consumes the upstream Change Source until ctx is cancelled or
// the source's stream terminates. It persists each transaction to the
// Change Log Store, acknowledges it upstream, and fans it out to
// every subscriber registered at the time of the commit.
func (s *Streamer) Run(ctx *stopper.Context) error {
	latest, err := s.log.LatestWatermark(ctx)
	if err != nil {
		return errors.Wrap(err, "reading latest watermark at startup")
	}
	s.pos.Set(latest)

	entries, err := s.source.StartStream(ctx, latest)
	if err != nil {
		return errors.Wrap(err, "starting upstream change stream")
	}

	var pending []model.LogEntry
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return nil
			}
			pending = append(pending, entry)
			if entry.Change.Kind != model.KindCommit {
				continue
			}

			observed := pending
			pending = nil

			start := time.Now()
			if err := s.log.Append(ctx, observed); err != nil {
				s.broadcastError(errors.Wrap(err, "persisting commit"))
				return err
			}
			metrics.StreamerCommitLag.Observe(time.Since(start).Seconds())

			s.pos.Set(entry.Watermark)
			if err := s.source.Ack(ctx, entry.Watermark); err != nil {
				log.WithError(err).Warn("failed to acknowledge commit upstream")
			}
			s.broadcast(observed)

		case <-ctx.Stopping():
			return nil
		}
	}
}

// Subscribe implements types.Streamer.
func (s *Streamer) Subscribe(ctx context.Context, req types.SubscribeRequest) (<-chan types.Downstream, types.Cancellable, error) {
	sub := &subscriber{
		streamer: s,
		id:       req.ID,
		ch:       make(chan types.Downstream, subscriberBuffer),
		done:     make(chan struct{}),
	}

	s.subsMu.Lock()
	s.subs[req.ID] = sub
	snapshot, _ := s.pos.Get()
	s.subsMu.Unlock()
	metrics.StreamerSubscribers.Inc()

	if watermark.Less(req.Watermark, snapshot) {
		go s.catchUp(ctx, sub, req.Watermark, snapshot)
	}

	return sub.ch, sub, nil
}

// catchUp replays the Change Log Store from from (inclusive) through
// through (inclusive), batched by commit boundary, before the
// subscriber starts relying on live broadcasts registered at
// Subscribe time. No commit in (from, through] can be missed or
// duplicated: through was read after sub was already registered for
// live delivery, so every later commit goes through broadcast.
func (s *Streamer) catchUp(ctx context.Context, sub *subscriber, from, through watermark.Version) {
	it, err := s.log.Scan(ctx, from)
	if err != nil {
		sub.deliver(types.Downstream{Err: errors.Wrap(err, "starting catch-up scan")})
		return
	}
	defer it.Close()

	var batch []model.LogEntry
	for it.Next() {
		entry := it.Entry()
		if watermark.Compare(entry.Watermark, through) > 0 {
			break
		}
		batch = append(batch, entry)
		metrics.StreamerCatchupRows.Inc()
		if entry.Change.Kind == model.KindCommit {
			if !sub.deliver(types.Downstream{Entries: batch}) {
				return
			}
			batch = nil
		}
	}
	if err := it.Err(); err != nil {
		sub.deliver(types.Downstream{Err: errors.Wrap(err, "scanning change log during catch-up")})
	}
}

// broadcast delivers entries to every live subscriber. A subscriber
// whose channel is full is dropped rather than allowed to block the
// others (spec §4.C).
func (s *Streamer) broadcast(entries []model.LogEntry) {
	s.subsMu.Lock()
	targets := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		targets = append(targets, sub)
	}
	s.subsMu.Unlock()

	for _, sub := range targets {
		sub.deliver(types.Downstream{Entries: entries})
	}
}

func (s *Streamer) broadcastError(err error) {
	s.subsMu.Lock()
	targets := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		targets = append(targets, sub)
	}
	s.subsMu.Unlock()
	for _, sub := range targets {
		sub.deliver(types.Downstream{Err: err})
	}
}

func (s *Streamer) remove(id string) {
	s.subsMu.Lock()
	if _, ok := s.subs[id]; ok {
		delete(s.subs, id)
		metrics.StreamerSubscribers.Dec()
	}
	s.subsMu.Unlock()
}

// subscriber adapts one caller's view of the stream onto the shared
// broadcast, with its own cancellation.
type subscriber struct {
	streamer *Streamer
	id       string
	ch       chan types.Downstream
	done     chan struct{}
	closeOne sync.Once
}

var _ types.Cancellable = (*subscriber)(nil)

// deliver attempts a non-blocking send; on overflow it cancels the
// subscriber and reports false so the caller can stop producing for
// it.
func (sub *subscriber) deliver(d types.Downstream) bool {
	select {
	case sub.ch <- d:
		return true
	case <-sub.done:
		return false
	default:
		log.WithField("subscriber", sub.id).Warn("change streamer subscriber overflowed, disconnecting")
		sub.Cancel()
		return false
	}
}

// Cancel implements types.Cancellable. Idempotent.
func (sub *subscriber) Cancel() {
	sub.closeOne.Do(func() {
		sub.streamer.remove(sub.id)
		close(sub.done)
		close(sub.ch)
	})
}
