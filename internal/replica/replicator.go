package replica

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"zero-sync/internal/model"
	"zero-sync/internal/types"
	"zero-sync/internal/util/metrics"
	"zero-sync/internal/util/stopper"
	"zero-sync/internal/watermark"
)

// replicatorSubscriberID is the fixed subscription identity the
// Replica Store uses when registering with the Change Streamer. There
// is exactly one populator per Replica Store, so a constant id is
// sufficient (unlike a View Syncer connection's per-socket id).
const replicatorSubscriberID = "replica-store"

// Replicator drives a Store from a Change Streamer subscription: it
// is the missing link between 4.C and 4.D (spec data flow "Upstream
// -> A -> C -> (B persist, D apply, H notify)"). Subscribing from
// watermark.Zero with Initial set replays the whole Change Log Store
// on first start, then splices onto the live feed exactly once.
type Replicator struct {
	store    *Store
	streamer types.Streamer
}

// NewReplicator builds a Replicator applying streamer's commits into
// store.
func NewReplicator(store *Store, streamer types.Streamer) *Replicator {
	return &Replicator{store: store, streamer: streamer}
}

// Run subscribes to the Change Streamer and applies every commit to
// the Replica Store until ctx stops or the subscription ends. Run
// blocks; start it via ctx.Go.
func (r *Replicator) Run(ctx *stopper.Context) error {
	ch, sub, err := r.streamer.Subscribe(ctx, types.SubscribeRequest{
		ID:        replicatorSubscriberID,
		Watermark: watermark.Zero,
		Initial:   true,
	})
	if err != nil {
		return errors.Wrap(err, "subscribing replica store to change streamer")
	}
	defer sub.Cancel()

	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return nil
			}
			if d.Err != nil {
				return errors.Wrap(d.Err, "change streamer subscription failed")
			}
			if err := r.apply(ctx, d.Entries); err != nil {
				metrics.ReplicaApplyErrors.Inc()
				return err
			}
		case <-ctx.Stopping():
			return nil
		}
	}
}

// apply groups entries by their shared commit watermark and applies
// each group transactionally. The streamer already delivers one
// Downstream per commit, but apply tolerates a batch spanning more
// than one commit (e.g. a catch-up scan) by splitting on
// model.KindCommit boundaries, mirroring streamer.Streamer.Run's own
// batching.
func (r *Replicator) apply(ctx *stopper.Context, entries []model.LogEntry) error {
	var pending []model.Change
	for _, entry := range entries {
		pending = append(pending, entry.Change)
		if entry.Change.Kind != model.KindCommit {
			continue
		}

		start := time.Now()
		if err := r.store.ApplyTransaction(ctx, entry.Watermark, pending); err != nil {
			return errors.Wrapf(err, "applying commit %s to replica store", entry.Watermark)
		}
		metrics.ReplicaApplyLag.Observe(time.Since(start).Seconds())
		pending = nil
	}
	if len(pending) > 0 {
		log.WithField("count", len(pending)).Warn("replica store received a partial transaction batch")
	}
	return nil
}
