// Package inject wires the sync backend's components together for a
// single process: Change Source, Change Log Store, Replica Store,
// View Syncer, and the Connection layer's dependencies. Generated
// dependency-injection tooling (google/wire) cannot run in this
// environment, so this package is a hand-written stand-in for the
// wire_gen.go output the teacher's build generates, following the same
// shape: a sequential construction function that accumulates a
// cleanup chain and unwinds it in reverse on any failure
// (internal/source/cdc/wire_gen.go).
package inject

import (
	"github.com/pkg/errors"

	"zero-sync/internal/changelog"
	"zero-sync/internal/cvr"
	"zero-sync/internal/replica"
	"zero-sync/internal/replication"
	"zero-sync/internal/streamer"
	"zero-sync/internal/util/ident"
	"zero-sync/internal/util/logging"
	"zero-sync/internal/util/stopper"
	"zero-sync/internal/viewsyncer"
)

// Config names every durable store and the upstream connection this
// process needs. It is assembled by cmd/zero-cache from its own
// pflag-bound configuration.
type Config struct {
	Logging     logging.Config
	Replication replication.Config

	ChangeLogPath string
	ReplicaPath   string
	CVRPath       string

	// Schema is the Postgres schema (e.g. "public") whose tables are
	// replicated and queried.
	Schema string
}

// App holds every long-lived component built by Build, wired and
// ready to serve connections once Run is called.
type App struct {
	ChangeLog  *changelog.Store
	Replica    *replica.Store
	CVRs       *cvr.Store
	Source     *replication.Source
	Streamer   *streamer.Streamer
	Replicator *replica.Replicator
	ViewSyncer *viewsyncer.ViewSyncer

	cleanup []func()
}

// Build constructs an App from cfg. On error, every store opened so
// far is closed before Build returns, mirroring wire_gen.go's
// reverse-order cleanup chain.
func Build(cfg Config) (app *App, cleanup func(), err error) {
	if err := logging.Apply(cfg.Logging); err != nil {
		return nil, nil, errors.Wrap(err, "applying logging config")
	}
	if err := cfg.Replication.Preflight(); err != nil {
		return nil, nil, errors.Wrap(err, "validating replication config")
	}

	a := &App{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.ChangeLog, err = changelog.Open(cfg.ChangeLogPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening change log store")
	}
	a.addCleanup(func() { _ = a.ChangeLog.Close() })

	a.Replica, err = replica.Open(cfg.ReplicaPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening replica store")
	}
	a.addCleanup(func() { _ = a.Replica.Close() })

	a.CVRs, err = cvr.Open(cfg.CVRPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening cvr store")
	}
	a.addCleanup(func() { _ = a.CVRs.Close() })

	a.Source = replication.New(cfg.Replication)
	a.Streamer = streamer.New(a.Source, a.ChangeLog)
	a.Replicator = replica.NewReplicator(a.Replica, a.Streamer)
	a.ViewSyncer = viewsyncer.New(a.Streamer, a.Replica, a.CVRs, ident.NewSchema(cfg.Schema))

	return a, a.Close, nil
}

func (a *App) addCleanup(fn func()) {
	a.cleanup = append(a.cleanup, fn)
}

// Close releases every store opened by Build, in reverse acquisition
// order. Close is idempotent-safe to call from a deferred cleanup even
// after Build failed partway through.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

// Run starts the Change Streamer's ingestion loop and the Replica
// Store's populator loop, both for the lifetime of ctx. Run does not
// block; it registers both loops with ctx.Go and returns immediately,
// matching streamer.New's documented "call Run in a goroutine, typically
// via a stopper.Context.Go" contract.
func (a *App) Run(ctx *stopper.Context) {
	ctx.Go(func() error { return a.Streamer.Run(ctx) })
	ctx.Go(func() error { return a.Replicator.Run(ctx) })
}
