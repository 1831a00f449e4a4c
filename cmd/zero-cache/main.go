// Command zero-cache runs the sync backend's single-process server:
// Change Source, Change Streamer, Replica Store, View Syncer, and the
// WebSocket Connection layer that serves clients. Grounded on the
// teacher's nested-Config Bind/Preflight composition
// (internal/source/server/config.go) generalized to this process's
// own flag set, since the teacher repo itself has no retrieved main
// package to copy a binary entrypoint from.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	log "github.com/sirupsen/logrus"

	"zero-sync/internal/connection"
	"zero-sync/internal/inject"
	"zero-sync/internal/replication"
	"zero-sync/internal/util/logging"
	"zero-sync/internal/util/stopper"
)

// Config is this process's user-visible configuration.
type Config struct {
	Replication replication.Config
	Logging     logging.Config

	ChangeLogPath string
	ReplicaPath   string
	CVRPath       string
	Schema        string
	BindAddr      string
}

// Bind registers every flag, delegating to Replication's own Bind
// first the way server.Config delegates to cdc.Config.
func (c *Config) Bind(flags *pflag.FlagSet) {
	c.Replication.Bind(flags)

	flags.StringVar(&c.Logging.Level, "logLevel", "info",
		"logrus level: trace, debug, info, warn, error")
	flags.BoolVar(&c.Logging.JSON, "logJSON", false,
		"emit structured JSON log lines instead of text")
	flags.StringVar(&c.ChangeLogPath, "changeLogPath", "zero-changelog.db",
		"path to the Change Log Store's bbolt file")
	flags.StringVar(&c.ReplicaPath, "replicaPath", "zero-replica.db",
		"path to the Replica Store's bbolt file")
	flags.StringVar(&c.CVRPath, "cvrPath", "zero-cvr.db",
		"path to the CVR Store's bbolt file")
	flags.StringVar(&c.Schema, "schema", "public",
		"the upstream Postgres schema to replicate and query")
	flags.StringVar(&c.BindAddr, "bindAddr", ":28000",
		"the network address to bind the sync server to")
}

// Preflight validates every field, delegating to Replication's own
// Preflight first.
func (c *Config) Preflight() error {
	if err := c.Replication.Preflight(); err != nil {
		return err
	}
	if c.ChangeLogPath == "" {
		return errors.New("changeLogPath unset")
	}
	if c.ReplicaPath == "" {
		return errors.New("replicaPath unset")
	}
	if c.CVRPath == "" {
		return errors.New("cvrPath unset")
	}
	if c.Schema == "" {
		return errors.New("schema unset")
	}
	if c.BindAddr == "" {
		return errors.New("bindAddr unset")
	}
	return nil
}

func (c *Config) injectConfig() inject.Config {
	return inject.Config{
		Logging:       c.Logging,
		Replication:   c.Replication,
		ChangeLogPath: c.ChangeLogPath,
		ReplicaPath:   c.ReplicaPath,
		CVRPath:       c.CVRPath,
		Schema:        c.Schema,
	}
}

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("zero-cache exited")
	}
}

func run() error {
	var cfg Config
	cfg.Bind(pflag.CommandLine)
	pflag.Parse()
	if err := cfg.Preflight(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	app, cleanup, err := inject.Build(cfg.injectConfig())
	if err != nil {
		return errors.Wrap(err, "wiring application")
	}
	defer cleanup()

	ctx := stopper.WithContext(context.Background())
	app.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/sync", syncHandler(app.ViewSyncer, ctx))

	srv := &http.Server{Addr: cfg.BindAddr, Handler: mux}
	srv.RegisterOnShutdown(func() { ctx.Stop(5 * time.Second) })

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.WithField("addr", cfg.BindAddr).Info("zero-cache listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		if err != nil {
			ctx.Stop(0)
			return errors.Wrap(err, "serving http")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutting down http server")
	}
	ctx.Wait()
	return nil
}

// noopMutator stands in for the out-of-scope mutation-application
// service ("mutagen", spec §1): it accepts every mutation without
// applying it anywhere. A real deployment replaces this with an
// internal/connection.MutationApplier backed by the actual mutator.
type noopMutator struct{}

func (noopMutator) Apply(ctx context.Context, groupID, clientID string, m connection.Mutation) error {
	log.WithFields(log.Fields{"group": groupID, "client": clientID, "mutation": m.Name}).
		Warn("mutation accepted by a no-op applier; no mutagen service is wired")
	return nil
}

// syncHandler upgrades each request to a WebSocket and runs one
// Connection for its lifetime. clientGroupID/clientID are taken from
// query parameters here since authentication and session binding are
// out of scope (spec §1); a real deployment replaces this extraction
// with its own auth layer.
func syncHandler(syncer connection.Syncer, ctx *stopper.Context) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	mutator := noopMutator{}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		groupID := r.URL.Query().Get("clientGroupID")
		clientID := r.URL.Query().Get("clientID")
		if groupID == "" || clientID == "" {
			http.Error(w, "clientGroupID and clientID are required", http.StatusBadRequest)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Warn("failed to upgrade sync connection")
			return
		}

		conn := connection.New(ws, syncer, mutator, groupID, clientID)
		if err := conn.Serve(ctx); err != nil {
			log.WithError(err).WithFields(log.Fields{"group": groupID, "client": clientID}).
				Warn("sync connection closed with error")
		}
	})
}
