// Package types contains the interfaces that define the major
// functional blocks of the sync backend, mirroring cdc-sink's own
// internal/types package: placing the cross-component contracts here
// keeps the Change Streamer, Replica Store, and View Syncer composable
// without import cycles.
package types

import (
	"context"

	"zero-sync/internal/model"
	"zero-sync/internal/util/ident"
	"zero-sync/internal/watermark"
)

// Cancellable is implemented by any async sequence returned from a
// subscribe-style call (spec §5): Cancel is idempotent and releases
// upstream resources.
type Cancellable interface {
	Cancel()
}

// ChangeSource is the Change Source contract (spec §4.A): decode
// upstream logical-replication messages into a strict, gap-free
// sequence of committed transactions.
type ChangeSource interface {
	// StartStream begins streaming committed changes at watermark >=
	// fromWatermark. The returned channel is closed when the stream
	// terminates; the close itself carries no error value.
	StartStream(ctx context.Context, fromWatermark watermark.Version) (<-chan model.LogEntry, error)

	// Ack acknowledges that all transactions up to and including ts
	// have been durably persisted downstream.
	Ack(ctx context.Context, ts watermark.Version) error
}

// ChangeLogStore is the Change Log Store contract (spec §4.B).
type ChangeLogStore interface {
	// Append persists entries atomically as a single transaction. A
	// duplicate commit watermark (already durably persisted) is
	// treated as success, not an error.
	Append(ctx context.Context, entries []model.LogEntry) error

	// Scan returns entries with watermark >= from, in strict order.
	// The returned iterator must be closed.
	Scan(ctx context.Context, from watermark.Version) (LogEntryIterator, error)

	// LatestWatermark returns the watermark of the most recently
	// appended commit, or watermark.Zero if the log is empty.
	LatestWatermark(ctx context.Context) (watermark.Version, error)
}

// LogEntryIterator walks a Scan result.
type LogEntryIterator interface {
	// Next advances the iterator. It returns false when exhausted or
	// on error; callers must check Err() afterward.
	Next() bool
	Entry() model.LogEntry
	Err() error
	Close() error
}

// Downstream is a single message delivered to a Change Streamer
// subscriber: either a batch of log entries or a terminal error.
type Downstream struct {
	Entries []model.LogEntry
	Err     error
}

// SubscribeRequest parameterizes Streamer.Subscribe (spec §4.C).
type SubscribeRequest struct {
	ID             string
	Watermark      watermark.Version
	ReplicaVersion string
	Initial        bool
}

// Streamer is the Change Streamer Service contract (spec §4.C).
type Streamer interface {
	Subscribe(ctx context.Context, req SubscribeRequest) (<-chan Downstream, Cancellable, error)
}

// ReplicaStore is the embedded row store contract (spec §4.D).
type ReplicaStore interface {
	// ApplyTransaction transactionally applies every data/DDL change
	// between a begin and commit boundary, stamping _0_version with
	// the commit watermark.
	ApplyTransaction(ctx context.Context, commitWatermark watermark.Version, changes []model.Change) error

	// Schema returns the current schema for table, or ok=false if
	// unknown.
	Schema(table ident.Table) (*model.TableSchema, bool)

	// Query returns all rows currently in table, in primary-key order.
	Query(ctx context.Context, table ident.Table) ([]model.Row, error)

	// Watch returns a channel that emits whenever table's schema
	// changes (DDL), for pipeline recompilation (spec §4.D, §9).
	Watch(table ident.Table) (<-chan *model.TableSchema, func())
}
