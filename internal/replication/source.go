// Package replication implements the Change Source (spec §4.A): it
// connects to an upstream Postgres primary's logical replication slot
// and decodes pgoutput messages into a strict, gap-free sequence of
// committed transactions. Grounded on the pgconn/pglogrepl connection
// shape used in the Postgres capture connector among the retrieved
// reference files (replication-mode pgconn.Config, StartReplication,
// XLogData/PrimaryKeepaliveMessage handling), and on the teacher's
// reconnect-loop ownership style in internal/source/logical.
package replication

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"zero-sync/internal/model"
	"zero-sync/internal/types"
	"zero-sync/internal/watermark"
)

// CopyData message type prefixes defined by the streaming replication
// protocol (not the logical decoding plugin itself): 'w' marks a
// WAL data chunk, 'k' a primary keepalive request.
const (
	xLogDataByteID         = 'w'
	primaryKeepaliveByteID = 'k'
)

// Source is a Postgres logical-replication Change Source.
type Source struct {
	cfg Config

	mu        sync.Mutex
	lastAcked watermark.Version
}

var _ types.ChangeSource = (*Source)(nil)

// New builds a Source from cfg, which must already have passed Preflight.
func New(cfg Config) *Source {
	return &Source{cfg: cfg}
}

// StartStream implements types.ChangeSource. The returned channel is
// fed by a background goroutine that reconnects with exponential
// backoff whenever the replication connection drops, resuming from
// the watermark of the last entry it successfully emitted.
func (s *Source) StartStream(ctx context.Context, fromWatermark watermark.Version) (<-chan model.LogEntry, error) {
	out := make(chan model.LogEntry, 256)
	go s.run(ctx, fromWatermark, out)
	return out, nil
}

func (s *Source) run(ctx context.Context, fromWatermark watermark.Version, out chan<- model.LogEntry) {
	defer close(out)
	b := newBackoff(s.cfg.InitialBackoff, s.cfg.MaxBackoff)
	resumeFrom := fromWatermark

	for {
		if ctx.Err() != nil {
			return
		}
		last, err := s.streamOnce(ctx, resumeFrom, out)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		log.WithError(err).WithField("resumeFrom", resumeFrom).
			Warn("replication connection dropped, reconnecting")
		if watermark.Less(resumeFrom, last) {
			resumeFrom = last
			// The dropped connection delivered changes, so the next
			// retry starts again from the initial delay.
			b.reset()
		}
		if waitErr := b.wait(ctx); waitErr != nil {
			return
		}
	}
}

// streamOnce holds one replication connection open until it errors or
// ctx is done, returning the watermark of the last change it emitted
// so the caller can resume from there.
func (s *Source) streamOnce(ctx context.Context, fromWatermark watermark.Version, out chan<- model.LogEntry) (watermark.Version, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return fromWatermark, err
	}
	defer conn.Close(ctx)

	startLSN, err := lsnFromWatermark(fromWatermark)
	if err != nil {
		return fromWatermark, err
	}

	err = pglogrepl.StartReplication(ctx, conn, s.cfg.SlotName, startLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '1'",
			"publication_names '" + s.cfg.Publication + "'",
		},
	})
	if err != nil {
		return fromWatermark, errors.Wrap(err, "starting logical replication")
	}

	decoder := &txDecoder{relations: newRelationCache()}
	last := fromWatermark
	statusTicker := time.NewTicker(s.cfg.StatusInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-statusTicker.C:
			if err := s.sendStatus(ctx, conn, last); err != nil {
				return last, err
			}
		default:
		}

		recvCtx, cancel := context.WithTimeout(ctx, s.cfg.StatusInterval)
		msg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			if isTimeout(err) {
				continue
			}
			return last, errors.Wrap(err, "receiving replication message")
		}

		cd, ok := msg.(*pgproto3.CopyData)
		if !ok || len(cd.Data) == 0 {
			continue
		}

		switch cd.Data[0] {
		case primaryKeepaliveByteID:
			ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(cd.Data[1:])
			if err != nil {
				return last, errors.Wrap(err, "parsing keepalive")
			}
			if ka.ReplyRequested {
				if err := s.sendStatus(ctx, conn, last); err != nil {
					return last, err
				}
			}
		case xLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(cd.Data[1:])
			if err != nil {
				return last, errors.Wrap(err, "parsing XLogData")
			}
			entries, newLast, err := decoder.decode(xld.WALData, uint64(xld.WALStart))
			if err != nil {
				return last, err
			}
			for _, entry := range entries {
				select {
				case out <- entry:
				case <-ctx.Done():
					return last, ctx.Err()
				}
			}
			if newLast != watermark.Zero {
				last = newLast
			}
		}
	}
}

func (s *Source) connect(ctx context.Context) (*pgconn.PgConn, error) {
	cfg, err := pgconn.ParseConfig(s.cfg.ConnString)
	if err != nil {
		return nil, errors.Wrap(err, "parsing upstream connection string")
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	cfg.RuntimeParams["replication"] = "database"
	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to upstream for replication")
	}
	return conn, nil
}

func (s *Source) sendStatus(ctx context.Context, conn *pgconn.PgConn, at watermark.Version) error {
	// Never confirm past what Ack has recorded as durably persisted.
	s.mu.Lock()
	if watermark.Less(s.lastAcked, at) {
		at = s.lastAcked
	}
	s.mu.Unlock()
	lsn, _, err := watermark.Parts(at)
	if err != nil {
		return err
	}
	return pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: pglogrepl.LSN(lsn),
		WALFlushPosition: pglogrepl.LSN(lsn),
		WALApplyPosition: pglogrepl.LSN(lsn),
		ClientTime:       time.Now(),
	})
}

// Ack implements types.ChangeSource: it records the watermark so the
// next status update advances the slot's confirmed position, letting
// Postgres reclaim WAL.
func (s *Source) Ack(ctx context.Context, ts watermark.Version) error {
	s.mu.Lock()
	if watermark.Less(s.lastAcked, ts) {
		s.lastAcked = ts
	}
	s.mu.Unlock()
	return nil
}

func lsnFromWatermark(v watermark.Version) (pglogrepl.LSN, error) {
	if v == watermark.Zero {
		return 0, nil
	}
	lsn, _, err := watermark.Parts(v)
	if err != nil {
		return 0, err
	}
	return pglogrepl.LSN(lsn), nil
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
