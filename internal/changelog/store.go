// Package changelog implements the Change Log Store (spec §4.B): a
// durable, replayable, strictly-ordered append log of row changes
// keyed by watermark. It is grounded on the bbolt wrapper style in
// evalgo-org-eve's db/bolt package (open-with-timeout, bucket-scoped
// JSON put/get/scan helpers): entries live in a single bucket keyed by
// watermark, so Scan can walk them in strict lexical order using
// bbolt's native cursor.
package changelog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"zero-sync/internal/model"
	"zero-sync/internal/types"
	"zero-sync/internal/watermark"
)

var bucketEntries = []byte("entries")
var bucketMeta = []byte("meta")
var keyLatest = []byte("latest")

// Store is a bbolt-backed ChangeLogStore.
type Store struct {
	db *bolt.DB
}

var _ types.ChangeLogStore = (*Store)(nil)

// Open opens or creates the change log at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "opening change log")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing change log buckets")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append implements types.ChangeLogStore. Entries already present at
// a given watermark are left untouched, so replaying a commit the
// store has already durably recorded is a no-op rather than an error.
func (s *Store) Append(ctx context.Context, entries []model.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		meta := tx.Bucket(bucketMeta)
		var maxSeen watermark.Version
		for _, e := range entries {
			key := []byte(e.Watermark)
			if b.Get(key) != nil {
				continue // duplicate commit watermark: already durable.
			}
			data, err := json.Marshal(e)
			if err != nil {
				return errors.Wrap(err, "marshaling log entry")
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
			if watermark.Less(maxSeen, e.Watermark) {
				maxSeen = e.Watermark
			}
		}
		if maxSeen != watermark.Zero {
			current := watermark.Version(meta.Get(keyLatest))
			if watermark.Less(current, maxSeen) {
				return meta.Put(keyLatest, []byte(maxSeen))
			}
		}
		return nil
	})
}

// LatestWatermark implements types.ChangeLogStore.
func (s *Store) LatestWatermark(ctx context.Context) (watermark.Version, error) {
	var latest watermark.Version
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyLatest)
		if v != nil {
			latest = watermark.Version(v)
		}
		return nil
	})
	return latest, err
}

// Scan implements types.ChangeLogStore, returning entries in strict
// watermark order starting at from (inclusive).
func (s *Store) Scan(ctx context.Context, from watermark.Version) (types.LogEntryIterator, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, errors.Wrap(err, "beginning scan transaction")
	}
	cursor := tx.Bucket(bucketEntries).Cursor()
	return &iterator{tx: tx, cursor: cursor, from: []byte(from)}, nil
}

type iterator struct {
	tx      *bolt.Tx
	cursor  *bolt.Cursor
	from    []byte
	started bool
	cur     model.LogEntry
	err     error
}

// Next implements types.LogEntryIterator.
func (it *iterator) Next() bool {
	if it.err != nil {
		return false
	}
	var k, v []byte
	if !it.started {
		it.started = true
		k, v = it.cursor.Seek(it.from)
	} else {
		k, v = it.cursor.Next()
	}
	if k == nil {
		return false
	}
	var entry model.LogEntry
	if err := json.Unmarshal(v, &entry); err != nil {
		it.err = errors.Wrap(err, "decoding log entry")
		return false
	}
	it.cur = entry
	return true
}

// Entry implements types.LogEntryIterator.
func (it *iterator) Entry() model.LogEntry { return it.cur }

// Err implements types.LogEntryIterator.
func (it *iterator) Err() error { return it.err }

// Close implements types.LogEntryIterator.
func (it *iterator) Close() error {
	return it.tx.Rollback()
}
