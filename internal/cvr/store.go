package cvr

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"zero-sync/internal/watermark"
)

var (
	bucketGroups = []byte("cvr")
	keyCVR       = []byte("cvr")
)

// Store is a bbolt-backed CVR store, one nested bucket per
// clientGroupID, following the key layout /vs/cvr/{group}/... Each
// group's CVR is persisted whole, the same single-document-per-key
// pattern internal/replica uses for table schemas: a CVR's write
// volume (one reconciliation per upstream commit) is far lower than
// the change log's, so a flat JSON blob per group needs no further
// sub-bucketing.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the CVR store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "opening CVR store")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketGroups)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing CVR buckets")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the CVR for groupID, creating a fresh empty one if
// none is yet persisted (spec §4.G load(id)).
func (s *Store) Load(groupID string) (*CVR, error) {
	cvr := newCVR(groupID)
	err := s.db.View(func(tx *bolt.Tx) error {
		groups := tx.Bucket(bucketGroups)
		group := groups.Bucket([]byte(groupID))
		if group == nil {
			return nil
		}
		data := group.Get(keyCVR)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, cvr)
	})
	if err != nil {
		return nil, err
	}
	return cvr, nil
}

func (s *Store) save(cvr *CVR) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		groups := tx.Bucket(bucketGroups)
		group, err := groups.CreateBucketIfNotExists([]byte(cvr.ID))
		if err != nil {
			return err
		}
		data, err := json.Marshal(cvr)
		if err != nil {
			return errors.Wrap(err, "marshaling CVR")
		}
		return group.Put(keyCVR, data)
	})
}

// PutDesiredQueries applies a changeDesiredQueries patch for clientID
// (spec §4.G putDesiredQueries). It is transactional: either the
// whole patch applies or none of it does.
func (s *Store) PutDesiredQueries(groupID, clientID string, at Version, patch []DesiredQueryPatch) error {
	cvr, err := s.Load(groupID)
	if err != nil {
		return err
	}
	for _, p := range patch {
		switch p.Op {
		case OpPut:
			rec, ok := cvr.Queries[p.Hash]
			if !ok {
				rec = QueryRecord{Hash: p.Hash, AST: p.AST, DesiredBy: make(map[string]Version)}
			}
			rec.AST = p.AST
			rec.DesiredBy[clientID] = at
			cvr.Queries[p.Hash] = rec
		case OpDel:
			rec, ok := cvr.Queries[p.Hash]
			if !ok {
				continue
			}
			delete(rec.DesiredBy, clientID)
			if len(rec.DesiredBy) == 0 {
				delete(cvr.Queries, p.Hash)
			} else {
				cvr.Queries[p.Hash] = rec
			}
		}
	}
	if cvr.Version.Less(at) {
		cvr.Version = at
	}
	return s.save(cvr)
}

// ReconcileRows computes and persists the row patch set for a
// reconciliation pass (spec §4.G reconcileRows), returning the
// patches to emit downstream. Calling it twice in a row with an
// unchanged results snapshot returns no patches the second time,
// since the stored RowRecords already match.
func (s *Store) ReconcileRows(groupID string, results []QueryResult) ([]RowPatch, error) {
	cvr, err := s.Load(groupID)
	if err != nil {
		return nil, err
	}
	patches, next := reconcileRows(cvr.RowRecords, results)
	cvr.RowRecords = next
	if err := s.save(cvr); err != nil {
		return nil, err
	}
	return patches, nil
}

// AdvanceVersion sets the CVR's stateVersion to toStateVersion and
// clears any minorVersion increments now reflected in it (spec §4.G
// advanceVersion).
func (s *Store) AdvanceVersion(groupID string, toStateVersion watermark.Version) error {
	cvr, err := s.Load(groupID)
	if err != nil {
		return err
	}
	cvr.Version = Version{StateVersion: toStateVersion, MinorVersion: 0}
	return s.save(cvr)
}
