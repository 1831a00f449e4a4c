// Package replica implements the Replica Store (spec §4.D): an
// embedded, transactionally-consistent copy of every replicated
// table's current row set and schema, kept current by applying
// commits from the Change Streamer. It is grounded on the bbolt
// wrapper idioms in evalgo-org-eve's db/bolt package for the
// persistence shape, and on the teacher's schema-metadata contract
// (types.Watcher / types.SchemaData in cdc-sink) for what a "current
// schema" needs to carry.
package replica

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"zero-sync/internal/model"
	"zero-sync/internal/types"
	"zero-sync/internal/util/ident"
	"zero-sync/internal/util/notify"
	"zero-sync/internal/watermark"
)

var bucketSchema = []byte("schema")
var bucketRows = []byte("rows")

// Store is a bbolt-backed ReplicaStore. All mutation happens inside
// ApplyTransaction; Query/Schema reads are served from the in-memory
// mirror under mu. ApplyTransaction updates bbolt and the mirror
// together, but Open loads only schemas into the mirror: rows stored by
// an earlier process are not returned by Query until they are applied
// again.
type Store struct {
	db *bolt.DB

	mu      sync.RWMutex
	schemas ident.TableMap[*model.TableSchema]
	rows    ident.TableMap[map[string]model.Row] // table -> row key -> row
	order   ident.TableMap[[]string]             // table -> row keys, in primary-key order
	watches ident.TableMap[*notify.Var[*model.TableSchema]]
}

var _ types.ReplicaStore = (*Store)(nil)

// Open opens or creates the replica database at path and loads its
// durable schema metadata into memory.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "opening replica store")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSchema); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketRows)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing replica buckets")
	}
	s := &Store{db: db}
	if err := s.loadSchemas(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) loadSchemas() error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchema).ForEach(func(k, v []byte) error {
			var schema model.TableSchema
			if err := json.Unmarshal(v, &schema); err != nil {
				return errors.Wrapf(err, "decoding schema for %s", k)
			}
			s.schemas.Put(schema.Name, &schema)
			s.rows.Put(schema.Name, make(map[string]model.Row))
			s.order.Put(schema.Name, nil)
			return nil
		})
	})
}

// ApplyTransaction implements types.ReplicaStore. Every change is
// applied durably to bbolt and mirrored into the in-memory index
// inside the same call; a reader observing Query after
// ApplyTransaction returns always sees the full transaction, never a
// partial prefix of it.
func (s *Store) ApplyTransaction(ctx context.Context, commitWatermark watermark.Version, changes []model.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		for _, change := range changes {
			if err := s.applyOne(tx, commitWatermark, change); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) applyOne(tx *bolt.Tx, commitWatermark watermark.Version, change model.Change) error {
	switch change.Kind {
	case model.KindBegin, model.KindCommit:
		return nil // boundary markers only; no storage effect of their own.
	case model.KindInsert, model.KindUpdate:
		return s.applyUpsert(tx, commitWatermark, change.Row)
	case model.KindDelete:
		return s.applyDelete(tx, change.Row)
	case model.KindTruncate:
		return s.applyTruncate(tx, change.Table)
	case model.KindCreateTable:
		return s.applyCreateTable(tx, change.Schema)
	case model.KindDropTable:
		return s.applyDropTable(tx, change.Table)
	case model.KindAddColumn:
		return s.mutateSchema(tx, change.Table, func(schema *model.TableSchema) {
			schema.Columns[change.Column.Name] = change.Column
			schema.ColumnPos = append(schema.ColumnPos, change.Column.Name)
		})
	case model.KindDropColumn:
		return s.mutateSchema(tx, change.Table, func(schema *model.TableSchema) {
			delete(schema.Columns, change.Column.Name)
			for i, name := range schema.ColumnPos {
				if name == change.Column.Name {
					schema.ColumnPos = append(schema.ColumnPos[:i], schema.ColumnPos[i+1:]...)
					break
				}
			}
		})
	case model.KindUpdateColumn:
		return s.mutateSchema(tx, change.Table, func(schema *model.TableSchema) {
			schema.Columns[change.Column.Name] = change.Column
		})
	case model.KindCreateIndex:
		return s.mutateSchema(tx, change.Table, func(schema *model.TableSchema) {
			schema.Indexes = append(schema.Indexes, change.Index)
		})
	case model.KindDropIndex:
		return s.mutateSchema(tx, change.Table, func(schema *model.TableSchema) {
			for i, idx := range schema.Indexes {
				if idx.Name == change.Index.Name {
					schema.Indexes = append(schema.Indexes[:i], schema.Indexes[i+1:]...)
					break
				}
			}
		})
	default:
		return errors.Errorf("unhandled change kind %v", change.Kind)
	}
}

func (s *Store) applyUpsert(tx *bolt.Tx, commitWatermark watermark.Version, row model.Row) error {
	row.RowVersion = commitWatermark
	if row.Columns == nil {
		row.Columns = make(map[string]any)
	}
	row.Columns["_0_version"] = string(commitWatermark)
	key := row.Key()
	// A column absent from the change (an unchanged TOAST value) keeps
	// its stored value.
	if prior, ok := s.rows.GetZero(row.Table)[key]; ok {
		for name, v := range prior.Columns {
			if _, set := row.Columns[name]; !set {
				row.Columns[name] = v
			}
		}
	}

	b, err := rowsBucket(tx, row.Table)
	if err != nil {
		return err
	}
	data, err := json.Marshal(row)
	if err != nil {
		return errors.Wrap(err, "marshaling row")
	}
	if err := b.Put([]byte(key), data); err != nil {
		return err
	}

	rows := s.rows.GetZero(row.Table)
	if rows == nil {
		rows = make(map[string]model.Row)
		s.rows.Put(row.Table, rows)
	}
	if _, exists := rows[key]; !exists {
		order := s.order.GetZero(row.Table)
		i := sort.Search(len(order), func(i int) bool {
			return slices.Compare(rows[order[i]].PrimaryKey, row.PrimaryKey) >= 0
		})
		order = append(order, "")
		copy(order[i+1:], order[i:])
		order[i] = key
		s.order.Put(row.Table, order)
	}
	rows[key] = row
	return nil
}

func (s *Store) applyDelete(tx *bolt.Tx, row model.Row) error {
	b, err := rowsBucket(tx, row.Table)
	if err != nil {
		return err
	}
	key := row.Key()
	if err := b.Delete([]byte(key)); err != nil {
		return err
	}
	rows := s.rows.GetZero(row.Table)
	if rows != nil {
		delete(rows, key)
	}
	order := s.order.GetZero(row.Table)
	for i, k := range order {
		if k == key {
			s.order.Put(row.Table, append(order[:i], order[i+1:]...))
			break
		}
	}
	return nil
}

func (s *Store) applyTruncate(tx *bolt.Tx, table ident.Table) error {
	rowsRoot := tx.Bucket(bucketRows)
	if err := rowsRoot.DeleteBucket(tableBucketName(table)); err != nil && err != bolt.ErrBucketNotFound {
		return err
	}
	if _, err := rowsRoot.CreateBucketIfNotExists(tableBucketName(table)); err != nil {
		return err
	}
	s.rows.Put(table, make(map[string]model.Row))
	s.order.Put(table, nil)
	return nil
}

func (s *Store) applyCreateTable(tx *bolt.Tx, schema *model.TableSchema) error {
	if schema == nil {
		return errors.New("create-table change missing schema")
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return errors.Wrap(err, "marshaling schema")
	}
	if err := tx.Bucket(bucketSchema).Put([]byte(schema.Name.Raw()), data); err != nil {
		return err
	}
	if _, err := tx.Bucket(bucketRows).CreateBucketIfNotExists(tableBucketName(schema.Name)); err != nil {
		return err
	}
	s.schemas.Put(schema.Name, schema)
	s.rows.Put(schema.Name, make(map[string]model.Row))
	s.order.Put(schema.Name, nil)
	s.notify(schema.Name, schema)
	return nil
}

func (s *Store) applyDropTable(tx *bolt.Tx, table ident.Table) error {
	if err := tx.Bucket(bucketSchema).Delete([]byte(table.Raw())); err != nil {
		return err
	}
	if err := tx.Bucket(bucketRows).DeleteBucket(tableBucketName(table)); err != nil && err != bolt.ErrBucketNotFound {
		return err
	}
	s.schemas.Delete(table)
	s.rows.Delete(table)
	s.order.Delete(table)
	s.notify(table, nil)
	return nil
}

func (s *Store) mutateSchema(tx *bolt.Tx, table ident.Table, fn func(*model.TableSchema)) error {
	schema, ok := s.schemas.Get(table)
	if !ok {
		return errors.Errorf("unknown table %s", table)
	}
	fn(schema)
	data, err := json.Marshal(schema)
	if err != nil {
		return errors.Wrap(err, "marshaling schema")
	}
	if err := tx.Bucket(bucketSchema).Put([]byte(table.Raw()), data); err != nil {
		return err
	}
	s.notify(table, schema)
	return nil
}

func (s *Store) notify(table ident.Table, schema *model.TableSchema) {
	v, ok := s.watches.Get(table)
	if !ok {
		return
	}
	v.Set(schema)
}

func rowsBucket(tx *bolt.Tx, table ident.Table) (*bolt.Bucket, error) {
	b, err := tx.Bucket(bucketRows).CreateBucketIfNotExists(tableBucketName(table))
	if err != nil {
		return nil, errors.Wrapf(err, "opening row bucket for %s", table)
	}
	return b, nil
}

func tableBucketName(table ident.Table) []byte {
	return []byte(table.Raw())
}

// Schema implements types.ReplicaStore.
func (s *Store) Schema(table ident.Table) (*model.TableSchema, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	schema, ok := s.schemas.Get(table)
	return schema, ok
}

// Query implements types.ReplicaStore, returning a defensive copy of
// every row currently in table in primary-key order.
func (s *Store) Query(ctx context.Context, table ident.Table) ([]model.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.rows.GetZero(table)
	order := s.order.GetZero(table)
	out := make([]model.Row, 0, len(order))
	for _, key := range order {
		out = append(out, rows[key])
	}
	return out, nil
}

// Watch implements types.ReplicaStore. The returned cancel func must
// be called once the caller no longer needs updates.
func (s *Store) Watch(table ident.Table) (<-chan *model.TableSchema, func()) {
	s.mu.Lock()
	v, ok := s.watches.Get(table)
	if !ok {
		v = &notify.Var[*model.TableSchema]{}
		if schema, exists := s.schemas.Get(table); exists {
			v.Set(schema)
		}
		s.watches.Put(table, v)
	}
	s.mu.Unlock()

	ch := make(chan *model.TableSchema, 1)
	done := make(chan struct{})
	go func() {
		value, stale := v.Get()
		for {
			select {
			case ch <- value:
			case <-done:
				return
			}
			select {
			case <-stale:
				value, stale = v.Get()
			case <-done:
				return
			}
		}
	}()
	return ch, func() { close(done) }
}
