// Package bolt is the embedded, single-node implementation of
// store.EntityStore, backed by bbolt.
//
// Layout:
//
//	bucket "entities"  — entity ID → JSON record
//	bucket "owner_idx" — "<owner>\x00<id>" → entity ID, for owner scans
//
// The owner index is maintained on create/delete only; OwnerID is immutable
// for the lifetime of an entity.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/nwatkins/stagehand/internal/store"
	"github.com/nwatkins/stagehand/internal/types"
)

var (
	bucketEntities = []byte("entities")
	bucketOwnerIdx = []byte("owner_idx")
)

// Store is a bbolt-backed store.EntityStore.
type Store struct {
	db *bbolt.DB
}

// Ensure Store satisfies the interface at compile time.
var _ store.EntityStore = (*Store)(nil)

// Open opens (or creates) the entity store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("bolt store: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntities, bucketOwnerIdx} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt store: init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// ownerKey builds the owner index key. The NUL separator cannot appear in
// ULIDs, so prefix scans never bleed across owners.
func ownerKey(ownerID, id string) []byte {
	return []byte(ownerID + "\x00" + id)
}

// Create inserts a new entity record.
func (s *Store) Create(_ context.Context, e *types.Entity) error {
	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("bolt store: marshal %s: %w", e.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		if b.Get([]byte(e.ID)) != nil {
			return fmt.Errorf("%w: %s", store.ErrAlreadyExists, e.ID)
		}
		if err := b.Put([]byte(e.ID), val); err != nil {
			return err
		}
		return tx.Bucket(bucketOwnerIdx).Put(ownerKey(e.OwnerID, e.ID), []byte(e.ID))
	})
}

// FindByID retrieves one entity. Returns store.ErrNotFound if absent.
func (s *Store) FindByID(_ context.Context, id string) (*types.Entity, error) {
	var e *types.Entity
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketEntities).Get([]byte(id))
		if val == nil {
			return fmt.Errorf("%w: %s", store.ErrNotFound, id)
		}
		ent := new(types.Entity)
		if err := json.Unmarshal(val, ent); err != nil {
			return fmt.Errorf("bolt store: unmarshal %s: %w", id, err)
		}
		e = ent
		return nil
	})
	return e, err
}

// FindByOwner returns the owner's entities matching f, newest ID first.
func (s *Store) FindByOwner(_ context.Context, ownerID string, f store.Filter) ([]*types.Entity, error) {
	var out []*types.Entity
	prefix := []byte(ownerID + "\x00")

	err := s.db.View(func(tx *bbolt.Tx) error {
		entities := tx.Bucket(bucketEntities)
		c := tx.Bucket(bucketOwnerIdx).Cursor()
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			val := entities.Get(id)
			if val == nil {
				continue
			}
			ent := new(types.Entity)
			if err := json.Unmarshal(val, ent); err != nil {
				return fmt.Errorf("bolt store: unmarshal %s: %w", id, err)
			}
			if f.Status != "" && ent.Status != f.Status {
				continue
			}
			out = append(out, ent)
			if f.Limit > 0 && len(out) >= f.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update rewrites the entity record iff the stored version matches
// e.Version, then bumps both. One bbolt transaction, so the
// compare-and-swap is atomic.
func (s *Store) Update(_ context.Context, e *types.Entity) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		cur := b.Get([]byte(e.ID))
		if cur == nil {
			return fmt.Errorf("%w: %s", store.ErrNotFound, e.ID)
		}
		stored := new(types.Entity)
		if err := json.Unmarshal(cur, stored); err != nil {
			return fmt.Errorf("bolt store: unmarshal %s: %w", e.ID, err)
		}
		if stored.Version != e.Version {
			return fmt.Errorf("%w: %s (have %d, want %d)",
				store.ErrVersionConflict, e.ID, stored.Version, e.Version)
		}
		next := e.Clone()
		next.Version++
		val, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("bolt store: marshal %s: %w", e.ID, err)
		}
		return b.Put([]byte(e.ID), val)
	})
	if err != nil {
		return err
	}
	e.Version++
	return nil
}

// Delete removes the entity and its owner-index entry.
// Returns store.ErrNotFound if absent.
func (s *Store) Delete(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		cur := b.Get([]byte(id))
		if cur == nil {
			return fmt.Errorf("%w: %s", store.ErrNotFound, id)
		}
		ent := new(types.Entity)
		if err := json.Unmarshal(cur, ent); err != nil {
			return fmt.Errorf("bolt store: unmarshal %s: %w", id, err)
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketOwnerIdx).Delete(ownerKey(ent.OwnerID, id))
	})
}

// Close closes the underlying bbolt database.
func (s *Store) Close(_ context.Context) error {
	return s.db.Close()
}
