// Package jobstore persists delay-queue jobs in a bbolt database.
//
// bbolt is chosen for the same reasons it backs the rest of the data dir:
// pure Go, ACID, single file, battle-tested under etcd. Every state change
// (enqueue, lease, retry, terminal failure) is one transaction, so the full
// queue state — pending and active jobs, attempt counts, lease deadlines —
// survives a process crash and can be rebuilt on open.
//
// Layout:
//
//	bucket "jobs"   — live jobs keyed by job key (pending + active)
//	bucket "failed" — terminal jobs keyed by "<job key>/<handle>", kept for
//	                  operator inspection; never re-leased
package jobstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/nwatkins/stagehand/internal/types"
)

// ErrNotFound is returned when no live job exists under a key.
var ErrNotFound = errors.New("jobstore: not found")

var (
	bucketJobs   = []byte("jobs")
	bucketFailed = []byte("failed")
)

// Store is a bbolt-backed durable job store. All methods are safe for
// concurrent use; single-key read-modify-write cycles go through Update so
// they are atomic with respect to each other.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the job store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("jobstore: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketJobs, bucketFailed} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("jobstore: init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Put upserts the live job record under job.Key.
func (s *Store) Put(job *types.Job) error {
	val, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobstore: marshal %s: %w", job.Key, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).Put([]byte(job.Key), val)
	})
}

// Get retrieves the live job under key. Returns ErrNotFound if absent.
func (s *Store) Get(key string) (*types.Job, error) {
	var job *types.Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketJobs).Get([]byte(key))
		if val == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		j := new(types.Job)
		if err := json.Unmarshal(val, j); err != nil {
			return fmt.Errorf("jobstore: unmarshal %s: %w", key, err)
		}
		job = j
		return nil
	})
	return job, err
}

// Update atomically reads, mutates, and rewrites the live job under key in a
// single transaction. fn receives the current record and may mutate it in
// place; returning an error aborts the write. Returns ErrNotFound when no
// live job exists under key.
func (s *Store) Update(key string, fn func(*types.Job) error) (*types.Job, error) {
	var job *types.Job
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		val := b.Get([]byte(key))
		if val == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		j := new(types.Job)
		if err := json.Unmarshal(val, j); err != nil {
			return fmt.Errorf("jobstore: unmarshal %s: %w", key, err)
		}
		if err := fn(j); err != nil {
			return err
		}
		out, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("jobstore: marshal %s: %w", key, err)
		}
		if err := b.Put([]byte(key), out); err != nil {
			return err
		}
		job = j
		return nil
	})
	return job, err
}

// Delete removes the live job under key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(key))
	})
}

// ForEach iterates over every live job in an unspecified order. Iteration
// stops if fn returns a non-nil error. Used to rebuild in-memory queue state
// on startup.
func (s *Store) ForEach(fn func(*types.Job) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			j := new(types.Job)
			if err := json.Unmarshal(v, j); err != nil {
				return fmt.Errorf("jobstore: unmarshal: %w", err)
			}
			return fn(j)
		})
	})
}

// MarkFailed moves a live job into the failed bucket in one transaction.
// The live record is removed only when it still belongs to the same enqueue
// generation, so a supersede that raced in is left untouched. The failed
// record is keyed by "<job key>/<handle>" so that a later generation of the
// same entity can fail independently without clobbering the earlier record.
func (s *Store) MarkFailed(job *types.Job) error {
	job.State = types.JobFailedTerminal
	val, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobstore: marshal failed %s: %w", job.Key, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if cur := b.Get([]byte(job.Key)); cur != nil {
			live := new(types.Job)
			if err := json.Unmarshal(cur, live); err == nil && live.Handle == job.Handle {
				if err := b.Delete([]byte(job.Key)); err != nil {
					return err
				}
			}
		}
		return tx.Bucket(bucketFailed).Put([]byte(job.Key+"/"+job.Handle), val)
	})
}

// ForEachFailed iterates over every terminal job record.
func (s *Store) ForEachFailed(fn func(*types.Job) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFailed).ForEach(func(_, v []byte) error {
			j := new(types.Job)
			if err := json.Unmarshal(v, j); err != nil {
				return fmt.Errorf("jobstore: unmarshal failed record: %w", err)
			}
			return fn(j)
		})
	})
}

// FailedCount returns the number of terminal job records.
func (s *Store) FailedCount() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketFailed).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}
