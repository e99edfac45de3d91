// Package store defines the document-store abstraction for schedulable
// entity records.
//
// Design principle: the scheduling layer must ONLY interact with entity
// persistence through this interface. This makes the embedded bolt store and
// the MongoDB store interchangeable behind a config switch without touching
// any scheduling logic.
package store

import (
	"context"
	"errors"

	"github.com/nwatkins/stagehand/internal/types"
)

// ErrNotFound is returned when no entity exists under an ID.
var ErrNotFound = errors.New("store: entity not found")

// ErrAlreadyExists is returned by Create when the ID is taken.
var ErrAlreadyExists = errors.New("store: entity already exists")

// ErrVersionConflict is returned by Update when the entity was modified
// concurrently; the caller should re-read and retry.
var ErrVersionConflict = errors.New("store: version conflict")

// Filter narrows FindByOwner results.
type Filter struct {
	// Status restricts results to one lifecycle status. Empty matches all.
	Status types.EntityStatus
	// Limit caps the number of results. 0 = no cap.
	Limit int
}

// EntityStore is the single abstraction through which entity records are
// persisted and retrieved.
//
// Implementations:
//   - bolt.Store  — single-node, embedded (default)
//   - mongo.Store — external MongoDB
//
// Update is an atomic single-document compare-and-swap on Version: it fails
// with ErrVersionConflict unless the stored version matches the caller's
// copy, and bumps the version on success. All methods must be safe for
// concurrent use.
type EntityStore interface {
	Create(ctx context.Context, e *types.Entity) error
	FindByID(ctx context.Context, id string) (*types.Entity, error)
	FindByOwner(ctx context.Context, ownerID string, f Filter) ([]*types.Entity, error)
	Update(ctx context.Context, e *types.Entity) error
	Delete(ctx context.Context, id string) error
	Close(ctx context.Context) error
}
