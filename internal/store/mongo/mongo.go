// Package mongo is the MongoDB implementation of store.EntityStore, for
// deployments that already run a document database and want entity records
// outside the node's data directory.
//
// The collection carries a unique _id index plus secondary indexes on
// (owner_id, status) and (owner_id, due_at) so owner scans stay efficient.
// Optimistic concurrency uses a filtered UpdateOne on (_id, version) —
// MongoDB guarantees single-document atomicity, which is all Update needs.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/nwatkins/stagehand/internal/store"
	"github.com/nwatkins/stagehand/internal/types"
)

const collectionName = "entities"

// Config holds connection settings for the MongoDB store.
type Config struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration // 0 = 10s
}

// Store is a MongoDB-backed store.EntityStore.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// Ensure Store satisfies the interface at compile time.
var _ store.EntityStore = (*Store)(nil)

// Open connects to MongoDB, pings it, and ensures the indexes exist.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client, err := mongo.Connect(
		options.Client().
			ApplyURI(cfg.URI).
			SetConnectTimeout(timeout).
			SetRetryWrites(true).
			SetRetryReads(true),
	)
	if err != nil {
		return nil, fmt.Errorf("mongo store: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo store: ping: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(collectionName)

	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "due_at", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo store: create indexes: %w", err)
	}

	return &Store{client: client, coll: coll}, nil
}

// Create inserts a new entity record.
func (s *Store) Create(ctx context.Context, e *types.Entity) error {
	_, err := s.coll.InsertOne(ctx, e)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", store.ErrAlreadyExists, e.ID)
		}
		return fmt.Errorf("mongo store: insert %s: %w", e.ID, err)
	}
	return nil
}

// FindByID retrieves one entity. Returns store.ErrNotFound if absent.
func (s *Store) FindByID(ctx context.Context, id string) (*types.Entity, error) {
	var e types.Entity
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&e)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
		}
		return nil, fmt.Errorf("mongo store: find %s: %w", id, err)
	}
	return &e, nil
}

// FindByOwner returns the owner's entities matching f, newest first.
func (s *Store) FindByOwner(ctx context.Context, ownerID string, f store.Filter) ([]*types.Entity, error) {
	filter := bson.M{"owner_id": ownerID}
	if f.Status != "" {
		filter["status"] = f.Status
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if f.Limit > 0 {
		opts = opts.SetLimit(int64(f.Limit))
	}

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo store: find by owner %s: %w", ownerID, err)
	}
	defer cur.Close(ctx)

	var out []*types.Entity
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongo store: decode results: %w", err)
	}
	return out, nil
}

// Update rewrites the entity iff the stored version matches e.Version,
// then bumps both.
func (s *Store) Update(ctx context.Context, e *types.Entity) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": e.ID, "version": e.Version},
		bson.M{
			"$set": bson.M{
				"owner_id":     e.OwnerID,
				"payload":      e.Payload,
				"status":       e.Status,
				"due_at":       e.DueAt,
				"published_at": e.PublishedAt,
				"job_ref":      e.JobRef,
				"created_at":   e.CreatedAt,
				"updated_at":   e.UpdatedAt,
			},
			"$inc": bson.M{"version": 1},
		},
	)
	if err != nil {
		return fmt.Errorf("mongo store: update %s: %w", e.ID, err)
	}
	if res.MatchedCount == 0 {
		// Distinguish a stale version from a missing record.
		if _, ferr := s.FindByID(ctx, e.ID); ferr != nil {
			return ferr
		}
		return fmt.Errorf("%w: %s (version %d)", store.ErrVersionConflict, e.ID, e.Version)
	}
	e.Version++
	return nil
}

// Delete removes the entity. Returns store.ErrNotFound if absent.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongo store: delete %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
