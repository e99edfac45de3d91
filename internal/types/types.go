// Package types contains the core domain types shared across all stagehand
// internal packages. It deliberately has zero imports of other stagehand
// packages so that the store, queue, and scheduling layers can all import
// from it without creating import cycles.
package types

import "time"

// EntityStatus is the lifecycle state of a schedulable entity.
type EntityStatus string

const (
	// StatusDraft means the entity exists but has no publication scheduled.
	StatusDraft EntityStatus = "draft"
	// StatusScheduled means the entity has a future due instant and exactly
	// one pending job bound to it via JobRef.
	StatusScheduled EntityStatus = "scheduled"
	// StatusPublished means the publish side effect has completed. Published
	// entities are immutable.
	StatusPublished EntityStatus = "published"
	// StatusFailed means the job exhausted its retries. The entity keeps its
	// payload and can be rescheduled by the owner.
	StatusFailed EntityStatus = "failed"
)

// Valid reports whether s is a known entity status.
func (s EntityStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusPublished, StatusFailed:
		return true
	}
	return false
}

// Entity is a unit of content with a lifecycle independent of its job.
//
// Invariants (enforced by the scheduling service, checked in tests):
//   - DueAt is non-zero iff Status == StatusScheduled iff JobRef != "".
//   - PublishedAt is non-zero iff Status == StatusPublished, and is set
//     exactly once.
//   - DueAt, when set, was strictly in the future at the moment it was set.
//
// All timestamps are UTC milliseconds since the Unix epoch.
type Entity struct {
	// ID is a ULID uniquely identifying this entity.
	ID string `json:"id" bson:"_id"`

	// OwnerID is the actor that created the entity, supplied by the auth layer.
	OwnerID string `json:"owner_id" bson:"owner_id"`

	// Payload is the content to publish. Max size is enforced by
	// config.Queue.MaxPayloadKB.
	Payload string `json:"payload" bson:"payload"`

	Status EntityStatus `json:"status" bson:"status"`

	// DueAt is the UTC millisecond at which the entity should be published.
	// Zero unless Status == StatusScheduled.
	DueAt int64 `json:"due_at,omitempty" bson:"due_at,omitempty"`

	// PublishedAt is stamped once, on the transition into StatusPublished.
	PublishedAt int64 `json:"published_at,omitempty" bson:"published_at,omitempty"`

	// JobRef is the handle of the single pending job bound to this entity.
	// Empty unless Status == StatusScheduled.
	JobRef string `json:"job_ref,omitempty" bson:"job_ref,omitempty"`

	CreatedAt int64 `json:"created_at" bson:"created_at"`
	UpdatedAt int64 `json:"updated_at" bson:"updated_at"`

	// Version is bumped on every store update and used for optimistic
	// concurrency control at the document store.
	Version int64 `json:"version" bson:"version"`
}

// Clone returns a shallow copy of the entity.
func (e *Entity) Clone() *Entity {
	c := *e
	return &c
}

// ─── Jobs ────────────────────────────────────────────────────────────────────

// JobState is the lifecycle state of a deferred unit of work.
type JobState uint8

const (
	// JobPending means the job is waiting for its due instant (or for a free
	// dispatcher once due).
	JobPending JobState = iota
	// JobActive means a dispatcher holds a lease on the job and is executing
	// the publish action.
	JobActive
	// JobCompleted means the publish action succeeded. Completed jobs are
	// removed from the live store.
	JobCompleted
	// JobFailedTerminal means the job exhausted MaxAttempts. Terminal jobs are
	// kept for operator inspection and surfaced on the failure channel.
	JobFailedTerminal
)

// String returns a human-readable representation of the state.
func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobActive:
		return "active"
	case JobCompleted:
		return "completed"
	case JobFailedTerminal:
		return "failed_terminal"
	default:
		return "unknown"
	}
}

// Job is one deferred unit of work: publish one entity at one instant.
//
// The Key is derived 1:1 from the owning entity's ID, so re-enqueuing the
// same entity naturally supersedes any prior job under that key. The Handle
// is regenerated on every enqueue; a stale handle (from a superseded or
// cancelled generation) no longer matches and operations against it no-op.
type Job struct {
	// Key is the deterministic per-entity job key.
	Key string `json:"key"`

	// Handle identifies this particular enqueue generation (ULID).
	Handle string `json:"handle"`

	// Payload: the minimal data needed to perform the side effect.
	EntityID string `json:"entity_id"`
	OwnerID  string `json:"owner_id"`
	Content  string `json:"content"`

	// DueAt is the UTC millisecond at which the job becomes leasable.
	DueAt int64 `json:"due_at"`

	State JobState `json:"state"`

	// Attempt is the 1-based delivery attempt number, incremented on lease.
	Attempt int `json:"attempt"`

	// MaxAttempts caps delivery attempts before the job turns terminal.
	MaxAttempts int `json:"max_attempts"`

	// LeaseOwner and LeaseDeadlineMs are set while State == JobActive.
	// After LeaseDeadlineMs passes without a Complete/Fail the job becomes
	// re-leasable.
	LeaseOwner      string `json:"lease_owner,omitempty"`
	LeaseDeadlineMs int64  `json:"lease_deadline_ms,omitempty"`

	// LastError records the most recent publish failure, if any.
	LastError string `json:"last_error,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Clone returns a shallow copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	return &c
}

// Due reports whether the job is eligible for leasing at nowMs.
func (j *Job) Due(nowMs int64) bool {
	return j.DueAt <= nowMs
}

// JobHandle binds a job key to one enqueue generation. Cancel, Complete, and
// Fail take a handle so that operations against a superseded generation are
// harmless no-ops.
type JobHandle struct {
	Key string `json:"key"`
	ID  string `json:"id"`
}

// IsZero reports whether the handle is empty.
func (h JobHandle) IsZero() bool { return h.Key == "" && h.ID == "" }

// JobKeyFor returns the deterministic job key for an entity ID.
func JobKeyFor(entityID string) string { return "entity/" + entityID }

// NowMs returns the current UTC wall clock in whole milliseconds.
func NowMs() int64 { return time.Now().UnixMilli() }
