// Package scheduling is the orchestration layer that ties entity lifecycle
// to delay-queue operations.
//
// The service exclusively owns the write path to an entity's status, due_at,
// and job_ref fields; the dispatcher reaches entity state only through
// Publish, which owns the single transition into published. Mutations on the
// same entity are serialized by a striped key lock, so the
// at-most-one-job-per-entity invariant holds under concurrent requests.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nwatkins/stagehand/internal/delayqueue"
	"github.com/nwatkins/stagehand/internal/metrics"
	"github.com/nwatkins/stagehand/internal/node"
	"github.com/nwatkins/stagehand/internal/store"
	"github.com/nwatkins/stagehand/internal/timeutil"
	"github.com/nwatkins/stagehand/internal/types"
)

// SideEffect is the injected platform-specific publish action. It must be
// safe to call with an already-published entity; the service guards this,
// but defensive idempotence in the action itself is recommended.
type SideEffect func(ctx context.Context, e *types.Entity) error

// Config tunes validation bounds.
type Config struct {
	// MaxPayloadBytes caps entity payload size.
	MaxPayloadBytes int
	// MaxScheduleAhead caps how far in the future a due date may be.
	// 0 = no cap.
	MaxScheduleAhead time.Duration
}

// DefaultConfig returns production-safe bounds.
func DefaultConfig() Config {
	return Config{
		MaxPayloadBytes:  256 << 10,
		MaxScheduleAhead: 90 * 24 * time.Hour,
	}
}

// Option is a functional option for the Service.
type Option func(*Service)

// WithMetrics attaches a metrics.Registry so lifecycle transitions increment
// the relevant counters.
func WithMetrics(reg *metrics.Registry) Option {
	return func(s *Service) { s.metrics = reg }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// Service implements the scheduling operations over an entity store, a delay
// queue, and an injected publish side effect.
type Service struct {
	entities store.EntityStore
	queue    *delayqueue.Queue
	effect   SideEffect
	cfg      Config
	locks    keyLock
	log      *slog.Logger
	metrics  *metrics.Registry
}

// New creates a Service. effect may be nil, in which case publishing only
// records the transition (useful in tests).
func New(entities store.EntityStore, queue *delayqueue.Queue, effect SideEffect, cfg Config, opts ...Option) *Service {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultConfig().MaxPayloadBytes
	}
	s := &Service{
		entities: entities,
		queue:    queue,
		effect:   effect,
		cfg:      cfg,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ─── Requests ────────────────────────────────────────────────────────────────

// UpdateRequest carries the changes for UpdateEntity. Nil fields are left
// untouched. Setting DueAt reschedules; ClearDueAt converts back to draft.
type UpdateRequest struct {
	Payload *string
	// DueAt accepts anything timeutil.Normalize does: time.Time, unix ms,
	// or an ISO-8601 string. Nil means "no change".
	DueAt any
	// ClearDueAt removes scheduling. Mutually exclusive with DueAt.
	ClearDueAt bool
}

// ─── Operations ──────────────────────────────────────────────────────────────

// CreateEntity persists a new entity owned by ownerID. A nil dueAt creates a
// draft; otherwise the timestamp is normalized and futurity-checked before
// anything is persisted, a job is enqueued, and the entity comes back
// scheduled. Entity creation and job creation are one atomic unit from the
// caller's point of view: if enqueue fails the just-created record is rolled
// back and ErrSchedulingFailed is returned.
func (s *Service) CreateEntity(ctx context.Context, ownerID, payload string, dueAt any) (*types.Entity, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id required", types.ErrBadInput)
	}
	if err := s.checkPayload(payload); err != nil {
		return nil, err
	}

	var due time.Time
	scheduled := dueAt != nil
	if scheduled {
		var err error
		due, err = s.resolveDue(dueAt)
		if err != nil {
			return nil, err
		}
	}

	id, err := node.NewID()
	if err != nil {
		return nil, fmt.Errorf("scheduling: generate entity id: %w", err)
	}

	now := types.NowMs()
	e := &types.Entity{
		ID:        id,
		OwnerID:   ownerID,
		Payload:   payload,
		Status:    types.StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if scheduled {
		e.Status = types.StatusScheduled
		e.DueAt = due.UnixMilli()
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	// Persist first, then enqueue; roll back on enqueue failure.
	if err := s.entities.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("scheduling: create entity: %w", err)
	}

	if scheduled {
		handle, err := s.enqueueFor(e, due)
		if err != nil {
			if delErr := s.entities.Delete(ctx, id); delErr != nil {
				s.log.Error("rollback delete failed", "entity_id", id, "err", delErr)
			}
			return nil, err
		}
		e.JobRef = handle.ID
		e.UpdatedAt = types.NowMs()
		if err := s.entities.Update(ctx, e); err != nil {
			_ = s.queue.Cancel(handle)
			if delErr := s.entities.Delete(ctx, id); delErr != nil {
				s.log.Error("rollback delete failed", "entity_id", id, "err", delErr)
			}
			return nil, fmt.Errorf("%w: stamp job ref: %v", types.ErrSchedulingFailed, err)
		}
		s.count(func(r *metrics.Registry) { r.Scheduled.Inc(ownerID) })
		s.log.Info("entity scheduled",
			"entity_id", id, "owner_id", ownerID,
			"due_at", timeutil.FormatInstant(due))
	} else {
		s.log.Info("entity created", "entity_id", id, "owner_id", ownerID)
	}

	s.count(func(r *metrics.Registry) { r.Created.Inc(ownerID) })
	return e.Clone(), nil
}

// GetEntity returns the entity iff it exists and is owned by ownerID.
func (s *Service) GetEntity(ctx context.Context, id, ownerID string) (*types.Entity, error) {
	return s.findOwned(ctx, id, ownerID)
}

// ListEntities returns the owner's entities, optionally filtered by status.
func (s *Service) ListEntities(ctx context.Context, ownerID string, f store.Filter) ([]*types.Entity, error) {
	out, err := s.entities.FindByOwner(ctx, ownerID, f)
	if err != nil {
		return nil, fmt.Errorf("scheduling: list entities: %w", err)
	}
	return out, nil
}

// UpdateEntity applies req to the entity. Fails ErrNotFound when the entity
// is absent or owned by someone else, ErrConflict when it is published.
//
// If the entity was scheduled, its existing job is cancelled unconditionally
// before changes are applied — the cancel happens-before the new enqueue, so
// a stale job can never fire after a reschedule is acknowledged. When the
// update results in a scheduled entity (new or retained due date) exactly one
// new job is enqueued and its handle stamped.
func (s *Service) UpdateEntity(ctx context.Context, id, ownerID string, req UpdateRequest) (*types.Entity, error) {
	if req.DueAt != nil && req.ClearDueAt {
		return nil, fmt.Errorf("%w: due_at and clear_due_at are mutually exclusive", types.ErrBadInput)
	}
	if req.Payload != nil {
		if err := s.checkPayload(*req.Payload); err != nil {
			return nil, err
		}
	}

	// Normalize before touching any state.
	var newDue time.Time
	if req.DueAt != nil {
		var err error
		newDue, err = s.resolveDue(req.DueAt)
		if err != nil {
			return nil, err
		}
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	e, err := s.findOwned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if e.Status == types.StatusPublished {
		return nil, fmt.Errorf("%w: %s", types.ErrConflict, id)
	}

	wasScheduled := e.Status == types.StatusScheduled
	if wasScheduled {
		// Best-effort cancel; failure must not block the user's mutation.
		if err := s.queue.Cancel(types.JobHandle{Key: types.JobKeyFor(id), ID: e.JobRef}); err != nil {
			s.log.Warn("cancel old job failed", "entity_id", id, "err", err)
		}
		e.JobRef = ""
	}

	if req.Payload != nil {
		e.Payload = *req.Payload
	}

	switch {
	case req.DueAt != nil:
		e.Status = types.StatusScheduled
		e.DueAt = newDue.UnixMilli()

	case req.ClearDueAt && wasScheduled:
		e.Status = types.StatusDraft
		e.DueAt = 0

	case wasScheduled:
		// Payload-only update on a scheduled entity: due date is retained and
		// a fresh job generation carries the new content snapshot.
		newDue = time.UnixMilli(e.DueAt)

	case req.ClearDueAt:
		// Clearing a draft/failed entity is a no-op on scheduling state.
		e.DueAt = 0
		e.Status = types.StatusDraft
	}

	if e.Status == types.StatusScheduled {
		handle, err := s.enqueueFor(e, newDue)
		if err != nil {
			// The old job is already cancelled; leave the entity unscheduled
			// rather than scheduled-with-dead-job.
			e.Status = types.StatusDraft
			e.DueAt = 0
			e.JobRef = ""
			e.UpdatedAt = types.NowMs()
			if upErr := s.entities.Update(ctx, e); upErr != nil {
				s.log.Error("demote to draft failed", "entity_id", id, "err", upErr)
			}
			return nil, err
		}
		e.JobRef = handle.ID
	}

	e.UpdatedAt = types.NowMs()
	if err := s.entities.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("scheduling: update entity %s: %w", id, err)
	}

	s.log.Info("entity updated",
		"entity_id", id, "owner_id", ownerID, "status", e.Status)
	return e.Clone(), nil
}

// DeleteEntity cancels any pending job (best-effort) and deletes the record.
func (s *Service) DeleteEntity(ctx context.Context, id, ownerID string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	e, err := s.findOwned(ctx, id, ownerID)
	if err != nil {
		return err
	}

	if e.JobRef != "" {
		// Cancellation failure is logged and non-fatal: the user asked for
		// the entity to go away; a stray job no-ops at publish time because
		// the record is gone.
		if err := s.queue.Cancel(types.JobHandle{Key: types.JobKeyFor(id), ID: e.JobRef}); err != nil {
			s.log.Warn("cancel job on delete failed", "entity_id", id, "err", err)
		}
	}

	if err := s.entities.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", types.ErrNotFound, id)
		}
		return fmt.Errorf("scheduling: delete entity %s: %w", id, err)
	}

	s.count(func(r *metrics.Registry) { r.Cancelled.Inc(ownerID) })
	s.log.Info("entity deleted", "entity_id", id, "owner_id", ownerID)
	return nil
}

// Publish performs the external side effect for an entity and records the
// transition into published.
//
// Already-published entities are a no-op success — this is the idempotence
// guard that makes redelivered leases harmless. The side effect deliberately
// runs before the status commit: a crash between the two is retried by the
// dispatcher and caught by this guard, so at most one publish is ever
// recorded even though the external effect can fire twice under crash.
func (s *Service) Publish(ctx context.Context, entityID string) error {
	unlock := s.locks.Lock(entityID)
	defer unlock()

	e, err := s.entities.FindByID(ctx, entityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", types.ErrNotFound, entityID)
		}
		return fmt.Errorf("scheduling: publish %s: %w", entityID, err)
	}

	if e.Status == types.StatusPublished {
		return nil
	}

	if s.effect != nil {
		if err := s.effect(ctx, e); err != nil {
			return fmt.Errorf("%w: %v", types.ErrPublishFailed, err)
		}
	}

	e.Status = types.StatusPublished
	e.PublishedAt = types.NowMs()
	e.DueAt = 0
	e.JobRef = ""
	e.UpdatedAt = e.PublishedAt
	if err := s.entities.Update(ctx, e); err != nil {
		return fmt.Errorf("scheduling: record publish %s: %w", entityID, err)
	}

	s.count(func(r *metrics.Registry) { r.Published.Inc(e.OwnerID) })
	s.log.Info("entity published",
		"entity_id", entityID, "owner_id", e.OwnerID,
		"published_at", timeutil.FormatMs(e.PublishedAt))
	return nil
}

// Action adapts Publish into the dispatcher's publish-action signature.
func (s *Service) Action() func(ctx context.Context, job *types.Job) error {
	return func(ctx context.Context, job *types.Job) error {
		err := s.Publish(ctx, job.EntityID)
		if errors.Is(err, types.ErrNotFound) {
			// Entity deleted after the job fired — nothing left to publish.
			return nil
		}
		return err
	}
}

// Run consumes the delay queue's failure channel until ctx is cancelled,
// transitioning entities whose job exhausted its retries into failed so
// they never linger as scheduled-with-dead-job.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.queue.Failures():
			s.markFailed(ctx, job)
		}
	}
}

func (s *Service) markFailed(ctx context.Context, job *types.Job) {
	unlock := s.locks.Lock(job.EntityID)
	defer unlock()

	e, err := s.entities.FindByID(ctx, job.EntityID)
	if err != nil {
		// Entity already deleted; the terminal record remains inspectable.
		return
	}
	if e.Status != types.StatusScheduled || e.JobRef != job.Handle {
		// Rescheduled since this generation failed — leave it alone.
		return
	}

	e.Status = types.StatusFailed
	e.DueAt = 0
	e.JobRef = ""
	e.UpdatedAt = types.NowMs()
	if err := s.entities.Update(ctx, e); err != nil {
		s.log.Error("mark entity failed", "entity_id", e.ID, "err", err)
		return
	}

	s.count(func(r *metrics.Registry) { r.Failed.Inc(e.OwnerID) })
	s.log.Error("entity failed after exhausting retries",
		"entity_id", e.ID, "owner_id", e.OwnerID,
		"attempts", job.Attempt, "last_error", job.LastError)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (s *Service) checkPayload(payload string) error {
	if payload == "" {
		return fmt.Errorf("%w: payload required", types.ErrBadInput)
	}
	if len(payload) > s.cfg.MaxPayloadBytes {
		return fmt.Errorf("%w: payload exceeds %d bytes", types.ErrBadInput, s.cfg.MaxPayloadBytes)
	}
	return nil
}

// resolveDue normalizes input and verifies it is strictly in the future and
// within the schedule-ahead cap. Runs before any state mutation.
func (s *Service) resolveDue(input any) (time.Time, error) {
	due, err := timeutil.Normalize(input)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", types.ErrBadInput, err)
	}
	delay, err := timeutil.ComputeDelay(due)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: due date must be in the future", types.ErrBadInput)
	}
	if s.cfg.MaxScheduleAhead > 0 && delay > s.cfg.MaxScheduleAhead {
		return time.Time{}, fmt.Errorf("%w: due date exceeds maximum schedule-ahead of %s",
			types.ErrBadInput, s.cfg.MaxScheduleAhead)
	}
	return due, nil
}

func (s *Service) enqueueFor(e *types.Entity, due time.Time) (types.JobHandle, error) {
	handle, err := s.queue.Enqueue(types.JobKeyFor(e.ID), due, delayqueue.Payload{
		EntityID: e.ID,
		OwnerID:  e.OwnerID,
		Content:  e.Payload,
	})
	if err != nil {
		return types.JobHandle{}, fmt.Errorf("%w: %v", types.ErrSchedulingFailed, err)
	}
	return handle, nil
}

func (s *Service) findOwned(ctx context.Context, id, ownerID string) (*types.Entity, error) {
	e, err := s.entities.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
		}
		return nil, fmt.Errorf("scheduling: find entity %s: %w", id, err)
	}
	if e.OwnerID != ownerID {
		// Not owned by the caller — indistinguishable from absent.
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	return e, nil
}

func (s *Service) count(fn func(*metrics.Registry)) {
	if s.metrics != nil {
		fn(s.metrics)
	}
}
