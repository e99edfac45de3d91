// Package delayqueue implements the durable delayed-work queue at the heart
// of stagehand.
//
// A job enters the queue with a due instant and sits in an in-memory timer
// heap until that instant arrives, at which point it is promoted to the
// ready list and a dispatcher can lease it. Every state change is written
// through to the bbolt-backed jobstore first, so pending and active jobs,
// attempt counts, and lease deadlines all survive a process restart.
//
// Job keys are deterministic per entity: enqueuing under an existing key
// supersedes the previous generation in one durable write, which is what
// makes reschedule race-free without a cancel+enqueue window.
//
// All public methods are safe for concurrent use.
package delayqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nwatkins/stagehand/internal/jobstore"
	"github.com/nwatkins/stagehand/internal/node"
	"github.com/nwatkins/stagehand/internal/types"
)

// errStale aborts a store update when the record no longer belongs to the
// generation being operated on.
var errStale = errors.New("delayqueue: stale handle")

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds the queue's retry and lease policy.
// All zero-values are valid; use DefaultConfig() for production-safe defaults.
type Config struct {
	// VisibilityTimeout is how long a dispatcher holds a lease before the
	// job automatically becomes re-leasable.
	VisibilityTimeout time.Duration

	// MaxAttempts is the number of delivery attempts before a job is marked
	// terminally failed and surfaced on the failure channel.
	MaxAttempts int

	// RetryBaseDelay is the backoff after the first failed attempt; it
	// doubles on each subsequent retry.
	RetryBaseDelay time.Duration

	// ReaperInterval is how often expired leases are swept back to pending.
	ReaperInterval time.Duration
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{
		VisibilityTimeout: 30 * time.Second,
		MaxAttempts:       3,
		RetryBaseDelay:    5 * time.Second,
		ReaperInterval:    500 * time.Millisecond,
	}
}

// ─── Public types ────────────────────────────────────────────────────────────

// Payload is the minimal data a job carries to perform the publish side
// effect later.
type Payload struct {
	EntityID string
	OwnerID  string
	Content  string
}

// Lease is a dispatcher's temporary claim on one due job.
type Lease struct {
	Job    *types.Job
	Handle types.JobHandle
}

// leaseEntry tracks an active lease in memory so the reaper can expire it
// without scanning the store.
type leaseEntry struct {
	key      string
	handle   string
	deadline int64 // UTC ms
}

// Stats is a point-in-time snapshot of queue depth.
type Stats struct {
	Pending int `json:"pending"` // waiting for due instant
	Ready   int `json:"ready"`   // due, waiting for a lease
	Active  int `json:"active"`  // leased by a dispatcher
	Failed  int `json:"failed"`  // terminal
}

// ─── Queue ───────────────────────────────────────────────────────────────────

// Queue is the delay queue. Construct with New, then call Start.
type Queue struct {
	cfg   Config
	store *jobstore.Store
	log   *slog.Logger

	mu     sync.Mutex
	h      timerHeap        // pending jobs with a future due instant
	byKey  map[string]*item // job key → live pending item (heap or ready)
	ready  []*item          // due jobs awaiting a lease, oldest first
	active map[string]*leaseEntry // handle ULID → lease

	// notify wakes the timer goroutine when a new item may be due sooner
	// than the current root. Buffered, capacity 1.
	notify chan struct{}

	// readyCh wakes a parked dispatcher when a job becomes leasable.
	readyCh chan struct{}

	// failures carries terminally failed jobs to the scheduling layer.
	failures chan *types.Job

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a Queue on top of store and rebuilds in-memory state from it:
// still-future pending jobs re-enter the timer heap, already-due jobs go
// straight to the ready list, live leases are restored, and leases that
// expired while the process was down are requeued (or marked terminal when
// out of attempts).
//
// Call Start to launch the timer and reaper goroutines, and Close when done.
func New(store *jobstore.Store, cfg Config, logger *slog.Logger) (*Queue, error) {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultConfig().VisibilityTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultConfig().RetryBaseDelay
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = DefaultConfig().ReaperInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		cfg:      cfg,
		store:    store,
		log:      logger,
		h:        make(timerHeap, 0, 64),
		byKey:    make(map[string]*item),
		active:   make(map[string]*leaseEntry),
		notify:   make(chan struct{}, 1),
		readyCh:  make(chan struct{}, 1),
		failures: make(chan *types.Job, 64),
		done:     make(chan struct{}),
	}
	heap.Init(&q.h)

	if err := q.loadFromStore(); err != nil {
		return nil, fmt.Errorf("delayqueue: load state: %w", err)
	}
	return q, nil
}

// Start launches the timer and reaper goroutines. Call exactly once.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(2)
	go q.timerLoop(ctx)
	go q.reaperLoop(ctx)
}

// Close stops the background goroutines and closes the job store.
// Safe to call multiple times.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	q.wg.Wait()
	return q.store.Close()
}

// Ready returns a channel that receives a signal whenever a job becomes
// leasable. Dispatchers park on it instead of busy-polling. Signals are
// coalesced; consumers must drain with LeaseNextDue until it returns nil.
func (q *Queue) Ready() <-chan struct{} { return q.readyCh }

// Failures returns the channel on which terminally failed jobs are
// surfaced. The queue never drops a terminal failure silently.
func (q *Queue) Failures() <-chan *types.Job { return q.failures }

// ─── Enqueue / Cancel ────────────────────────────────────────────────────────

// Enqueue durably stores a job under key due at dueAt and returns its handle.
//
// Enqueuing under a key that already has a live job supersedes the old
// generation: the old handle stops matching, so a stale Complete/Fail/Cancel
// against it becomes a no-op and the old timer entry is lazily discarded.
func (q *Queue) Enqueue(key string, dueAt time.Time, p Payload) (types.JobHandle, error) {
	handle, err := node.NewID()
	if err != nil {
		return types.JobHandle{}, fmt.Errorf("delayqueue: generate handle: %w", err)
	}

	now := types.NowMs()
	job := &types.Job{
		Key:         key,
		Handle:      handle,
		EntityID:    p.EntityID,
		OwnerID:     p.OwnerID,
		Content:     p.Content,
		DueAt:       dueAt.UTC().UnixMilli(),
		State:       types.JobPending,
		MaxAttempts: q.cfg.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Durable write first: overwrite-by-key is the supersede.
	if err := q.store.Put(job); err != nil {
		return types.JobHandle{}, fmt.Errorf("delayqueue: enqueue %s: %w", key, err)
	}

	q.mu.Lock()
	if prev, ok := q.byKey[key]; ok {
		prev.cancelled = true
		if !prev.ready && prev.heapIdx >= 0 {
			q.h.remove(prev.heapIdx)
		}
	}
	it := &item{key: key, handle: handle, dueAt: job.DueAt, heapIdx: -1}
	q.byKey[key] = it
	due := job.DueAt <= now
	if due {
		it.ready = true
		q.ready = append(q.ready, it)
	} else {
		heap.Push(&q.h, it)
	}
	q.mu.Unlock()

	if due {
		q.signal(q.readyCh)
	} else {
		q.signal(q.notify)
	}

	return types.JobHandle{Key: key, ID: handle}, nil
}

// Cancel removes the pending job identified by h. It is idempotent: a
// zero handle, an unknown key, an already-completed job, or a superseded
// generation are all no-ops. Cancelling a job that is already leased is
// best-effort — the in-flight publish may still finish; the scheduling
// layer's idempotent publish guard is the safety net.
func (q *Queue) Cancel(h types.JobHandle) error {
	if h.IsZero() {
		return nil
	}

	job, err := q.store.Get(h.Key)
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delayqueue: cancel %s: %w", h.Key, err)
	}
	if job.Handle != h.ID {
		// Superseded by a newer generation — nothing to cancel.
		return nil
	}

	if err := q.store.Delete(h.Key); err != nil {
		return fmt.Errorf("delayqueue: cancel %s: %w", h.Key, err)
	}

	q.mu.Lock()
	if it, ok := q.byKey[h.Key]; ok && it.handle == h.ID {
		it.cancelled = true
		if !it.ready && it.heapIdx >= 0 {
			q.h.remove(it.heapIdx)
		}
		delete(q.byKey, h.Key)
	}
	delete(q.active, h.ID)
	q.mu.Unlock()
	return nil
}

// ─── Lease / Complete / Fail ─────────────────────────────────────────────────

// LeaseNextDue atomically claims one due job, flipping it pending → active
// and stamping a visibility deadline. Returns (nil, nil) when no job is due.
// Two concurrent dispatchers never claim the same job.
func (q *Queue) LeaseNextDue(owner string) (*Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.ready) > 0 {
		it := q.ready[0]
		q.ready[0] = nil
		q.ready = q.ready[1:]
		if it.cancelled {
			continue
		}

		now := types.NowMs()
		deadline := now + q.cfg.VisibilityTimeout.Milliseconds()
		job, err := q.store.Update(it.key, func(j *types.Job) error {
			if j.Handle != it.handle || j.State != types.JobPending {
				return errStale
			}
			j.State = types.JobActive
			j.Attempt++
			j.LeaseOwner = owner
			j.LeaseDeadlineMs = deadline
			j.UpdatedAt = now
			return nil
		})
		if errors.Is(err, errStale) || errors.Is(err, jobstore.ErrNotFound) {
			// Superseded or cancelled between promotion and lease — skip.
			continue
		}
		if err != nil {
			// Put the item back so the job is not stranded.
			q.ready = append([]*item{it}, q.ready...)
			return nil, fmt.Errorf("delayqueue: lease %s: %w", it.key, err)
		}

		delete(q.byKey, it.key)
		q.active[it.handle] = &leaseEntry{key: it.key, handle: it.handle, deadline: deadline}
		return &Lease{Job: job.Clone(), Handle: types.JobHandle{Key: it.key, ID: it.handle}}, nil
	}
	return nil, nil
}

// Complete acknowledges successful execution of a leased job and removes it.
// Completing an unknown, superseded, or already-finished job is a no-op.
func (q *Queue) Complete(h types.JobHandle) error {
	if h.IsZero() {
		return nil
	}

	job, err := q.store.Get(h.Key)
	if errors.Is(err, jobstore.ErrNotFound) {
		q.dropLease(h.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("delayqueue: complete %s: %w", h.Key, err)
	}
	if job.Handle != h.ID || job.State != types.JobActive {
		q.dropLease(h.ID)
		return nil
	}

	if err := q.store.Delete(h.Key); err != nil {
		return fmt.Errorf("delayqueue: complete %s: %w", h.Key, err)
	}
	q.dropLease(h.ID)
	return nil
}

// Fail records a failed execution of a leased job. The job is rescheduled
// with exponential backoff, or marked terminal and emitted on the failure
// channel once MaxAttempts is exhausted. Failing an unknown or superseded
// job is a no-op.
func (q *Queue) Fail(h types.JobHandle, cause error) error {
	if h.IsZero() {
		return nil
	}
	causeMsg := "unknown error"
	if cause != nil {
		causeMsg = cause.Error()
	}

	job, err := q.store.Get(h.Key)
	if errors.Is(err, jobstore.ErrNotFound) {
		q.dropLease(h.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("delayqueue: fail %s: %w", h.Key, err)
	}
	if job.Handle != h.ID || job.State != types.JobActive {
		q.dropLease(h.ID)
		return nil
	}

	q.dropLease(h.ID)
	now := types.NowMs()

	if job.Attempt >= job.MaxAttempts {
		job.LastError = causeMsg
		job.UpdatedAt = now
		if err := q.store.MarkFailed(job); err != nil {
			return fmt.Errorf("delayqueue: mark failed %s: %w", h.Key, err)
		}
		q.log.Error("job failed terminally",
			"key", job.Key, "entity_id", job.EntityID,
			"attempts", job.Attempt, "err", causeMsg)
		q.emitFailure(job)
		return nil
	}

	// Exponential backoff: base << (attempt-1). Re-inserted with a new due
	// instant so one failing job never blocks dispatch of other ready jobs.
	backoff := q.cfg.RetryBaseDelay << (job.Attempt - 1)
	newDue := now + backoff.Milliseconds()

	updated, err := q.store.Update(h.Key, func(j *types.Job) error {
		if j.Handle != h.ID || j.State != types.JobActive {
			return errStale
		}
		j.State = types.JobPending
		j.DueAt = newDue
		j.LastError = causeMsg
		j.LeaseOwner = ""
		j.LeaseDeadlineMs = 0
		j.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errStale) || errors.Is(err, jobstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delayqueue: fail %s: %w", h.Key, err)
	}

	q.log.Warn("job failed, retrying",
		"key", job.Key, "entity_id", job.EntityID,
		"attempt", job.Attempt, "max_attempts", job.MaxAttempts,
		"backoff_ms", backoff.Milliseconds(), "err", causeMsg)

	q.mu.Lock()
	it := &item{key: updated.Key, handle: updated.Handle, dueAt: newDue, heapIdx: -1}
	q.byKey[updated.Key] = it
	heap.Push(&q.h, it)
	q.mu.Unlock()
	q.signal(q.notify)
	return nil
}

// ─── Introspection ───────────────────────────────────────────────────────────

// Stats returns a snapshot of queue depth.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending := len(q.byKey)
	var ready int
	for _, it := range q.ready {
		if it != nil && !it.cancelled {
			ready++
		}
	}
	active := len(q.active)
	q.mu.Unlock()

	failed, err := q.store.FailedCount()
	if err != nil {
		failed = 0
	}
	return Stats{Pending: pending - ready, Ready: ready, Active: active, Failed: failed}
}

// FailedJobs returns the terminal job records, for operator inspection.
func (q *Queue) FailedJobs() ([]*types.Job, error) {
	var out []*types.Job
	err := q.store.ForEachFailed(func(j *types.Job) error {
		out = append(out, j.Clone())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("delayqueue: list failed jobs: %w", err)
	}
	return out, nil
}

// ─── Recovery ────────────────────────────────────────────────────────────────

// loadFromStore rebuilds in-memory state from the jobstore on startup.
//
// bbolt does not allow opening a write transaction while a read transaction
// is open on the same goroutine, so index rewrites discovered during the scan
// are collected and applied after ForEach returns.
func (q *Queue) loadFromStore() error {
	now := types.NowMs()

	var requeue []*types.Job  // expired leases → pending, due now
	var terminal []*types.Job // expired leases out of attempts

	err := q.store.ForEach(func(j *types.Job) error {
		switch j.State {
		case types.JobPending:
			it := &item{key: j.Key, handle: j.Handle, dueAt: j.DueAt, heapIdx: -1}
			q.byKey[j.Key] = it
			if j.DueAt <= now {
				// Missed delivery window (process was down) — leasable now.
				it.ready = true
				q.ready = append(q.ready, it)
			} else {
				heap.Push(&q.h, it)
			}

		case types.JobActive:
			if j.LeaseDeadlineMs <= now {
				if j.Attempt >= j.MaxAttempts {
					terminal = append(terminal, j.Clone())
				} else {
					requeue = append(requeue, j.Clone())
				}
			} else {
				// Lease still valid (same process restarted quickly, or a
				// cooperating dispatcher): let the reaper pick it up at the
				// deadline.
				q.active[j.Handle] = &leaseEntry{key: j.Key, handle: j.Handle, deadline: j.LeaseDeadlineMs}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, j := range requeue {
		if _, err := q.store.Update(j.Key, func(live *types.Job) error {
			if live.Handle != j.Handle {
				return errStale
			}
			live.State = types.JobPending
			live.DueAt = now
			live.LeaseOwner = ""
			live.LeaseDeadlineMs = 0
			live.UpdatedAt = now
			return nil
		}); err != nil && !errors.Is(err, errStale) && !errors.Is(err, jobstore.ErrNotFound) {
			return err
		}
		it := &item{key: j.Key, handle: j.Handle, dueAt: now, heapIdx: -1, ready: true}
		q.byKey[j.Key] = it
		q.ready = append(q.ready, it)
	}

	for _, j := range terminal {
		j.LastError = "lease expired with attempts exhausted"
		j.UpdatedAt = now
		if err := q.store.MarkFailed(j); err != nil {
			return err
		}
		// Buffered channel: recovery emits before any consumer attaches.
		select {
		case q.failures <- j:
		default:
			q.log.Error("failure channel full during recovery", "key", j.Key)
		}
	}

	if len(q.ready) > 0 {
		q.signal(q.readyCh)
	}
	return nil
}

// ─── Background goroutines ───────────────────────────────────────────────────

// timerLoop sleeps until the soonest-due pending job, promotes it to the
// ready list, and signals a dispatcher. It parks when the heap is empty.
func (q *Queue) timerLoop(ctx context.Context) {
	defer q.wg.Done()

	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		q.mu.Lock()
		next := q.peekLive()
		q.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.done:
				return
			case <-q.notify:
				// A job was enqueued; re-evaluate.
			}
			continue
		}

		delay := time.Until(time.UnixMilli(next.dueAt))
		if delay <= 0 {
			q.promoteDue()
			continue
		}

		if t == nil {
			t = time.NewTimer(delay)
		} else {
			t.Reset(delay)
		}

		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-q.done:
			t.Stop()
			return
		case <-q.notify:
			// A new job may be due sooner — re-evaluate from the top.
			t.Stop()
			select {
			case <-t.C:
			default:
			}
			t = nil
		case <-t.C:
			t = nil
			q.promoteDue()
		}
	}
}

// peekLive returns the heap root skipping lazily-cancelled items, or nil.
// MUST be called with q.mu held.
func (q *Queue) peekLive() *item {
	for q.h.Len() > 0 {
		root := q.h[0]
		if root.cancelled {
			heap.Pop(&q.h)
			continue
		}
		return root
	}
	return nil
}

// promoteDue moves the heap root (and anything else already due) to the
// ready list and wakes a dispatcher.
func (q *Queue) promoteDue() {
	now := types.NowMs()
	var promoted bool

	q.mu.Lock()
	for {
		root := q.peekLive()
		if root == nil || root.dueAt > now {
			break
		}
		heap.Pop(&q.h)
		root.ready = true
		q.ready = append(q.ready, root)
		promoted = true
	}
	q.mu.Unlock()

	if promoted {
		q.signal(q.readyCh)
	}
}

// reaperLoop expires leases whose visibility deadline has passed, making the
// jobs re-leasable so a crashed dispatcher never strands work.
func (q *Queue) reaperLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-ticker.C:
			q.reapExpiredLeases()
		}
	}
}

func (q *Queue) reapExpiredLeases() {
	now := types.NowMs()

	q.mu.Lock()
	var expired []*leaseEntry
	for handle, e := range q.active {
		if e.deadline <= now {
			expired = append(expired, e)
			delete(q.active, handle)
		}
	}
	q.mu.Unlock()

	for _, e := range expired {
		q.requeueExpired(e, now)
	}
}

// requeueExpired returns an expired lease's job to pending (due now), or
// marks it terminal when it is out of attempts.
func (q *Queue) requeueExpired(e *leaseEntry, now int64) {
	job, err := q.store.Get(e.key)
	if err != nil || job.Handle != e.handle || job.State != types.JobActive {
		// Completed, cancelled, or superseded while we were looking.
		return
	}

	if job.Attempt >= job.MaxAttempts {
		job.LastError = "visibility timeout expired with attempts exhausted"
		job.UpdatedAt = now
		if err := q.store.MarkFailed(job); err != nil {
			q.log.Error("reaper: mark failed", "key", e.key, "err", err)
			return
		}
		q.log.Error("job failed terminally after lease expiry",
			"key", job.Key, "entity_id", job.EntityID, "attempts", job.Attempt)
		q.emitFailure(job)
		return
	}

	updated, err := q.store.Update(e.key, func(j *types.Job) error {
		if j.Handle != e.handle || j.State != types.JobActive {
			return errStale
		}
		j.State = types.JobPending
		j.DueAt = now
		j.LeaseOwner = ""
		j.LeaseDeadlineMs = 0
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		if !errors.Is(err, errStale) && !errors.Is(err, jobstore.ErrNotFound) {
			q.log.Error("reaper: requeue", "key", e.key, "err", err)
		}
		return
	}

	q.log.Warn("lease expired, requeueing job",
		"key", updated.Key, "entity_id", updated.EntityID, "attempt", updated.Attempt)

	q.mu.Lock()
	it := &item{key: updated.Key, handle: updated.Handle, dueAt: now, heapIdx: -1, ready: true}
	q.byKey[updated.Key] = it
	q.ready = append(q.ready, it)
	q.mu.Unlock()
	q.signal(q.readyCh)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// signal performs a non-blocking send on a capacity-1 channel.
func (q *Queue) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// dropLease removes in-memory lease tracking for a handle.
func (q *Queue) dropLease(handle string) {
	q.mu.Lock()
	delete(q.active, handle)
	q.mu.Unlock()
}

// emitFailure delivers a terminal job to the failure channel. Blocking send:
// terminal failures must reach the operator-visible channel, not vanish.
func (q *Queue) emitFailure(job *types.Job) {
	select {
	case q.failures <- job:
	case <-q.done:
	}
}
