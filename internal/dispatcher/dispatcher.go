// Package dispatcher runs the worker loop that executes due jobs.
//
// Each worker parks until the delay queue signals a leasable job (with a
// bounded poll interval as a fallback), then drains: lease, invoke the
// publish action, acknowledge. Per-job failure is isolated — a failing job
// is handed back to the queue's retry policy and the worker moves on, so a
// slow or broken job never stalls unrelated due jobs.
//
// Because a lease can be re-issued after a visibility timeout, the publish
// action must be safe to invoke more than once for the same entity. The
// scheduling service's already-published guard provides that.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nwatkins/stagehand/internal/delayqueue"
	"github.com/nwatkins/stagehand/internal/types"
)

// PublishAction performs the side effect for one due job.
type PublishAction func(ctx context.Context, job *types.Job) error

// Config tunes the worker pool.
type Config struct {
	// Workers is the number of concurrent lease-holding goroutines.
	Workers int
	// PollInterval bounds how long a worker sleeps between lease attempts
	// when no ready signal arrives.
	PollInterval time.Duration
	// PublishTimeout bounds a single publish-action invocation.
	PublishTimeout time.Duration
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		PollInterval:   500 * time.Millisecond,
		PublishTimeout: 10 * time.Second,
	}
}

// Dispatcher consumes due jobs from a delay queue and invokes the publish
// action on each.
type Dispatcher struct {
	queue  *delayqueue.Queue
	action PublishAction
	cfg    Config
	owner  string // lease owner identity, stamped on every claim
	log    *slog.Logger

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// New creates a Dispatcher. owner identifies this process on leases.
func New(q *delayqueue.Queue, action PublishAction, owner string, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultConfig().PublishTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:  q,
		action: action,
		cfg:    cfg,
		owner:  owner,
		log:    logger,
		done:   make(chan struct{}),
	}
}

// Start launches the worker pool. Call exactly once.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

// Stop signals all workers and waits for in-flight publish actions to
// finish, so a graceful shutdown drains held leases.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	owner := fmt.Sprintf("%s/%d", d.owner, id)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d.drain(ctx, owner)

		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case <-d.queue.Ready():
		case <-ticker.C:
		}
	}
}

// drain leases and executes due jobs until none remain. The worker loop
// never terminates on a single job's failure.
func (d *Dispatcher) drain(ctx context.Context, owner string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		default:
		}

		lease, err := d.queue.LeaseNextDue(owner)
		if err != nil {
			d.log.Error("dispatcher: lease", "owner", owner, "err", err)
			return
		}
		if lease == nil {
			return
		}
		d.execute(ctx, lease)
	}
}

func (d *Dispatcher) execute(ctx context.Context, lease *delayqueue.Lease) {
	job := lease.Job
	start := time.Now()

	actCtx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	err := d.action(actCtx, job)
	cancel()

	if err != nil {
		if failErr := d.queue.Fail(lease.Handle, err); failErr != nil {
			d.log.Error("dispatcher: fail",
				"key", job.Key, "entity_id", job.EntityID, "err", failErr)
		}
		return
	}

	if ackErr := d.queue.Complete(lease.Handle); ackErr != nil {
		d.log.Error("dispatcher: complete",
			"key", job.Key, "entity_id", job.EntityID, "err", ackErr)
		return
	}

	d.log.Info("job published",
		"key", job.Key, "entity_id", job.EntityID,
		"attempt", job.Attempt, "duration_ms", time.Since(start).Milliseconds())
}
