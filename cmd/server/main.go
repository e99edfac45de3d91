// Command stagehand-server is the deferred-publish scheduling server process.
// It loads configuration, initialises node identity, opens the entity and job
// stores, and starts the queue, dispatcher, and HTTP transport.
//
// Usage:
//
//	stagehand-server [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nwatkins/stagehand/internal/config"
	"github.com/nwatkins/stagehand/internal/delayqueue"
	"github.com/nwatkins/stagehand/internal/dispatcher"
	"github.com/nwatkins/stagehand/internal/jobstore"
	"github.com/nwatkins/stagehand/internal/metrics"
	"github.com/nwatkins/stagehand/internal/node"
	"github.com/nwatkins/stagehand/internal/publisher"
	"github.com/nwatkins/stagehand/internal/scheduling"
	"github.com/nwatkins/stagehand/internal/store"
	storebolt "github.com/nwatkins/stagehand/internal/store/bolt"
	storemongo "github.com/nwatkins/stagehand/internal/store/mongo"
	transphttp "github.com/nwatkins/stagehand/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "stagehand: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}

	slog.Info("stagehand starting",
		"node_id", n.ID(),
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", n.DataDir(),
		"store_driver", cfg.Store.Driver,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── 4. Open the entity store ─────────────────────────────────────────────
	entities, err := openEntityStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open entity store: %w", err)
	}
	defer func() {
		if err := entities.Close(context.Background()); err != nil {
			slog.Warn("entity store close error", "err", err)
		}
	}()

	// ── 5. Open the job store and delay queue ────────────────────────────────
	js, err := jobstore.Open(filepath.Join(cfg.Node.DataDir, "jobs.db"))
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}

	maxAhead, err := cfg.MaxScheduleAhead()
	if err != nil {
		return fmt.Errorf("invalid max_schedule_ahead: %w", err)
	}

	queue, err := delayqueue.New(js, delayqueue.Config{
		VisibilityTimeout: time.Duration(cfg.Queue.VisibilityTimeoutMs) * time.Millisecond,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		RetryBaseDelay:    time.Duration(cfg.Queue.RetryBaseDelayMs) * time.Millisecond,
		ReaperInterval:    time.Duration(cfg.Queue.ReaperIntervalMs) * time.Millisecond,
	}, logger)
	if err != nil {
		return fmt.Errorf("init delay queue: %w", err)
	}
	queue.Start(ctx)

	// ── 6. Initialise metrics registry ───────────────────────────────────────
	metricsReg := &metrics.Registry{
		DepthFunc: func() metrics.QueueDepth {
			st := queue.Stats()
			return metrics.QueueDepth{
				Pending: st.Pending, Ready: st.Ready,
				Active: st.Active, Failed: st.Failed,
			}
		},
	}

	// ── 7. Wire the publish side effect ──────────────────────────────────────
	var effect scheduling.SideEffect
	if cfg.Publisher.URL != "" {
		wh := publisher.NewWebhook(cfg.Publisher.URL, cfg.Publisher.Secret,
			time.Duration(cfg.Publisher.TimeoutMs)*time.Millisecond)
		effect = wh.Publish
	} else {
		effect = publisher.NewLog(logger).Publish
	}

	// ── 8. Build the scheduling service ──────────────────────────────────────
	svc := scheduling.New(entities, queue, effect, scheduling.Config{
		MaxPayloadBytes:  cfg.Queue.MaxPayloadKB << 10,
		MaxScheduleAhead: maxAhead,
	}, scheduling.WithMetrics(metricsReg), scheduling.WithLogger(logger))

	// Failure consumer: flips entities to failed when a job exhausts retries.
	go svc.Run(ctx)

	// ── 9. Start the dispatcher ──────────────────────────────────────────────
	disp := dispatcher.New(queue, svc.Action(), string(n.ID()), dispatcher.Config{
		Workers:        cfg.Dispatcher.Workers,
		PollInterval:   time.Duration(cfg.Dispatcher.PollIntervalMs) * time.Millisecond,
		PublishTimeout: time.Duration(cfg.Dispatcher.PublishTimeoutMs) * time.Millisecond,
	}, logger)
	disp.Start(ctx)

	// ── 10. Start HTTP / WebSocket transport ─────────────────────────────────
	srv := transphttp.New(svc, queue, cfg, string(n.ID()), metricsReg)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("stagehand ready", "node_id", n.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 11. Start dedicated Prometheus metrics listener ──────────────────────
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			slog.Info("metrics server listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsReg.Handler()); err != nil {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 12. Graceful shutdown on SIGINT / SIGTERM ────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	// Give in-flight requests and leases 5 seconds to complete.
	shutCtx, cancelShut := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShut()

	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}

	cancel()    // stops queue loops, dispatcher workers, failure consumer
	disp.Stop() // waits for in-flight publishes to drain

	if err := queue.Close(); err != nil {
		slog.Warn("queue close error", "err", err)
	}
	if err := js.Close(); err != nil {
		slog.Warn("job store close error", "err", err)
	}

	slog.Info("stagehand stopped")
	return nil
}

// openEntityStore selects the store implementation from config.
func openEntityStore(ctx context.Context, cfg *config.Config) (store.EntityStore, error) {
	switch cfg.Store.Driver {
	case config.StoreMongo:
		return storemongo.Open(ctx, storemongo.Config{
			URI:      cfg.Store.MongoURI,
			Database: cfg.Store.MongoDatabase,
		})
	case config.StoreBolt, "":
		return storebolt.Open(filepath.Join(cfg.Node.DataDir, "entities.db"))
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
