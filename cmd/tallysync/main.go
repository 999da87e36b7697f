// Command tallysync runs the sync daemon for an offline-first tally
// station: it drains the local change queue to the remote tally authority
// and applies remote changes to the local database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tallyops/tallysync/internal/backoff"
	"github.com/tallyops/tallysync/internal/change"
	"github.com/tallyops/tallysync/internal/config"
	"github.com/tallyops/tallysync/internal/engine"
	"github.com/tallyops/tallysync/internal/entity"
	"github.com/tallyops/tallysync/internal/events"
	"github.com/tallyops/tallysync/internal/queue"
	"github.com/tallyops/tallysync/internal/scheduler"
	"github.com/tallyops/tallysync/internal/transport"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "tallysync.toml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version")
	syncOnce := flag.Bool("once", false, "Run one sync cycle and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tallysync v%s (built %s)\n", version, buildTime)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "dir", cfg.Storage.DataDir, "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := setup(cfg, logger)
	if err != nil {
		logger.Error("setup failed", "error", err)
		return 1
	}
	defer app.close()

	if *syncOnce {
		if err := app.engine.Start(ctx); err != nil {
			logger.Error("engine start failed", "error", err)
			return 1
		}
		err := app.engine.RunCycle(ctx)
		app.engine.Stop()
		if err != nil {
			logger.Error("sync cycle failed", "error", err)
			return 1
		}
		return 0
	}

	if err := app.engine.Start(ctx); err != nil {
		logger.Error("engine start failed", "error", err)
		return 1
	}
	if err := app.sched.Start(ctx); err != nil {
		logger.Error("scheduler start failed", "error", err)
		app.engine.Stop()
		return 1
	}

	logger.Info("tallysync running",
		"version", version,
		"server", cfg.Server.BaseURL,
		"data_dir", cfg.Storage.DataDir)

	<-ctx.Done()
	logger.Info("shutting down")

	app.sched.Stop()
	app.engine.Stop()
	return 0
}

// app holds the wired runtime components in shutdown order.
type app struct {
	queue  *queue.Store
	store  *entity.Store
	engine *engine.Engine
	sched  *scheduler.Scheduler
}

func setup(cfg *config.Config, logger *slog.Logger) (*app, error) {
	q, err := queue.Open(cfg.QueuePath(), queue.Options{
		Order:                   change.DependencyOrder(cfg.Sync.DependencyOrder),
		MaxRetries:              cfg.Sync.MaxRetries,
		Backoff:                 backoff.Strategy{Base: cfg.Sync.BackoffBase, Max: cfg.Sync.BackoffMax.Duration},
		DependencyConflictDelay: cfg.Sync.DependencyConflictDelay.Duration,
		PriorityTypes:           cfg.Sync.PriorityEntityTypes,
		Logger:                  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	store, err := entity.NewStore(cfg.DomainPath(), logger)
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("open domain store: %w", err)
	}

	registry := entity.NewRegistry()
	store.RegisterAdapters(registry)
	audit := entity.NewAuditLog(store, logger)
	bus := events.NewBus(logger)

	var tokens transport.TokenProvider
	if cfg.Device.Key != "" {
		tokens = transport.NewDeviceToken(cfg.Device.ID, []byte(cfg.Device.Key), cfg.Device.TokenTTL.Duration)
	}
	client := transport.NewClient(cfg.Server.BaseURL, tokens, cfg.Server.Timeout.Duration, logger)

	eng := engine.New(q, client, registry, audit, bus, engine.Config{
		PushLimit:        cfg.Sync.PushLimit,
		MaxBatchBytes:    cfg.Sync.MaxBatchBytes,
		PullPageSize:     cfg.Sync.PullPageSize,
		MaxPullPages:     cfg.Sync.MaxPullPages,
		FastSyncDebounce: cfg.Sync.FastSyncDebounce.Duration,
		Order:            change.DependencyOrder(cfg.Sync.DependencyOrder),
	}, logger)

	// A tally mutation landing in the queue nudges an out-of-cycle sync so
	// results reach the authority without waiting for the next tick.
	q.OnPriorityEnqueue(eng.TriggerFastSync)

	sched := scheduler.New(eng, scheduler.Config{
		Interval: cfg.Sync.Interval.Duration,
		Spec:     cfg.Sync.Cron,
	}, logger)

	return &app{queue: q, store: store, engine: eng, sched: sched}, nil
}

func (a *app) close() {
	a.store.Close()
	a.queue.Close()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
