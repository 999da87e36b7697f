// Package engine orchestrates sync cycles: draining the local change queue
// to the remote tally authority in dependency-ordered batches, pulling
// remote changes in pages, resolving conflicts last-write-wins, and
// notifying observers of everything that changed.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tallyops/tallysync/internal/change"
	"github.com/tallyops/tallysync/internal/entity"
	"github.com/tallyops/tallysync/internal/events"
	"github.com/tallyops/tallysync/internal/queue"
	"github.com/tallyops/tallysync/internal/transport"
)

// Transport abstracts the network calls against the remote authority.
// *transport.Client is the production implementation.
type Transport interface {
	Push(ctx context.Context, changes []change.Record) (*transport.PushResponse, error)
	Pull(ctx context.Context, lastSync *time.Time, limit, offset int) (*transport.PullResponse, error)
}

// Config tunes one engine instance.
type Config struct {
	// PushLimit bounds how many pending changes one cycle drains.
	PushLimit int
	// MaxBatchBytes bounds the serialized size of one push batch.
	MaxBatchBytes int
	// PullPageSize is the page size requested from the server.
	PullPageSize int
	// MaxPullPages is the hard ceiling of pages fetched per cycle, so a
	// huge remote backlog cannot starve push work.
	MaxPullPages int
	// FastSyncDebounce is the wait between a fast-sync trigger and the
	// cycle it starts; triggers arriving inside the window coalesce.
	FastSyncDebounce time.Duration
	// Order is the entity dependency order for drain and batch sequencing.
	Order change.DependencyOrder
}

func (c *Config) fillDefaults() {
	if c.PushLimit <= 0 {
		c.PushLimit = 200
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = 64 * 1024
	}
	if c.PullPageSize <= 0 {
		c.PullPageSize = 100
	}
	if c.MaxPullPages <= 0 {
		c.MaxPullPages = 10
	}
	if c.FastSyncDebounce <= 0 {
		c.FastSyncDebounce = 500 * time.Millisecond
	}
}

// Status is a point-in-time snapshot for status displays.
type Status struct {
	Running    bool
	LastSyncAt time.Time
	LastError  string
	Queue      queue.Counts
}

// Engine is the single sync driver per process. It is constructed
// explicitly and injected where needed; there is no package-level instance.
type Engine struct {
	queue     *queue.Store
	transport Transport
	registry  *entity.Registry
	audit     *entity.AuditLog
	bus       *events.Bus
	cfg       Config
	logger    *slog.Logger

	// flight collapses concurrent cycle requests (periodic + fast-sync)
	// into one in-flight cycle whose result all callers share.
	flight singleflight.Group

	mu      sync.Mutex
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	fastMu      sync.Mutex
	fastPending bool

	statusMu   sync.RWMutex
	lastSyncAt time.Time
	lastErr    error
}

// New creates an engine. All collaborators are required except bus, which
// defaults to a fresh bus when nil.
func New(q *queue.Store, t Transport, reg *entity.Registry, audit *entity.AuditLog, bus *events.Bus, cfg Config, logger *slog.Logger) *Engine {
	cfg.fillDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}
	return &Engine{
		queue:     q,
		transport: t,
		registry:  reg,
		audit:     audit,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
	}
}

// Bus returns the engine's observer bus.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Start marks the engine running and arms fast-sync scheduling. Cycles are
// driven externally (scheduler or RunCycle callers); Start itself performs
// no network work.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("engine: already running")
	}
	e.runCtx, e.cancel = context.WithCancel(ctx)
	e.running = true

	e.logger.Info("sync engine started",
		"push_limit", e.cfg.PushLimit,
		"max_batch_bytes", e.cfg.MaxBatchBytes,
		"pull_page_size", e.cfg.PullPageSize)
	return nil
}

// Stop cancels any in-flight cycle or debounce task and waits for them to
// finish before returning, so nothing runs against a torn-down transport.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("sync engine stopped")
	return nil
}

// RunCycle performs one push-then-pull cycle. Concurrent callers share a
// single execution. A cycle-level failure is reported via the bus and the
// returned error; it never panics the caller.
func (e *Engine) RunCycle(ctx context.Context) error {
	_, err, _ := e.flight.Do("cycle", func() (any, error) {
		return nil, e.runCycle(ctx)
	})
	return err
}

func (e *Engine) runCycle(ctx context.Context) error {
	started := time.Now()
	e.bus.Publish(events.Event{Type: events.SyncStarted})
	e.logger.Debug("sync cycle started")

	err := e.pushPhase(ctx)
	if err == nil {
		err = e.pullPhase(ctx)
	}

	e.statusMu.Lock()
	e.lastErr = err
	if err == nil {
		e.lastSyncAt = time.Now().UTC()
	}
	e.statusMu.Unlock()

	if err != nil {
		e.bus.Publish(events.Event{Type: events.SyncFailed, Reason: err.Error()})
		e.logger.Warn("sync cycle failed", "error", err, "elapsed", time.Since(started))
		return err
	}

	e.bus.Publish(events.Event{Type: events.SyncCompleted})
	e.logger.Debug("sync cycle completed", "elapsed", time.Since(started))
	return nil
}

// TriggerFastSync schedules one debounced out-of-cycle sync. Triggers that
// arrive while a debounce window is open coalesce into the already-pending
// cycle. No-op when the engine is stopped.
func (e *Engine) TriggerFastSync() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	runCtx := e.runCtx
	// Registered while holding mu so Stop's Wait cannot miss this task.
	e.wg.Add(1)
	e.mu.Unlock()

	e.fastMu.Lock()
	if e.fastPending {
		e.fastMu.Unlock()
		e.wg.Done()
		return
	}
	e.fastPending = true
	e.fastMu.Unlock()

	go func() {
		defer e.wg.Done()

		timer := time.NewTimer(e.cfg.FastSyncDebounce)
		defer timer.Stop()

		select {
		case <-runCtx.Done():
			e.fastMu.Lock()
			e.fastPending = false
			e.fastMu.Unlock()
			return
		case <-timer.C:
		}

		e.fastMu.Lock()
		e.fastPending = false
		e.fastMu.Unlock()

		if err := e.RunCycle(runCtx); err != nil {
			e.logger.Warn("fast sync failed", "error", err)
		}
	}()
}

// Status returns the current engine and queue state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	counts, err := e.queue.Counts(ctx)
	if err != nil {
		return Status{}, err
	}

	e.mu.Lock()
	running := e.running
	e.mu.Unlock()

	e.statusMu.RLock()
	defer e.statusMu.RUnlock()

	s := Status{
		Running:    running,
		LastSyncAt: e.lastSyncAt,
		Queue:      counts,
	}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	return s, nil
}
