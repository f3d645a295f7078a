package steward

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stewardhq/steward/internal/bus"
	"github.com/stewardhq/steward/internal/dispatch"
	"github.com/stewardhq/steward/internal/engine"
	"github.com/stewardhq/steward/internal/monitor"
	"github.com/stewardhq/steward/internal/registry"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/pkg/api"
)

// Options configure a Runtime. Zero values fall back to defaults.
type Options struct {
	// Strategy selects among available agents. Default FirstAvailable.
	Strategy Strategy

	// AgentCeiling is the per-agent concurrent task limit. Default 5.
	AgentCeiling int

	// RestartAgent, if set, is invoked for agents whose heartbeats have
	// gone dead, delegating process lifecycle to the host.
	RestartAgent registry.RestartFunc

	// SweepInterval between monitor sweeps. Default 1 minute.
	SweepInterval time.Duration

	// StuckAfter is how long a workflow may sit in RUNNING before the
	// monitor intervenes. Default 10 minutes.
	StuckAfter time.Duration

	// Retention is how long terminal records are kept. Default 7 days.
	Retention time.Duration

	Observer Observer
	Logger   *slog.Logger
}

// Runtime bundles a store, a bus, and the orchestration components wired
// over them: registry, dispatcher, engine, and monitor.
//
// Typical usage:
//
//	rt := steward.NewInMemoryRuntime(steward.Options{})
//	rt.Start(ctx)
//	defer rt.Stop()
//	wf, err := rt.Engine.Create(ctx, steward.CreateRequest{...})
type Runtime struct {
	Store      store.Store
	Bus        bus.Bus
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Engine     *engine.Engine
	Monitor    *monitor.Monitor
	Notifier   *bus.Notifier

	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRuntime assembles a Runtime over the given store and bus.
func NewRuntime(st store.Store, b bus.Bus, opts Options) *Runtime {
	if opts.Observer == nil {
		opts.Observer = api.NoopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	reg := registry.New(registry.Config{
		Ceiling: opts.AgentCeiling,
		Restart: opts.RestartAgent,
		Logger:  opts.Logger,
	})
	d := dispatch.New(st, b, reg, dispatch.Config{
		Strategy: opts.Strategy,
		Observer: opts.Observer,
		Logger:   opts.Logger,
	})
	n := bus.NewNotifier(b)
	eng := engine.New(st, d, n, engine.Config{
		Observer: opts.Observer,
		Logger:   opts.Logger,
	})
	mon := monitor.New(st, d, reg, n, monitor.Config{
		Interval:   opts.SweepInterval,
		StuckAfter: opts.StuckAfter,
		Retention:  opts.Retention,
		Observer:   opts.Observer,
		Logger:     opts.Logger,
	})

	return &Runtime{
		Store:      st,
		Bus:        b,
		Registry:   reg,
		Dispatcher: d,
		Engine:     eng,
		Monitor:    mon,
		Notifier:   n,
		logger:     opts.Logger,
	}
}

// NewInMemoryRuntime returns a Runtime backed entirely by in-memory
// store and bus. Best for tests and single-process development.
func NewInMemoryRuntime(opts Options) *Runtime {
	return NewRuntime(NewInMemoryStore(), NewInMemoryBus(), opts)
}

// NewSQLiteRuntime returns a Runtime persisting workflows and tasks in
// the given SQLite database, with a process-local bus.
func NewSQLiteRuntime(db *sql.DB, opts Options) (*Runtime, error) {
	st, err := NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return NewRuntime(st, NewInMemoryBus(), opts), nil
}

// NewPostgresRuntime returns a Runtime persisting in PostgreSQL with a
// Redis-backed bus, suitable for multi-process deployments sharing one
// store.
func NewPostgresRuntime(db *sql.DB, rdb *redis.Client, opts Options) (*Runtime, error) {
	st, err := NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return NewRuntime(st, NewRedisBus(rdb, opts.Logger), opts), nil
}

// Start launches the background loops: heartbeat ingest, staleness
// sweeping, result consumption, and the recovery monitor. Calling Start
// on a running Runtime returns an error.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("steward: runtime already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.background(ctx, "heartbeat ingest", func(ctx context.Context) error {
		return r.Registry.RunIngest(ctx, r.Bus)
	})
	r.background(ctx, "staleness sweeper", func(ctx context.Context) error {
		r.Registry.RunStalenessSweeper(ctx, 30*time.Second)
		return nil
	})
	r.background(ctx, "result consumer", r.Dispatcher.RunResults)
	r.background(ctx, "monitor", r.Monitor.Run)

	return nil
}

func (r *Runtime) background(ctx context.Context, name string, run func(context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("background loop exited",
				slog.String("loop", name),
				slog.Any("error", err),
			)
		}
	}()
}

// Stop cancels the background loops and waits for them and for in-flight
// workflow runs to finish. Safe to call more than once.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.running = false
	r.mu.Unlock()

	r.wg.Wait()
	r.Engine.Wait()
}
