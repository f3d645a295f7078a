// Package monitor implements the background sweep that recovers workflows
// stuck in RUNNING past a threshold, retrying their tasks where an agent
// is available and failing the workflow where it is not, plus retention
// cleanup of old terminal records.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stewardhq/steward/internal/backoff"
	"github.com/stewardhq/steward/internal/bus"
	"github.com/stewardhq/steward/internal/dispatch"
	"github.com/stewardhq/steward/internal/registry"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/pkg/api"
)

// Config controls sweep cadence and thresholds. Zero values fall back to
// defaults.
type Config struct {
	// Interval between sweeps. Default 1 minute.
	Interval time.Duration

	// StuckAfter is how long a workflow may sit in RUNNING before the
	// sweep intervenes. Default 10 minutes.
	StuckAfter time.Duration

	// Retention is how long terminal records are kept. Default 7 days.
	Retention time.Duration

	// Backoff delays redispatch of a retried task. Default exponential,
	// 2s doubling, capped at 1 minute.
	Backoff backoff.Strategy

	Observer api.Observer
	Logger   *slog.Logger
}

// Monitor sweeps for stuck workflows and drives their recovery.
type Monitor struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	notifier   *bus.Notifier

	interval   time.Duration
	stuckAfter time.Duration
	retention  time.Duration
	backoff    backoff.Strategy
	observer   api.Observer
	logger     *slog.Logger

	now func() time.Time
}

// New creates a Monitor over the given store, dispatcher, registry, and
// notifier.
func New(st store.Store, d *dispatch.Dispatcher, reg *registry.Registry, n *bus.Notifier, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 10 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.Backoff == nil {
		cfg.Backoff = &backoff.Exponential{Initial: 2 * time.Second, Max: time.Minute}
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Monitor{
		store:      st,
		dispatcher: d,
		registry:   reg,
		notifier:   n,
		interval:   cfg.Interval,
		stuckAfter: cfg.StuckAfter,
		retention:  cfg.Retention,
		backoff:    cfg.Backoff,
		observer:   cfg.Observer,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep recovers every workflow stuck in RUNNING past the threshold and
// purges terminal records past the retention window. Each stuck workflow
// leaves the sweep changed: either at least one task was reset for retry,
// or the workflow is FAILED.
func (m *Monitor) Sweep(ctx context.Context) {
	now := m.now().UTC()

	stuck, err := m.store.ListWorkflows(ctx, store.WorkflowFilter{
		Status:        api.StatusRunning,
		StartedBefore: now.Add(-m.stuckAfter),
	})
	if err != nil {
		m.logger.Error("stuck workflow scan failed", slog.Any("error", err))
		return
	}
	for _, wf := range stuck {
		m.recover(ctx, wf)
	}

	purged, err := m.store.PurgeTerminal(ctx, now.Add(-m.retention))
	if err != nil {
		m.logger.Error("retention cleanup failed", slog.Any("error", err))
	} else if purged > 0 {
		m.logger.Info("retention cleanup", slog.Int("purged", purged))
	}
}

// recover handles one stuck workflow. Tasks still RUNNING with retries
// left and a live agent are reset to PENDING and redispatched after a
// backoff delay; everything else is cancelled and the workflow fails with
// a recovery error.
func (m *Monitor) recover(ctx context.Context, wf *api.Workflow) {
	tasks, err := m.store.ListTasks(ctx, store.TaskFilter{WorkflowID: wf.ID})
	if err != nil {
		m.logger.Error("task scan failed",
			slog.String("workflow_id", wf.ID), slog.Any("error", err))
		return
	}

	retried := 0
	for _, t := range tasks {
		if t.Status != api.StatusRunning {
			continue
		}
		if m.retry(ctx, t) {
			retried++
		} else {
			if _, err := m.dispatcher.Cancel(ctx, t.ID, "recovery timeout"); err != nil {
				m.logger.Error("recovery cancel failed",
					slog.String("task_id", t.ID), slog.Any("error", err))
			}
		}
	}

	if retried > 0 {
		m.logger.Info("stuck workflow recovering",
			slog.String("workflow_id", wf.ID),
			slog.Int("retried", retried),
		)
		return
	}

	m.fail(ctx, wf)
}

// retry resets a stuck RUNNING task back to PENDING, the one transition
// the state machine reserves for the monitor, and redispatches it after
// the backoff delay. Returns false when the task has no retries left or
// no live agent of its type exists.
func (m *Monitor) retry(ctx context.Context, t *api.Task) bool {
	if t.RetryCount >= t.MaxRetries {
		return false
	}
	if len(m.registry.Available(t.AgentType)) == 0 {
		return false
	}

	swapped, err := m.store.SwapTaskStatus(ctx, t.ID, api.StatusRunning, api.StatusPending, func(task *api.Task) {
		task.RetryCount++
		task.AgentID = ""
		task.StartedAt = time.Time{}
		task.Error = nil
	})
	if err != nil {
		m.logger.Error("retry reset failed",
			slog.String("task_id", t.ID), slog.Any("error", err))
		return false
	}
	if !swapped {
		// The task reached a terminal status between scan and reset.
		return false
	}

	attempt := t.RetryCount + 1
	delay := m.backoff.Delay(attempt)
	m.logger.Info("task reset for retry",
		slog.String("task_id", t.ID),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)

	redispatch := context.WithoutCancel(ctx)
	time.AfterFunc(delay, func() {
		task, err := m.store.GetTask(redispatch, t.ID)
		if err != nil {
			m.logger.Error("retry lookup failed",
				slog.String("task_id", t.ID), slog.Any("error", err))
			return
		}
		if task.Status != api.StatusPending {
			return
		}
		if err := m.dispatcher.Dispatch(redispatch, task); err != nil {
			m.logger.Warn("retry dispatch failed",
				slog.String("task_id", t.ID), slog.Any("error", err))
		}
	})
	return true
}

// fail marks a stuck workflow FAILED with a recovery error and cancels any
// children still eligible for dispatch. The RUNNING -> FAILED swap gates
// the notification against a concurrent terminal write by the engine.
func (m *Monitor) fail(ctx context.Context, wf *api.Workflow) {
	now := m.now().UTC()
	terr := &api.TaskError{
		Message: fmt.Sprintf("workflow stuck for over %s with no recoverable tasks", m.stuckAfter),
		Code:    api.CodeRecovery,
	}

	swapped, err := m.store.SwapWorkflowStatus(ctx, wf.ID, api.StatusRunning, api.StatusFailed, func(w *api.Workflow) {
		w.Error = terr
		w.CompletedAt = now
	})
	if err != nil {
		m.logger.Error("recovery failure write failed",
			slog.String("workflow_id", wf.ID), slog.Any("error", err))
		return
	}
	if !swapped {
		return
	}

	tasks, err := m.store.ListTasks(ctx, store.TaskFilter{WorkflowID: wf.ID})
	if err == nil {
		for _, t := range tasks {
			if t.Status.IsTerminal() {
				continue
			}
			if _, err := m.dispatcher.Cancel(ctx, t.ID, "recovery timeout"); err != nil {
				m.logger.Error("recovery cancel failed",
					slog.String("task_id", t.ID), slog.Any("error", err))
			}
		}
	}

	wf.Status = api.StatusFailed
	wf.Error = terr
	wf.CompletedAt = now
	m.observer.OnWorkflowFailed(ctx, wf, fmt.Errorf("%w: %s", api.ErrRecoveryFailed, terr.Message))

	if err := m.notifier.Notify(ctx, wf.SessionID, api.Notification{
		Type:       api.NotificationWorkflowFailed,
		WorkflowID: wf.ID,
		Message:    fmt.Sprintf("workflow %q failed: %s", wf.Title, terr.Message),
		Error:      terr,
		Timestamp:  now,
	}); err != nil {
		m.logger.Error("notification publish failed",
			slog.String("workflow_id", wf.ID), slog.Any("error", err))
	}
}
