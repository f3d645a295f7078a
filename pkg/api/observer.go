package api

import (
	"context"
	"log/slog"
	"time"
)

// Observer receives callbacks from the orchestration engine for logging
// and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnWorkflowStart is called once when a workflow is created, before
	// its first stage is dispatched.
	OnWorkflowStart(ctx context.Context, wf *Workflow)

	// OnWorkflowCompleted is called when a workflow reaches StatusCompleted.
	OnWorkflowCompleted(ctx context.Context, wf *Workflow)

	// OnWorkflowFailed is called when a workflow transitions to
	// StatusFailed, whether by the engine's fail-fast path or by the
	// monitor's recovery path.
	OnWorkflowFailed(ctx context.Context, wf *Workflow, err error)

	// OnTaskDispatched is called after an assignment envelope has been
	// published for the task.
	OnTaskDispatched(ctx context.Context, task *Task, agentID string)

	// OnTaskCompleted is called when a task reaches a terminal status,
	// for both successes and failures (err != nil).
	OnTaskCompleted(ctx context.Context, task *Task, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, wf *Workflow)               {}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, wf *Workflow)           {}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, wf *Workflow, err error)   {}
func (NoopObserver) OnTaskDispatched(ctx context.Context, task *Task, agentID string) {}
func (NoopObserver) OnTaskCompleted(ctx context.Context, task *Task, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, wf *Workflow) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, wf)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, wf *Workflow) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, wf)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, wf *Workflow, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, wf, err)
	}
}

func (c *CompositeObserver) OnTaskDispatched(ctx context.Context, task *Task, agentID string) {
	for _, o := range c.observers {
		o.OnTaskDispatched(ctx, task, agentID)
	}
}

func (c *CompositeObserver) OnTaskCompleted(ctx context.Context, task *Task, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnTaskCompleted(ctx, task, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs workflow / task
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, wf *Workflow) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("workflow_id", wf.ID),
		slog.String("type", string(wf.Type)),
		slog.Int("priority", wf.Priority),
	)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, wf *Workflow) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("workflow_id", wf.ID),
		slog.String("type", string(wf.Type)),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, wf *Workflow, err error) {
	o.Logger.ErrorContext(ctx, "workflow_failed",
		slog.String("workflow_id", wf.ID),
		slog.String("type", string(wf.Type)),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnTaskDispatched(ctx context.Context, task *Task, agentID string) {
	o.Logger.DebugContext(ctx, "task_dispatched",
		slog.String("task_id", task.ID),
		slog.String("workflow_id", task.WorkflowID),
		slog.String("agent_type", task.AgentType),
		slog.String("agent_id", agentID),
	)
}

func (o *LoggingObserver) OnTaskCompleted(ctx context.Context, task *Task, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "task_completed",
		slog.String("task_id", task.ID),
		slog.String("workflow_id", task.WorkflowID),
		slog.String("status", string(task.Status)),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}
