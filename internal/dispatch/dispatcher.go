// Package dispatch creates task records, assigns them to live capability
// agents over the message bus, and exposes the bounded completion-wait
// primitive the workflow engine sequences stages with.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/bus"
	"github.com/stewardhq/steward/internal/registry"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/pkg/api"
)

// Config controls dispatcher behavior. Zero values fall back to defaults.
type Config struct {
	// Strategy selects among available agents. Default FirstAvailable.
	Strategy Strategy

	// PollInterval is the completion-wait fallback poll cadence.
	// Default 1 second.
	PollInterval time.Duration

	// DefaultTimeout applies to tasks created without one. Default 30s.
	DefaultTimeout time.Duration

	// DefaultMaxRetries applies to tasks created without one. Default 3.
	DefaultMaxRetries int

	Observer api.Observer
	Logger   *slog.Logger
}

// Dispatcher binds tasks to agents and observes their terminal writes.
type Dispatcher struct {
	store    store.Store
	bus      bus.Bus
	registry *registry.Registry

	strategy          Strategy
	pollInterval      time.Duration
	defaultTimeout    time.Duration
	defaultMaxRetries int

	waiters  *waiterSet
	dedup    *bus.Deduper
	observer api.Observer
	logger   *slog.Logger

	// from identifies this orchestrator instance in envelopes.
	from string
}

// New creates a Dispatcher over the given store, bus, and registry.
func New(st store.Store, b bus.Bus, reg *registry.Registry, cfg Config) *Dispatcher {
	if cfg.Strategy == nil {
		cfg.Strategy = FirstAvailable{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		store:             st,
		bus:               b,
		registry:          reg,
		strategy:          cfg.Strategy,
		pollInterval:      cfg.PollInterval,
		defaultTimeout:    cfg.DefaultTimeout,
		defaultMaxRetries: cfg.DefaultMaxRetries,
		waiters:           newWaiterSet(),
		dedup:             bus.NewDeduper(4096),
		observer:          cfg.Observer,
		logger:            cfg.Logger,
		from:              "dispatcher-" + uuid.NewString(),
	}
}

// CreateTaskRequest describes one task to create and dispatch.
type CreateTaskRequest struct {
	WorkflowID string
	SessionID  string
	UserID     string
	AgentType  string
	Name       string
	Action     string
	Parameters map[string]any
	Context    map[string]any
	DependsOn  []string
	Priority   int
	Timeout    time.Duration
	MaxRetries int
}

func (r *CreateTaskRequest) validate() error {
	if r.WorkflowID == "" {
		return api.NewValidationError("workflowId", "required")
	}
	if r.AgentType == "" {
		return api.NewValidationError("agentType", "required")
	}
	if r.Action == "" {
		return api.NewValidationError("action", "required")
	}
	if r.Priority < 0 || r.Priority > 10 {
		return api.NewValidationError("priority", "must be between 1 and 10")
	}
	return nil
}

// CreateAndDispatch persists a PENDING task, appends its descriptor to the
// parent workflow, and attempts dispatch immediately.
//
// A task whose dependencies are not yet complete is left PENDING with no
// error; it is redispatched automatically when the last dependency
// completes. ErrNoAvailableAgent is returned alongside the created task:
// the task stays PENDING and the caller decides what to do.
func (d *Dispatcher) CreateAndDispatch(ctx context.Context, req CreateTaskRequest) (*api.Task, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	name := req.Name
	if name == "" {
		name = req.Action
	}
	priority := req.Priority
	if priority == 0 {
		priority = 5
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = d.defaultMaxRetries
	}

	task := &api.Task{
		ID:         uuid.NewString(),
		WorkflowID: req.WorkflowID,
		SessionID:  req.SessionID,
		UserID:     req.UserID,
		AgentType:  req.AgentType,
		Name:       name,
		Input: api.TaskInput{
			Action:     req.Action,
			Parameters: req.Parameters,
			Context:    req.Context,
		},
		DependsOn:  append([]string(nil), req.DependsOn...),
		Status:     api.StatusPending,
		Priority:   priority,
		Timeout:    timeout,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC(),
	}

	if err := d.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	step := api.StepRef{
		TaskID:    task.ID,
		AgentType: task.AgentType,
		Input:     task.Input,
		DependsOn: task.DependsOn,
	}
	if err := d.store.AppendStep(ctx, req.WorkflowID, step); err != nil {
		return nil, err
	}

	if err := d.Dispatch(ctx, task); err != nil {
		if errors.Is(err, api.ErrDependenciesPending) {
			// Parked until dependencies complete.
			return task, nil
		}
		return task, err
	}
	return task, nil
}

// Dispatch binds the task to an available agent and publishes the
// assignment envelope. The PENDING -> RUNNING transition is a conditional
// update, so concurrent dispatchers cannot double-assign.
func (d *Dispatcher) Dispatch(ctx context.Context, task *api.Task) error {
	met, err := d.dependenciesMet(ctx, task)
	if err != nil {
		return err
	}
	if !met {
		return api.ErrDependenciesPending
	}

	candidates := d.registry.Available(task.AgentType)
	if len(candidates) == 0 {
		return fmt.Errorf("%w: type %q", api.ErrNoAvailableAgent, task.AgentType)
	}
	agent := d.strategy.Select(task, candidates)

	now := time.Now().UTC()
	swapped, err := d.store.SwapTaskStatus(ctx, task.ID, api.StatusPending, api.StatusRunning, func(t *api.Task) {
		t.AgentID = agent.ID
		t.StartedAt = now
	})
	if err != nil {
		return err
	}
	if !swapped {
		// Another dispatcher instance won the race; nothing to do.
		return nil
	}
	task.Status = api.StatusRunning
	task.AgentID = agent.ID
	task.StartedAt = now

	env := api.Envelope{
		ID:         uuid.NewString(),
		Type:       api.EnvelopeTaskAssignment,
		TaskID:     task.ID,
		TaskData:   &task.Input,
		WorkflowID: task.WorkflowID,
		SessionID:  task.SessionID,
		Priority:   task.Priority,
		From:       d.from,
		Timestamp:  now,
	}
	if err := bus.PublishJSON(ctx, d.bus, bus.AssignmentChannel(task.AgentType), env); err != nil {
		d.logger.Error("assignment publish failed",
			slog.String("task_id", task.ID),
			slog.Any("error", err),
		)
		return err
	}

	d.observer.OnTaskDispatched(ctx, task, agent.ID)
	return nil
}

func (d *Dispatcher) dependenciesMet(ctx context.Context, task *api.Task) (bool, error) {
	for _, depID := range task.DependsOn {
		dep, err := d.store.GetTask(ctx, depID)
		if err != nil {
			return false, fmt.Errorf("dependency %s: %w", depID, err)
		}
		if dep.Status != api.StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// AwaitCompletion blocks until the task reaches a terminal status or the
// timeout elapses. The fast path is a completion future signaled by the
// terminal write; a poll of the store remains as fallback for writes made
// by other orchestrator instances, so the call returns within the timeout
// plus at most one poll interval.
//
// On timeout the task is left untouched: cancellation is an explicit,
// separate action owned by the monitor.
func (d *Dispatcher) AwaitCompletion(ctx context.Context, taskID string, timeout time.Duration) (api.Outcome, error) {
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	ch := d.waiters.register(taskID)
	defer d.waiters.unregister(taskID, ch)

	// The task may already be terminal.
	if outcome, terminal, err := d.lookupOutcome(ctx, taskID); err != nil {
		return api.Outcome{}, err
	} else if terminal {
		return outcome, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return api.Outcome{}, ctx.Err()

		case outcome := <-ch:
			return outcome, nil

		case <-ticker.C:
			outcome, terminal, err := d.lookupOutcome(ctx, taskID)
			if err != nil {
				return api.Outcome{}, err
			}
			if terminal {
				return outcome, nil
			}

		case <-timer.C:
			return api.Outcome{
				Success: false,
				Error: &api.TaskError{
					Message:   fmt.Sprintf("task %s did not complete within %s", taskID, timeout),
					Code:      api.CodeTimeout,
					Retryable: true,
				},
			}, api.ErrTaskTimeout
		}
	}
}

func (d *Dispatcher) lookupOutcome(ctx context.Context, taskID string) (api.Outcome, bool, error) {
	t, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return api.Outcome{}, false, err
	}
	if !t.Status.IsTerminal() {
		return api.Outcome{}, false, nil
	}
	return outcomeFromTask(t), true, nil
}

func outcomeFromTask(t *api.Task) api.Outcome {
	switch t.Status {
	case api.StatusCompleted:
		o := api.Outcome{Success: true}
		if t.Output != nil {
			o.Result = t.Output.Result
		}
		return o
	default:
		terr := t.Error
		if terr == nil {
			terr = &api.TaskError{
				Message: "task " + string(t.Status),
				Code:    api.CodeAgentError,
			}
		}
		return api.Outcome{Success: false, Error: terr}
	}
}

// Complete records a successful terminal write for the task, signals any
// waiters, and releases dependency-gated siblings.
func (d *Dispatcher) Complete(ctx context.Context, taskID string, output *api.TaskOutput) error {
	now := time.Now().UTC()
	swapped, err := d.store.SwapTaskStatus(ctx, taskID, api.StatusRunning, api.StatusCompleted, func(t *api.Task) {
		t.Output = output
		t.Error = nil
		t.CompletedAt = now
	})
	if err != nil {
		return err
	}
	if !swapped {
		// Already terminal (e.g. cancelled by the monitor); terminal
		// records never mutate, so the late write is dropped.
		d.logger.Warn("terminal write ignored", slog.String("task_id", taskID))
		return nil
	}

	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	d.waiters.signal(taskID, outcomeFromTask(task))
	if dur, ok := task.Duration(); ok {
		d.observer.OnTaskCompleted(ctx, task, nil, dur)
	}

	d.dispatchReady(ctx, task.WorkflowID)
	return nil
}

// Fail records a terminal failure written by the task's agent.
func (d *Dispatcher) Fail(ctx context.Context, taskID string, terr *api.TaskError) error {
	if terr == nil {
		terr = &api.TaskError{Message: "agent reported failure", Code: api.CodeAgentError}
	}
	now := time.Now().UTC()
	swapped, err := d.store.SwapTaskStatus(ctx, taskID, api.StatusRunning, api.StatusFailed, func(t *api.Task) {
		t.Error = terr
		t.CompletedAt = now
	})
	if err != nil {
		return err
	}
	if !swapped {
		d.logger.Warn("terminal write ignored", slog.String("task_id", taskID))
		return nil
	}

	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	d.waiters.signal(taskID, outcomeFromTask(task))
	if dur, ok := task.Duration(); ok {
		d.observer.OnTaskCompleted(ctx, task, terr, dur)
	}
	return nil
}

// Cancel moves a RUNNING or PENDING task to CANCELLED with the given
// reason. It is best-effort: the agent must itself observe and honor the
// cancellation, since in-flight external execution cannot be interrupted.
// It reports whether the transition was applied.
func (d *Dispatcher) Cancel(ctx context.Context, taskID, reason string) (bool, error) {
	now := time.Now().UTC()
	mutate := func(t *api.Task) {
		t.Error = &api.TaskError{Message: reason, Code: api.CodeCancelled}
		t.CompletedAt = now
	}

	swapped, err := d.store.SwapTaskStatus(ctx, taskID, api.StatusRunning, api.StatusCancelled, mutate)
	if err != nil {
		return false, err
	}
	if !swapped {
		swapped, err = d.store.SwapTaskStatus(ctx, taskID, api.StatusPending, api.StatusCancelled, mutate)
		if err != nil {
			return false, err
		}
	}
	if !swapped {
		return false, nil
	}

	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return true, err
	}
	d.waiters.signal(taskID, outcomeFromTask(task))
	return true, nil
}

// dispatchReady dispatches PENDING tasks of the workflow whose
// dependencies have all completed. Dispatch failures are left for the
// monitor; a parked task is never an error here.
func (d *Dispatcher) dispatchReady(ctx context.Context, workflowID string) {
	pending, err := d.store.ListTasks(ctx, store.TaskFilter{
		WorkflowID: workflowID,
		Status:     api.StatusPending,
	})
	if err != nil {
		d.logger.Error("listing pending tasks failed",
			slog.String("workflow_id", workflowID),
			slog.Any("error", err),
		)
		return
	}

	for _, t := range pending {
		if err := d.Dispatch(ctx, t); err != nil &&
			!errors.Is(err, api.ErrDependenciesPending) &&
			!errors.Is(err, api.ErrNoAvailableAgent) {
			d.logger.Error("redispatch failed",
				slog.String("task_id", t.ID),
				slog.Any("error", err),
			)
		}
	}
}

// RunResults consumes terminal task results from the bus until ctx is
// cancelled. Deliveries are deduplicated on envelope id.
func (d *Dispatcher) RunResults(ctx context.Context) error {
	ch, err := d.bus.Subscribe(ctx, bus.ResultChannel)
	if err != nil {
		return err
	}

	for payload := range ch {
		var env api.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			d.logger.Warn("malformed result dropped", slog.Any("error", err))
			continue
		}
		if env.Type != api.EnvelopeTaskResult || env.TaskID == "" {
			continue
		}
		if d.dedup.Seen(env.ID) {
			continue
		}

		switch env.Status {
		case api.StatusCompleted:
			if err := d.Complete(ctx, env.TaskID, env.Output); err != nil {
				d.logger.Error("result write failed",
					slog.String("task_id", env.TaskID),
					slog.Any("error", err),
				)
			}
		case api.StatusFailed:
			if err := d.Fail(ctx, env.TaskID, env.Error); err != nil {
				d.logger.Error("result write failed",
					slog.String("task_id", env.TaskID),
					slog.Any("error", err),
				)
			}
		}
	}
	return ctx.Err()
}
