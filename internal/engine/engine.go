// Package engine sequences workflows through their per-type stage
// catalogs, deriving priority from the request's urgency and finalizing
// the workflow record with an aggregated result or the first stage error.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/bus"
	"github.com/stewardhq/steward/internal/dispatch"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/pkg/api"
)

// Config controls engine behavior. Zero values fall back to defaults.
type Config struct {
	// UrgencyWindow escalates priority to the maximum when the requested
	// execution time falls within it. Default 3 hours.
	UrgencyWindow time.Duration

	Observer api.Observer
	Logger   *slog.Logger
}

// Engine creates workflows and drives them through their stages.
type Engine struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	notifier   *bus.Notifier

	urgencyWindow time.Duration
	observer      api.Observer
	logger        *slog.Logger

	now func() time.Time
	wg  sync.WaitGroup
}

// New creates an Engine over the given store, dispatcher, and notifier.
func New(st store.Store, d *dispatch.Dispatcher, n *bus.Notifier, cfg Config) *Engine {
	if cfg.UrgencyWindow <= 0 {
		cfg.UrgencyWindow = 3 * time.Hour
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:         st,
		dispatcher:    d,
		notifier:      n,
		urgencyWindow: cfg.UrgencyWindow,
		observer:      cfg.Observer,
		logger:        cfg.Logger,
		now:           time.Now,
	}
}

// CreateRequest describes a new workflow.
type CreateRequest struct {
	Type      api.WorkflowType
	Title     string
	SessionID string
	UserID    string

	// Priority is optional; zero derives it from the type and the
	// requested execution time in Context.
	Priority int

	// Context carries the call parameters (date, time, party size,
	// customer details) every stage of the workflow receives.
	Context map[string]any
}

func (r *CreateRequest) validate() error {
	if _, ok := stageCatalog[r.Type]; !ok {
		return api.NewValidationError("type", fmt.Sprintf("unknown workflow type %q", r.Type))
	}
	if r.SessionID == "" {
		return api.NewValidationError("sessionId", "required")
	}
	if r.Priority < 0 || r.Priority > 10 {
		return api.NewValidationError("priority", "must be between 1 and 10")
	}
	if phone, ok := r.Context["customer_phone"].(string); ok && phone != "" {
		if !validPhone(phone) {
			return api.NewValidationError("customer_phone", "must contain 10 to 15 digits")
		}
	}
	return nil
}

// Create validates the request, persists the workflow as RUNNING, emits
// the workflow_started notification, and runs the stage sequence in the
// background. The returned record is a snapshot; callers observe progress
// through the store or the session channel.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*api.Workflow, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	wf := &api.Workflow{
		ID:        uuid.NewString(),
		Type:      req.Type,
		Status:    api.StatusRunning,
		Priority:  e.derivePriority(req),
		Title:     req.Title,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		CreatedAt: now,
		StartedAt: now,
	}
	if wf.Title == "" {
		wf.Title = string(req.Type)
	}
	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	e.observer.OnWorkflowStart(ctx, wf)
	e.notify(ctx, wf.SessionID, api.Notification{
		Type:       api.NotificationWorkflowStarted,
		WorkflowID: wf.ID,
		Message:    fmt.Sprintf("workflow %q started", wf.Title),
		Timestamp:  now,
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		// The stage run outlives the creating request.
		e.Run(context.WithoutCancel(ctx), wf.Clone(), req.Context)
	}()

	return wf.Clone(), nil
}

// Wait blocks until all background stage runs have finished. Used on
// shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Run drives the workflow through its stage catalog synchronously. Each
// stage creates and dispatches one task, waits for its terminal status
// within the stage timeout, and either advances or fails the workflow
// with the captured error. Completed stages are never compensated.
func (e *Engine) Run(ctx context.Context, wf *api.Workflow, callCtx map[string]any) {
	stages := stageCatalog[wf.Type]
	results := make(map[string]any, len(stages))
	prevTaskID := ""

	for i, st := range stages {
		var deps []string
		if i > 0 {
			deps = []string{prevTaskID}
		}

		params := stageParameters(st, results)
		task, err := e.dispatcher.CreateAndDispatch(ctx, dispatch.CreateTaskRequest{
			WorkflowID: wf.ID,
			SessionID:  wf.SessionID,
			UserID:     wf.UserID,
			AgentType:  st.AgentType,
			Name:       st.Name,
			Action:     st.Action,
			Parameters: params,
			Context:    callCtx,
			DependsOn:  deps,
			Priority:   wf.Priority,
			Timeout:    st.Timeout,
		})
		if err != nil {
			if !errors.Is(err, api.ErrNoAvailableAgent) || task == nil {
				e.fail(ctx, wf, &api.TaskError{
					Message: fmt.Sprintf("stage %s: %v", st.Name, err),
					Code:    errorCode(err),
				})
				return
			}
			// The task stays PENDING. The wait below gives an agent the
			// chance to come up; the bound still applies.
			e.logger.Warn("no agent available at dispatch",
				slog.String("workflow_id", wf.ID),
				slog.String("stage", st.Name),
				slog.String("agent_type", st.AgentType),
			)
		}

		outcome, err := e.dispatcher.AwaitCompletion(ctx, task.ID, st.Timeout)
		if err != nil {
			terr := outcome.Error
			if terr == nil {
				terr = &api.TaskError{
					Message: fmt.Sprintf("stage %s: %v", st.Name, err),
					Code:    errorCode(err),
				}
			}
			e.fail(ctx, wf, terr)
			return
		}
		if !outcome.Success {
			e.fail(ctx, wf, outcome.Error)
			return
		}

		results[st.Name] = outcome.Result
		prevTaskID = task.ID
	}

	e.complete(ctx, wf, results)
}

// stageParameters builds a stage's action parameters, threading each prior
// stage's result through. The call stage consumes the search result, the
// confirmation stage consumes the call result.
func stageParameters(st stage, results map[string]any) map[string]any {
	if len(results) == 0 {
		return nil
	}
	params := make(map[string]any, len(results))
	for name, res := range results {
		params[name+"_result"] = res
	}
	return params
}

// complete finalizes the workflow with the aggregated stage results. The
// RUNNING -> COMPLETED swap gates the notification, so exactly one
// terminal notification goes out even if the monitor concurrently fails
// the workflow.
func (e *Engine) complete(ctx context.Context, wf *api.Workflow, results map[string]any) {
	now := e.now().UTC()
	swapped, err := e.store.SwapWorkflowStatus(ctx, wf.ID, api.StatusRunning, api.StatusCompleted, func(w *api.Workflow) {
		w.Result = results
		w.CompletedAt = now
	})
	if err != nil {
		e.logger.Error("workflow completion write failed",
			slog.String("workflow_id", wf.ID), slog.Any("error", err))
		return
	}
	if !swapped {
		return
	}

	wf.Status = api.StatusCompleted
	wf.Result = results
	wf.CompletedAt = now
	e.observer.OnWorkflowCompleted(ctx, wf)
	e.notify(ctx, wf.SessionID, api.Notification{
		Type:       api.NotificationWorkflowCompleted,
		WorkflowID: wf.ID,
		Message:    fmt.Sprintf("workflow %q completed", wf.Title),
		Result:     results,
		Timestamp:  now,
	})
}

// fail marks the workflow FAILED with the first stage error and cancels
// its remaining non-terminal tasks. Prior completed stages are left as
// they are.
func (e *Engine) fail(ctx context.Context, wf *api.Workflow, terr *api.TaskError) {
	if terr == nil {
		terr = &api.TaskError{Message: "workflow failed", Code: api.CodeAgentError}
	}
	now := e.now().UTC()
	swapped, err := e.store.SwapWorkflowStatus(ctx, wf.ID, api.StatusRunning, api.StatusFailed, func(w *api.Workflow) {
		w.Error = terr
		w.CompletedAt = now
	})
	if err != nil {
		e.logger.Error("workflow failure write failed",
			slog.String("workflow_id", wf.ID), slog.Any("error", err))
		return
	}
	if !swapped {
		return
	}

	e.cancelSiblings(ctx, wf.ID)

	wf.Status = api.StatusFailed
	wf.Error = terr
	wf.CompletedAt = now
	e.observer.OnWorkflowFailed(ctx, wf, terr)
	e.notify(ctx, wf.SessionID, api.Notification{
		Type:       api.NotificationWorkflowFailed,
		WorkflowID: wf.ID,
		Message:    fmt.Sprintf("workflow %q failed: %s", wf.Title, terr.Message),
		Error:      terr,
		Timestamp:  now,
	})
}

// cancelSiblings cancels every non-terminal task still attached to the
// workflow. A failed workflow must not leave children eligible for
// dispatch.
func (e *Engine) cancelSiblings(ctx context.Context, workflowID string) {
	tasks, err := e.store.ListTasks(ctx, store.TaskFilter{WorkflowID: workflowID})
	if err != nil {
		e.logger.Error("sibling listing failed",
			slog.String("workflow_id", workflowID), slog.Any("error", err))
		return
	}
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		if _, err := e.dispatcher.Cancel(ctx, t.ID, "workflow failed"); err != nil {
			e.logger.Error("sibling cancel failed",
				slog.String("task_id", t.ID), slog.Any("error", err))
		}
	}
}

func (e *Engine) notify(ctx context.Context, sessionID string, event api.Notification) {
	if err := e.notifier.Notify(ctx, sessionID, event); err != nil {
		e.logger.Error("notification publish failed",
			slog.String("workflow_id", event.WorkflowID), slog.Any("error", err))
	}
}

// derivePriority resolves the workflow priority: an explicit value wins,
// otherwise the intent-class base applies, escalated to the maximum when
// the requested execution time falls inside the urgency window.
func (e *Engine) derivePriority(req CreateRequest) int {
	p := req.Priority
	if p == 0 {
		p = basePriority[req.Type]
	}
	if requested, ok := requestedTime(req.Context, e.now()); ok {
		until := requested.Sub(e.now())
		if until >= 0 && until <= e.urgencyWindow {
			return 10
		}
	}
	return p
}

// requestedTime extracts the requested execution time from the call
// context: "date" (2006-01-02) plus "time" (15:04). A missing date means
// today.
func requestedTime(callCtx map[string]any, now time.Time) (time.Time, bool) {
	if callCtx == nil {
		return time.Time{}, false
	}
	clock, ok := callCtx["time"].(string)
	if !ok || clock == "" {
		return time.Time{}, false
	}
	day := now.Format("2006-01-02")
	if d, ok := callCtx["date"].(string); ok && d != "" {
		day = d
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", day+" "+clock, now.Location())
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// validPhone accepts numbers with 10 to 15 digits, ignoring a leading +
// and common separators.
func validPhone(phone string) bool {
	digits := 0
	for _, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return digits >= 10 && digits <= 15
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, api.ErrNoAvailableAgent):
		return api.CodeNoAgent
	case errors.Is(err, api.ErrTaskTimeout):
		return api.CodeTimeout
	default:
		return api.CodeAgentError
	}
}
