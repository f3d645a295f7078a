package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stewardhq/steward/internal/bus"
	"github.com/stewardhq/steward/internal/registry"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/pkg/api"
)

type testRig struct {
	store    store.Store
	bus      *bus.InMemoryBus
	registry *registry.Registry
	d        *Dispatcher
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	st := store.NewInMemoryStore()
	b := bus.NewInMemoryBus(32)
	reg := registry.New(registry.Config{Ceiling: 3})
	d := New(st, b, reg, Config{
		PollInterval:   10 * time.Millisecond,
		DefaultTimeout: 2 * time.Second,
	})
	return &testRig{store: st, bus: b, registry: reg, d: d}
}

func (r *testRig) addAgent(id, agentType string) {
	r.registry.Ingest(api.Heartbeat{
		AgentID:   id,
		AgentType: agentType,
		State:     api.AgentIdle,
		Timestamp: time.Now().UTC(),
	})
}

func (r *testRig) saveWorkflow(t *testing.T, id string) {
	t.Helper()
	err := r.store.SaveWorkflow(context.Background(), &api.Workflow{
		ID:        id,
		Type:      api.WorkflowGeneralQuery,
		Status:    api.StatusRunning,
		Priority:  5,
		SessionID: "session-1",
		CreatedAt: time.Now().UTC(),
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}
}

func (r *testRig) mustGetTask(t *testing.T, id string) *api.Task {
	t.Helper()
	task, err := r.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return task
}

func waitForStatus(t *testing.T, r *testRig, taskID string, want api.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.mustGetTask(t, taskID).Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s (now %s)", taskID, want, r.mustGetTask(t, taskID).Status)
}

func TestCreateAndDispatchValidation(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	cases := []CreateTaskRequest{
		{AgentType: "search", Action: "find_places"},            // no workflow
		{WorkflowID: "wf-1", Action: "find_places"},             // no agent type
		{WorkflowID: "wf-1", AgentType: "search"},               // no action
		{WorkflowID: "wf-1", AgentType: "search", Action: "a", Priority: 11}, // out of range
	}
	for i, req := range cases {
		if _, err := r.d.CreateAndDispatch(ctx, req); !api.IsValidation(err) {
			t.Fatalf("case %d: got %v, want ValidationError", i, err)
		}
	}
}

func TestCreateAndDispatchNoAvailableAgent(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.saveWorkflow(t, "wf-1")

	task, err := r.d.CreateAndDispatch(ctx, CreateTaskRequest{
		WorkflowID: "wf-1",
		AgentType:  "search",
		Action:     "find_places",
	})
	if !errors.Is(err, api.ErrNoAvailableAgent) {
		t.Fatalf("err = %v, want ErrNoAvailableAgent", err)
	}
	if task == nil {
		t.Fatal("task not returned alongside the error")
	}

	// The task stays PENDING and the step is still recorded; the caller
	// decides what happens next.
	if got := r.mustGetTask(t, task.ID); got.Status != api.StatusPending {
		t.Fatalf("status = %s, want PENDING", got.Status)
	}
	wf, err := r.store.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if len(wf.Steps) != 1 || wf.Steps[0].TaskID != task.ID {
		t.Fatalf("steps = %+v", wf.Steps)
	}
}

func TestDispatchAssignsAndPublishes(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.saveWorkflow(t, "wf-1")
	r.addAgent("agent-1", "search")

	assignments, err := r.bus.Subscribe(ctx, bus.AssignmentChannel("search"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	task, err := r.d.CreateAndDispatch(ctx, CreateTaskRequest{
		WorkflowID: "wf-1",
		SessionID:  "session-1",
		AgentType:  "search",
		Action:     "find_places",
		Parameters: map[string]any{"query": "dentist"},
	})
	if err != nil {
		t.Fatalf("CreateAndDispatch: %v", err)
	}

	got := r.mustGetTask(t, task.ID)
	if got.Status != api.StatusRunning {
		t.Fatalf("status = %s, want RUNNING", got.Status)
	}
	if got.AgentID != "agent-1" {
		t.Fatalf("agent id = %q", got.AgentID)
	}
	if got.StartedAt.IsZero() {
		t.Fatal("started_at not stamped")
	}

	select {
	case payload := <-assignments:
		var env api.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type != api.EnvelopeTaskAssignment || env.TaskID != task.ID {
			t.Fatalf("envelope = %+v", env)
		}
		if env.ID == "" {
			t.Fatal("envelope id empty; dedupe would break")
		}
		if env.TaskData == nil || env.TaskData.Action != "find_places" {
			t.Fatalf("task data = %+v", env.TaskData)
		}
		if env.WorkflowID != "wf-1" || env.SessionID != "session-1" {
			t.Fatalf("envelope routing = %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no assignment envelope published")
	}
}

func TestDependencyGate(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.saveWorkflow(t, "wf-1")
	r.addAgent("search-1", "search")
	r.addAgent("call-1", "call")

	search, err := r.d.CreateAndDispatch(ctx, CreateTaskRequest{
		WorkflowID: "wf-1",
		AgentType:  "search",
		Action:     "find_places",
	})
	if err != nil {
		t.Fatalf("dispatching search: %v", err)
	}

	call, err := r.d.CreateAndDispatch(ctx, CreateTaskRequest{
		WorkflowID: "wf-1",
		AgentType:  "call",
		Action:     "place_call",
		DependsOn:  []string{search.ID},
	})
	if err != nil {
		t.Fatalf("creating call task: %v", err)
	}
	// Parked: the dependency is still RUNNING.
	if got := r.mustGetTask(t, call.ID); got.Status != api.StatusPending {
		t.Fatalf("call task status = %s, want PENDING", got.Status)
	}

	if err := r.d.Complete(ctx, search.ID, &api.TaskOutput{Result: []any{"Luigi's"}}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// Completing the dependency releases the parked task.
	waitForStatus(t, r, call.ID, api.StatusRunning)
}

func TestAwaitCompletionSignaledByTerminalWrite(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.saveWorkflow(t, "wf-1")
	r.addAgent("agent-1", "search")

	task, err := r.d.CreateAndDispatch(ctx, CreateTaskRequest{
		WorkflowID: "wf-1",
		AgentType:  "search",
		Action:     "find_places",
	})
	if err != nil {
		t.Fatalf("CreateAndDispatch: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = r.d.Complete(ctx, task.ID, &api.TaskOutput{Result: "three places"})
	}()

	start := time.Now()
	outcome, err := r.d.AwaitCompletion(ctx, task.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("outcome = %+v", outcome)
	}
	if res, _ := outcome.Result.(string); res != "three places" {
		t.Fatalf("result = %v", outcome.Result)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("wait took %v; completion future not signaled", elapsed)
	}
}

func TestAwaitCompletionTimeoutLeavesTaskUntouched(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.saveWorkflow(t, "wf-1")
	r.addAgent("agent-1", "search")

	task, err := r.d.CreateAndDispatch(ctx, CreateTaskRequest{
		WorkflowID: "wf-1",
		AgentType:  "search",
		Action:     "find_places",
	})
	if err != nil {
		t.Fatalf("CreateAndDispatch: %v", err)
	}

	outcome, err := r.d.AwaitCompletion(ctx, task.ID, 100*time.Millisecond)
	if !errors.Is(err, api.ErrTaskTimeout) {
		t.Fatalf("err = %v, want ErrTaskTimeout", err)
	}
	if outcome.Success || outcome.Error == nil || outcome.Error.Code != api.CodeTimeout {
		t.Fatalf("outcome = %+v", outcome)
	}

	// Timing out the wait is not a cancellation.
	if got := r.mustGetTask(t, task.ID); got.Status != api.StatusRunning {
		t.Fatalf("status = %s, want RUNNING", got.Status)
	}
}

func TestAwaitCompletionAlreadyTerminal(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.saveWorkflow(t, "wf-1")
	r.addAgent("agent-1", "search")

	task, err := r.d.CreateAndDispatch(ctx, CreateTaskRequest{
		WorkflowID: "wf-1",
		AgentType:  "search",
		Action:     "find_places",
	})
	if err != nil {
		t.Fatalf("CreateAndDispatch: %v", err)
	}
	if err := r.d.Fail(ctx, task.ID, &api.TaskError{Message: "boom", Code: api.CodeAgentError}); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	outcome, err := r.d.AwaitCompletion(ctx, task.ID, time.Second)
	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}
	if outcome.Success || outcome.Error == nil || outcome.Error.Message != "boom" {
		t.Fatalf("outcome = %+v", outcome)
	}
}

func TestCancel(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.saveWorkflow(t, "wf-1")

	// No agent: the task parks in PENDING.
	task, _ := r.d.CreateAndDispatch(ctx, CreateTaskRequest{
		WorkflowID: "wf-1",
		AgentType:  "search",
		Action:     "find_places",
	})

	ok, err := r.d.Cancel(ctx, task.ID, "user gave up")
	if err != nil || !ok {
		t.Fatalf("Cancel: ok=%v err=%v", ok, err)
	}

	got := r.mustGetTask(t, task.ID)
	if got.Status != api.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Error == nil || got.Error.Code != api.CodeCancelled || got.Error.Message != "user gave up" {
		t.Fatalf("error = %+v", got.Error)
	}

	// Cancelling a terminal task is a no-op.
	ok, err = r.d.Cancel(ctx, task.ID, "again")
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if ok {
		t.Fatal("terminal task reported as cancelled again")
	}
}

func TestCompleteIgnoresLateWrite(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	r.saveWorkflow(t, "wf-1")
	r.addAgent("agent-1", "search")

	task, err := r.d.CreateAndDispatch(ctx, CreateTaskRequest{
		WorkflowID: "wf-1",
		AgentType:  "search",
		Action:     "find_places",
	})
	if err != nil {
		t.Fatalf("CreateAndDispatch: %v", err)
	}
	if _, err := r.d.Cancel(ctx, task.ID, "recovery timeout"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// A result arriving after cancellation is dropped.
	if err := r.d.Complete(ctx, task.ID, &api.TaskOutput{Result: "late"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got := r.mustGetTask(t, task.ID)
	if got.Status != api.StatusCancelled || got.Output != nil {
		t.Fatalf("late write mutated terminal task: %+v", got)
	}
}

func TestRunResultsConsumesAndDedupes(t *testing.T) {
	r := newTestRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.saveWorkflow(t, "wf-1")
	r.addAgent("agent-1", "search")

	task, err := r.d.CreateAndDispatch(ctx, CreateTaskRequest{
		WorkflowID: "wf-1",
		AgentType:  "search",
		Action:     "find_places",
	})
	if err != nil {
		t.Fatalf("CreateAndDispatch: %v", err)
	}

	go func() { _ = r.d.RunResults(ctx) }()
	// Give the consumer a moment to subscribe.
	time.Sleep(20 * time.Millisecond)

	env := api.Envelope{
		ID:        "env-1",
		Type:      api.EnvelopeTaskResult,
		TaskID:    task.ID,
		Status:    api.StatusCompleted,
		Output:    &api.TaskOutput{Result: "done"},
		Timestamp: time.Now().UTC(),
	}
	for i := 0; i < 2; i++ {
		if err := bus.PublishJSON(ctx, r.bus, bus.ResultChannel, env); err != nil {
			t.Fatalf("PublishJSON: %v", err)
		}
	}

	waitForStatus(t, r, task.ID, api.StatusCompleted)
	got := r.mustGetTask(t, task.ID)
	if got.Output == nil {
		t.Fatal("output not persisted")
	}
	if res, _ := got.Output.Result.(string); res != "done" {
		t.Fatalf("result = %v", got.Output.Result)
	}
}
