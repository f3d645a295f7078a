package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stewardhq/steward/internal/bus"
	"github.com/stewardhq/steward/internal/dispatch"
	"github.com/stewardhq/steward/internal/registry"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/pkg/api"
)

type engineRig struct {
	store store.Store
	bus   *bus.InMemoryBus
	d     *dispatch.Dispatcher
	e     *Engine
}

func newEngineRig(t *testing.T) *engineRig {
	t.Helper()
	st := store.NewInMemoryStore()
	b := bus.NewInMemoryBus(32)
	reg := registry.New(registry.Config{Ceiling: 5})
	for _, agentType := range []string{AgentTypeSearch, AgentTypeCall, AgentTypeBooking} {
		reg.Ingest(api.Heartbeat{
			AgentID:   agentType + "-1",
			AgentType: agentType,
			State:     api.AgentIdle,
			Timestamp: time.Now().UTC(),
		})
	}
	d := dispatch.New(st, b, reg, dispatch.Config{PollInterval: 10 * time.Millisecond})
	e := New(st, d, bus.NewNotifier(b), Config{})
	return &engineRig{store: st, bus: b, d: d, e: e}
}

// runCompleter finishes every RUNNING task it sees. Tasks whose action is
// in failActions are failed instead.
func (r *engineRig) runCompleter(ctx context.Context, failActions ...string) {
	fail := make(map[string]bool, len(failActions))
	for _, a := range failActions {
		fail[a] = true
	}
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tasks, err := r.store.ListTasks(ctx, store.TaskFilter{Status: api.StatusRunning})
				if err != nil {
					continue
				}
				for _, task := range tasks {
					if fail[task.Input.Action] {
						_ = r.d.Fail(ctx, task.ID, &api.TaskError{
							Message: task.Input.Action + " went wrong",
							Code:    api.CodeAgentError,
						})
						continue
					}
					_ = r.d.Complete(ctx, task.ID, &api.TaskOutput{Result: task.Input.Action + " ok"})
				}
			}
		}
	}()
}

func (r *engineRig) waitForWorkflow(t *testing.T, id string, want api.Status) *api.Workflow {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		wf, err := r.store.GetWorkflow(context.Background(), id)
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		if wf.Status == want {
			return wf
		}
		time.Sleep(10 * time.Millisecond)
	}
	wf, _ := r.store.GetWorkflow(context.Background(), id)
	t.Fatalf("workflow never reached %s (now %s)", want, wf.Status)
	return nil
}

func recvNotification(t *testing.T, ch <-chan []byte) api.Notification {
	t.Helper()
	select {
	case payload := <-ch:
		var n api.Notification
		if err := json.Unmarshal(payload, &n); err != nil {
			t.Fatalf("unmarshal notification: %v", err)
		}
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		return api.Notification{}
	}
}

func TestCreateRunsAllStages(t *testing.T) {
	r := newEngineRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.runCompleter(ctx)

	events, err := r.bus.Subscribe(ctx, bus.SessionChannel("session-1"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	wf, err := r.e.Create(ctx, CreateRequest{
		Type:      api.WorkflowRestaurantReservation,
		Title:     "Dinner at Luigi's",
		SessionID: "session-1",
		UserID:    "user-1",
		Context: map[string]any{
			"date": "2026-09-01", "time": "19:30", "party_size": 4,
			"customer_phone": "+1 415 555 0123",
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if wf.Status != api.StatusRunning {
		t.Fatalf("created status = %s", wf.Status)
	}

	done := r.waitForWorkflow(t, wf.ID, api.StatusCompleted)

	// One task per stage, each step recorded, stages chained by deps.
	if len(done.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(done.Steps))
	}
	if len(done.Steps[0].DependsOn) != 0 {
		t.Fatalf("first stage has deps: %v", done.Steps[0].DependsOn)
	}
	for i := 1; i < 3; i++ {
		if len(done.Steps[i].DependsOn) != 1 || done.Steps[i].DependsOn[0] != done.Steps[i-1].TaskID {
			t.Fatalf("stage %d deps = %v", i, done.Steps[i].DependsOn)
		}
	}

	for _, name := range []string{"search_restaurant", "place_call", "confirm_booking"} {
		res, ok := done.Result[name].(string)
		if !ok || !strings.HasSuffix(res, " ok") {
			t.Fatalf("result[%s] = %v", name, done.Result[name])
		}
	}

	started := recvNotification(t, events)
	if started.Type != api.NotificationWorkflowStarted || started.WorkflowID != wf.ID {
		t.Fatalf("first event = %+v", started)
	}
	completed := recvNotification(t, events)
	if completed.Type != api.NotificationWorkflowCompleted {
		t.Fatalf("second event = %+v", completed)
	}
	if completed.Result == nil || completed.Error != nil {
		t.Fatalf("completion event payload = %+v", completed)
	}
}

func TestCreateFailsFast(t *testing.T) {
	r := newEngineRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.runCompleter(ctx, "place_call")

	events, err := r.bus.Subscribe(ctx, bus.SessionChannel("session-1"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	wf, err := r.e.Create(ctx, CreateRequest{
		Type:      api.WorkflowAppointmentBooking,
		SessionID: "session-1",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	failed := r.waitForWorkflow(t, wf.ID, api.StatusFailed)
	if failed.Error == nil || failed.Error.Code != api.CodeAgentError {
		t.Fatalf("workflow error = %+v", failed.Error)
	}

	// Fail-fast: the booking stage never ran.
	tasks, err := r.store.ListTasks(ctx, store.TaskFilter{WorkflowID: wf.ID})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2 (fail-fast)", len(tasks))
	}

	// Exactly one terminal notification.
	started := recvNotification(t, events)
	if started.Type != api.NotificationWorkflowStarted {
		t.Fatalf("first event = %+v", started)
	}
	terminal := recvNotification(t, events)
	if terminal.Type != api.NotificationWorkflowFailed || terminal.Error == nil {
		t.Fatalf("terminal event = %+v", terminal)
	}
	select {
	case payload := <-events:
		t.Fatalf("extra notification: %s", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCreateValidation(t *testing.T) {
	r := newEngineRig(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"unknown type", CreateRequest{Type: "road_trip", SessionID: "s"}},
		{"missing session", CreateRequest{Type: api.WorkflowGeneralQuery}},
		{"priority out of range", CreateRequest{Type: api.WorkflowGeneralQuery, SessionID: "s", Priority: 99}},
		{"bad phone", CreateRequest{
			Type:      api.WorkflowGeneralQuery,
			SessionID: "s",
			Context:   map[string]any{"customer_phone": "555-0123"},
		}},
	}
	for _, tc := range cases {
		if _, err := r.e.Create(ctx, tc.req); !api.IsValidation(err) {
			t.Fatalf("%s: got %v, want ValidationError", tc.name, err)
		}
	}
}

func TestDerivePriority(t *testing.T) {
	r := newEngineRig(t)
	fixed := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	r.e.now = func() time.Time { return fixed }

	cases := []struct {
		name string
		req  CreateRequest
		want int
	}{
		{"base for general query", CreateRequest{Type: api.WorkflowGeneralQuery}, 3},
		{"base for reservation", CreateRequest{Type: api.WorkflowRestaurantReservation}, 5},
		{"base for appointment", CreateRequest{Type: api.WorkflowAppointmentBooking}, 6},
		{"explicit priority wins", CreateRequest{Type: api.WorkflowGeneralQuery, Priority: 8}, 8},
		{"urgent request escalates", CreateRequest{
			Type:    api.WorkflowRestaurantReservation,
			Context: map[string]any{"date": "2026-08-29", "time": "13:30"},
		}, 10},
		{"time today without date", CreateRequest{
			Type:    api.WorkflowRestaurantReservation,
			Context: map[string]any{"time": "14:00"},
		}, 10},
		{"distant request keeps base", CreateRequest{
			Type:    api.WorkflowRestaurantReservation,
			Context: map[string]any{"date": "2026-09-15", "time": "19:00"},
		}, 5},
		{"past request keeps base", CreateRequest{
			Type:    api.WorkflowRestaurantReservation,
			Context: map[string]any{"date": "2026-08-29", "time": "09:00"},
		}, 5},
	}
	for _, tc := range cases {
		if got := r.e.derivePriority(tc.req); got != tc.want {
			t.Fatalf("%s: got %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestValidPhone(t *testing.T) {
	cases := []struct {
		phone string
		want  bool
	}{
		{"+1 415 555 0123", true},
		{"4155550123", true},
		{"(415) 555-0123", true},
		{"555-0123", false},       // too short
		{"+12345678901234567", false}, // too long
		{"415555abcd", false},     // letters
	}
	for _, tc := range cases {
		if got := validPhone(tc.phone); got != tc.want {
			t.Fatalf("validPhone(%q) = %v, want %v", tc.phone, got, tc.want)
		}
	}
}

func TestStages(t *testing.T) {
	got := Stages(api.WorkflowAppointmentBooking)
	want := []string{"find_places", "place_call", "confirm_booking"}
	if len(got) != len(want) {
		t.Fatalf("stages = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stages = %v, want %v", got, want)
		}
	}
	if Stages("road_trip") != nil {
		t.Fatal("unknown type returned stages")
	}
}
