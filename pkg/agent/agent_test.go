package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/bus"
	"github.com/stewardhq/steward/pkg/api"
)

func recvJSON[T any](t *testing.T, ch <-chan []byte) T {
	t.Helper()
	var v T
	select {
	case payload := <-ch:
		if err := json.Unmarshal(payload, &v); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return v
	}
}

func assignment(taskID, action string) api.Envelope {
	return api.Envelope{
		ID:        uuid.NewString(),
		Type:      api.EnvelopeTaskAssignment,
		TaskID:    taskID,
		TaskData:  &api.TaskInput{Action: action},
		Timestamp: time.Now().UTC(),
	}
}

func TestRunnerValidatesConfig(t *testing.T) {
	b := bus.NewInMemoryBus(8)
	if _, err := New(b, Config{Handler: func(context.Context, api.TaskInput) (*api.TaskOutput, *api.TaskError) {
		return nil, nil
	}}); err == nil {
		t.Fatal("missing type accepted")
	}
	if _, err := New(b, Config{Type: "search"}); err == nil {
		t.Fatal("missing handler accepted")
	}
}

func TestRunnerExecutesAssignment(t *testing.T) {
	b := bus.NewInMemoryBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, err := New(b, Config{
		Type: "search",
		Handler: func(_ context.Context, input api.TaskInput) (*api.TaskOutput, *api.TaskError) {
			return &api.TaskOutput{Result: input.Action + " done"}, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results, err := b.Subscribe(ctx, bus.ResultChannel)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	go func() { _ = r.Run(ctx) }()
	time.Sleep(20 * time.Millisecond) // let the runner subscribe

	if err := bus.PublishJSON(ctx, b, bus.AssignmentChannel("search"), assignment("t-1", "find_places")); err != nil {
		t.Fatalf("PublishJSON: %v", err)
	}

	env := recvJSON[api.Envelope](t, results)
	if env.Type != api.EnvelopeTaskResult || env.TaskID != "t-1" {
		t.Fatalf("result envelope = %+v", env)
	}
	if env.Status != api.StatusCompleted || env.Output == nil {
		t.Fatalf("result envelope = %+v", env)
	}
	if res, _ := env.Output.Result.(string); res != "find_places done" {
		t.Fatalf("result = %v", env.Output.Result)
	}
	if env.From != r.ID() {
		t.Fatalf("from = %q, want %q", env.From, r.ID())
	}
}

func TestRunnerReportsHandlerFailure(t *testing.T) {
	b := bus.NewInMemoryBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, err := New(b, Config{
		Type: "call",
		Handler: func(context.Context, api.TaskInput) (*api.TaskOutput, *api.TaskError) {
			return nil, &api.TaskError{Message: "line busy", Code: api.CodeAgentError, Retryable: true}
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results, err := b.Subscribe(ctx, bus.ResultChannel)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	go func() { _ = r.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	if err := bus.PublishJSON(ctx, b, bus.AssignmentChannel("call"), assignment("t-1", "place_call")); err != nil {
		t.Fatalf("PublishJSON: %v", err)
	}

	env := recvJSON[api.Envelope](t, results)
	if env.Status != api.StatusFailed || env.Error == nil {
		t.Fatalf("result envelope = %+v", env)
	}
	if env.Error.Message != "line busy" || !env.Error.Retryable {
		t.Fatalf("error = %+v", env.Error)
	}
}

func TestRunnerDeduplicatesAssignments(t *testing.T) {
	b := bus.NewInMemoryBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	r, err := New(b, Config{
		Type: "search",
		Handler: func(context.Context, api.TaskInput) (*api.TaskOutput, *api.TaskError) {
			calls.Add(1)
			return &api.TaskOutput{Result: "ok"}, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results, err := b.Subscribe(ctx, bus.ResultChannel)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	go func() { _ = r.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	env := assignment("t-1", "find_places")
	for i := 0; i < 3; i++ {
		if err := bus.PublishJSON(ctx, b, bus.AssignmentChannel("search"), env); err != nil {
			t.Fatalf("PublishJSON: %v", err)
		}
	}

	recvJSON[api.Envelope](t, results)
	select {
	case payload := <-results:
		t.Fatalf("duplicate assignment executed: %s", payload)
	case <-time.After(100 * time.Millisecond):
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
}

func TestRunnerHeartbeats(t *testing.T) {
	b := bus.NewInMemoryBus(8)
	ctx, cancel := context.WithCancel(context.Background())

	r, err := New(b, Config{
		ID:                "search-1",
		Type:              "search",
		HeartbeatInterval: 20 * time.Millisecond,
		Handler: func(context.Context, api.TaskInput) (*api.TaskOutput, *api.TaskError) {
			return &api.TaskOutput{}, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	beats, err := b.Subscribe(context.Background(), bus.HeartbeatChannel)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx) }()

	hb := recvJSON[api.Heartbeat](t, beats)
	if hb.AgentID != "search-1" || hb.AgentType != "search" {
		t.Fatalf("heartbeat = %+v", hb)
	}
	if hb.State != api.AgentIdle {
		t.Fatalf("state = %s, want idle", hb.State)
	}

	// Shutdown broadcasts a final offline heartbeat.
	cancel()
	if err := <-runErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case payload := <-beats:
			var hb api.Heartbeat
			if err := json.Unmarshal(payload, &hb); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if hb.State == api.AgentOffline {
				return
			}
		case <-deadline:
			t.Fatal("no offline heartbeat on shutdown")
		}
	}
}
