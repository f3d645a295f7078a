// Package agent provides a Runner that implements the capability-agent
// side of the bus contract: it consumes assignment envelopes for its
// agent type, executes a handler, publishes terminal task results, and
// broadcasts periodic heartbeats so the registry can see it.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/bus"
	"github.com/stewardhq/steward/pkg/api"
)

// Handler executes one assigned task. Returning a TaskError fails the
// task terminally; its Retryable flag tells the monitor whether a retry
// could help.
type Handler func(ctx context.Context, input api.TaskInput) (*api.TaskOutput, *api.TaskError)

// Config describes one agent runner.
type Config struct {
	// ID identifies this agent instance. Default "<type>-<uuid>".
	ID string

	// Type is the capability this agent serves. Required.
	Type string

	// Handler executes assigned tasks. Required.
	Handler Handler

	// HeartbeatInterval between liveness broadcasts. Default 30 seconds.
	HeartbeatInterval time.Duration

	// Concurrency bounds parallel task execution. Default 5.
	Concurrency int

	Logger *slog.Logger
}

// Runner consumes assignments for one agent type and reports liveness.
type Runner struct {
	id        string
	agentType string
	handler   Handler
	bus       bus.Bus

	hbInterval time.Duration
	sem        chan struct{}
	active     atomic.Int64
	dedup      *bus.Deduper
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// New creates a Runner over the given bus.
func New(b bus.Bus, cfg Config) (*Runner, error) {
	if cfg.Type == "" {
		return nil, errors.New("agent: type is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("agent: handler is required")
	}
	if cfg.ID == "" {
		cfg.ID = cfg.Type + "-" + uuid.NewString()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		id:         cfg.ID,
		agentType:  cfg.Type,
		handler:    cfg.Handler,
		bus:        b,
		hbInterval: cfg.HeartbeatInterval,
		sem:        make(chan struct{}, cfg.Concurrency),
		dedup:      bus.NewDeduper(1024),
		logger:     cfg.Logger.With(slog.String("agent_id", cfg.ID)),
	}, nil
}

// ID returns the runner's agent id.
func (r *Runner) ID() string { return r.id }

// Run consumes assignments and emits heartbeats until ctx is cancelled.
// On shutdown it waits for in-flight tasks and broadcasts a final offline
// heartbeat.
func (r *Runner) Run(ctx context.Context) error {
	assignments, err := r.bus.Subscribe(ctx, bus.AssignmentChannel(r.agentType))
	if err != nil {
		return fmt.Errorf("subscribing assignments: %w", err)
	}

	r.heartbeat(ctx)
	ticker := time.NewTicker(r.hbInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			r.goodbye()
			return ctx.Err()

		case <-ticker.C:
			r.heartbeat(ctx)

		case payload, ok := <-assignments:
			if !ok {
				r.wg.Wait()
				r.goodbye()
				return ctx.Err()
			}
			r.handle(ctx, payload)
		}
	}
}

func (r *Runner) handle(ctx context.Context, payload []byte) {
	var env api.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.logger.Warn("malformed assignment dropped", slog.Any("error", err))
		return
	}
	if env.Type != api.EnvelopeTaskAssignment || env.TaskID == "" || env.TaskData == nil {
		return
	}
	if r.dedup.Seen(env.ID) {
		return
	}

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()
		r.execute(ctx, env)
	}()
}

func (r *Runner) execute(ctx context.Context, env api.Envelope) {
	r.active.Add(1)
	defer r.active.Add(-1)

	output, terr := r.handler(ctx, *env.TaskData)

	result := api.Envelope{
		ID:         uuid.NewString(),
		Type:       api.EnvelopeTaskResult,
		TaskID:     env.TaskID,
		WorkflowID: env.WorkflowID,
		SessionID:  env.SessionID,
		From:       r.id,
		Timestamp:  time.Now().UTC(),
	}
	if terr != nil {
		result.Status = api.StatusFailed
		result.Error = terr
	} else {
		result.Status = api.StatusCompleted
		result.Output = output
	}

	if err := bus.PublishJSON(ctx, r.bus, bus.ResultChannel, result); err != nil {
		r.logger.Error("result publish failed",
			slog.String("task_id", env.TaskID),
			slog.Any("error", err),
		)
	}
}

func (r *Runner) heartbeat(ctx context.Context) {
	state := api.AgentIdle
	if r.active.Load() > 0 {
		state = api.AgentWorking
	}
	r.publishHeartbeat(ctx, state)
}

// goodbye broadcasts an offline heartbeat so the registry drops this
// agent immediately instead of waiting for staleness.
func (r *Runner) goodbye() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.publishHeartbeat(ctx, api.AgentOffline)
}

func (r *Runner) publishHeartbeat(ctx context.Context, state api.AgentState) {
	hb := api.Heartbeat{
		AgentID:     r.id,
		AgentType:   r.agentType,
		State:       state,
		ActiveTasks: int(r.active.Load()),
		Timestamp:   time.Now().UTC(),
	}
	if err := bus.PublishJSON(ctx, r.bus, bus.HeartbeatChannel, hb); err != nil {
		r.logger.Warn("heartbeat publish failed", slog.Any("error", err))
	}
}
