// Package registry maintains the in-memory, eventually-consistent view of
// capability agent liveness. It is rebuilt continuously from heartbeat
// broadcasts; staleness is tolerated by design, so no operation here ever
// touches durable state.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/stewardhq/steward/internal/bus"
	"github.com/stewardhq/steward/pkg/api"
)

// RestartFunc is the process-lifecycle hook invoked for agents whose
// heartbeats have gone past the hard staleness threshold. Restarting is
// delegated to an external collaborator; the registry only detects.
type RestartFunc func(ctx context.Context, agentID, agentType string) error

// Config controls registry behavior. Zero values fall back to defaults.
type Config struct {
	// Ceiling is the per-agent concurrent task limit used by Available.
	Ceiling int

	// WarnAfter is the heartbeat age after which an agent is logged as
	// stale. Default 2 minutes.
	WarnAfter time.Duration

	// RestartAfter is the heartbeat age after which Restart is invoked.
	// Default 5 minutes.
	RestartAfter time.Duration

	// Restart, if set, is called for agents past RestartAfter.
	Restart RestartFunc

	Logger *slog.Logger
}

const defaultCeiling = 5

// Registry is the agent liveness cache. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*api.Agent

	ceiling      int
	warnAfter    time.Duration
	restartAfter time.Duration
	restart      RestartFunc
	logger       *slog.Logger

	now func() time.Time
}

// New creates a Registry with the given config.
func New(cfg Config) *Registry {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = defaultCeiling
	}
	if cfg.WarnAfter <= 0 {
		cfg.WarnAfter = 2 * time.Minute
	}
	if cfg.RestartAfter <= 0 {
		cfg.RestartAfter = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		agents:       make(map[string]*api.Agent),
		ceiling:      cfg.Ceiling,
		warnAfter:    cfg.WarnAfter,
		restartAfter: cfg.RestartAfter,
		restart:      cfg.Restart,
		logger:       cfg.Logger,
		now:          time.Now,
	}
}

// Ceiling returns the per-agent concurrency limit.
func (r *Registry) Ceiling() int { return r.ceiling }

// Ingest upserts the registry entry for the heartbeat's agent. Ingesting
// the same heartbeat twice leaves the entry unchanged.
func (r *Registry) Ingest(hb api.Heartbeat) {
	if hb.AgentID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.agents[hb.AgentID] = &api.Agent{
		ID:            hb.AgentID,
		Type:          hb.AgentType,
		State:         hb.State,
		ActiveTasks:   hb.ActiveTasks,
		LastHeartbeat: r.now(),
	}
}

// Available returns agents of the given type that are not offline and have
// capacity for another task.
func (r *Registry) Available(agentType string) []*api.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*api.Agent
	for _, a := range r.agents {
		if a.Type != agentType {
			continue
		}
		if a.State == api.AgentOffline {
			continue
		}
		if a.ActiveTasks >= r.ceiling {
			continue
		}
		copied := *a
		out = append(out, &copied)
	}
	return out
}

// Get returns the entry for an agent id, or nil if unknown.
func (r *Registry) Get(agentID string) *api.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	copied := *a
	return &copied
}

// Snapshot returns a copy of every registry entry.
func (r *Registry) Snapshot() []*api.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*api.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		copied := *a
		out = append(out, &copied)
	}
	return out
}

// CheckStaleness walks the registry once: agents past the warn threshold
// are logged, agents past the restart threshold are evicted and handed to
// the restart hook. It returns the evicted agents.
func (r *Registry) CheckStaleness(ctx context.Context) []*api.Agent {
	now := r.now()

	r.mu.Lock()
	var warned, dead []*api.Agent
	for id, a := range r.agents {
		age := now.Sub(a.LastHeartbeat)
		switch {
		case age > r.restartAfter:
			copied := *a
			dead = append(dead, &copied)
			delete(r.agents, id)
		case age > r.warnAfter:
			copied := *a
			warned = append(warned, &copied)
		}
	}
	r.mu.Unlock()

	for _, a := range warned {
		r.logger.Warn("agent heartbeat stale",
			slog.String("agent_id", a.ID),
			slog.String("agent_type", a.Type),
			slog.Time("last_heartbeat", a.LastHeartbeat),
		)
	}
	for _, a := range dead {
		r.logger.Error("agent heartbeat lost, requesting restart",
			slog.String("agent_id", a.ID),
			slog.String("agent_type", a.Type),
			slog.Time("last_heartbeat", a.LastHeartbeat),
		)
		if r.restart != nil {
			if err := r.restart(ctx, a.ID, a.Type); err != nil {
				r.logger.Error("agent restart hook failed",
					slog.String("agent_id", a.ID),
					slog.Any("error", err),
				)
			}
		}
	}
	return dead
}

// RunIngest consumes heartbeat broadcasts from the bus until ctx is
// cancelled.
func (r *Registry) RunIngest(ctx context.Context, b bus.Bus) error {
	ch, err := b.Subscribe(ctx, bus.HeartbeatChannel)
	if err != nil {
		return err
	}

	for payload := range ch {
		var hb api.Heartbeat
		if err := json.Unmarshal(payload, &hb); err != nil {
			r.logger.Warn("malformed heartbeat dropped", slog.Any("error", err))
			continue
		}
		r.Ingest(hb)
	}
	return ctx.Err()
}

// RunStalenessSweeper runs CheckStaleness on the given interval until ctx
// is cancelled.
func (r *Registry) RunStalenessSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckStaleness(ctx)
		}
	}
}
