package dispatch

import (
	"sync/atomic"

	"github.com/stewardhq/steward/pkg/api"
)

// Strategy picks one agent from the candidates the registry reported as
// available. Candidates is never empty; implementations must not mutate it.
type Strategy interface {
	Select(task *api.Task, candidates []*api.Agent) *api.Agent
}

// FirstAvailable picks the first candidate. This is the naive policy the
// dispatcher historically shipped with; it is kept as the default.
type FirstAvailable struct{}

func (FirstAvailable) Select(_ *api.Task, candidates []*api.Agent) *api.Agent {
	return candidates[0]
}

// RoundRobin rotates across candidates on successive selections.
type RoundRobin struct {
	n atomic.Uint64
}

// NewRoundRobin creates a RoundRobin strategy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (r *RoundRobin) Select(_ *api.Task, candidates []*api.Agent) *api.Agent {
	i := r.n.Add(1) - 1
	return candidates[i%uint64(len(candidates))]
}

// LeastLoaded picks the candidate with the fewest active tasks.
type LeastLoaded struct{}

func (LeastLoaded) Select(_ *api.Task, candidates []*api.Agent) *api.Agent {
	best := candidates[0]
	for _, a := range candidates[1:] {
		if a.ActiveTasks < best.ActiveTasks {
			best = a
		}
	}
	return best
}
