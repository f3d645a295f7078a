package store

import (
	"context"
	"sync"
	"time"

	"github.com/stewardhq/steward/pkg/api"
)

// InMemoryStore is a goroutine-safe Store backed by maps. It is intended
// for tests and single-process deployments.
type InMemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*api.Workflow
	tasks     map[string]*api.Task
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workflows: make(map[string]*api.Workflow),
		tasks:     make(map[string]*api.Task),
	}
}

// Ensure InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveWorkflow(ctx context.Context, wf *api.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflows[wf.ID] = wf.Clone()
	return nil
}

func (s *InMemoryStore) UpdateWorkflow(ctx context.Context, wf *api.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[wf.ID]; !ok {
		return ErrWorkflowNotFound
	}
	s.workflows[wf.ID] = wf.Clone()
	return nil
}

func (s *InMemoryStore) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return wf.Clone(), nil
}

func (s *InMemoryStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*api.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Workflow
	for _, wf := range s.workflows {
		if !matchWorkflow(wf, filter) {
			continue
		}
		result = append(result, wf.Clone())
	}
	return result, nil
}

func matchWorkflow(wf *api.Workflow, filter WorkflowFilter) bool {
	if filter.Type != "" && wf.Type != filter.Type {
		return false
	}
	if filter.Status != "" && wf.Status != filter.Status {
		return false
	}
	if !filter.StartedBefore.IsZero() {
		if wf.StartedAt.IsZero() || !wf.StartedAt.Before(filter.StartedBefore) {
			return false
		}
	}
	return true
}

func (s *InMemoryStore) AppendStep(ctx context.Context, workflowID string, step api.StepRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return ErrWorkflowNotFound
	}
	wf.Steps = append(wf.Steps, step)
	return nil
}

func (s *InMemoryStore) SaveTask(ctx context.Context, t *api.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *InMemoryStore) UpdateTask(ctx context.Context, t *api.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.ID]; !ok {
		return ErrTaskNotFound
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *InMemoryStore) GetTask(ctx context.Context, id string) (*api.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (s *InMemoryStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*api.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Task
	for _, t := range s.tasks {
		if filter.WorkflowID != "" && t.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.AgentType != "" && t.AgentType != filter.AgentType {
			continue
		}
		result = append(result, t.Clone())
	}
	return result, nil
}

func (s *InMemoryStore) SwapTaskStatus(ctx context.Context, id string, from, to api.Status, mutate func(*api.Task)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false, ErrTaskNotFound
	}
	if t.Status != from {
		return false, nil
	}

	updated := t.Clone()
	updated.Status = to
	if mutate != nil {
		mutate(updated)
	}
	s.tasks[id] = updated
	return true, nil
}

func (s *InMemoryStore) SwapWorkflowStatus(ctx context.Context, id string, from, to api.Status, mutate func(*api.Workflow)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return false, ErrWorkflowNotFound
	}
	if wf.Status != from {
		return false, nil
	}

	updated := wf.Clone()
	updated.Status = to
	if mutate != nil {
		mutate(updated)
	}
	s.workflows[id] = updated
	return true, nil
}

func (s *InMemoryStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, wf := range s.workflows {
		if !wf.Status.IsTerminal() || wf.CompletedAt.IsZero() || !wf.CompletedAt.Before(cutoff) {
			continue
		}
		delete(s.workflows, id)
		removed++
		for tid, t := range s.tasks {
			if t.WorkflowID == id {
				delete(s.tasks, tid)
			}
		}
	}
	// Tasks whose parent workflow is gone are removed with it.
	for tid, t := range s.tasks {
		if _, ok := s.workflows[t.WorkflowID]; !ok {
			delete(s.tasks, tid)
		}
	}
	return removed, nil
}
