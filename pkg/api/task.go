package api

import (
	"encoding/gob"
	"time"
)

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// TaskInput is the opaque payload handed to a capability agent.
type TaskInput struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// TaskOutput is the opaque result written by a capability agent on success.
type TaskOutput struct {
	Result   any            `json:"result"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskError describes a terminal task failure. Retryable signals whether
// the monitor may redispatch after cancelling the task.
type TaskError struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

func (e *TaskError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Task is one dispatched unit of work delegated to a capability agent.
type Task struct {
	ID         string
	WorkflowID string
	SessionID  string
	UserID     string

	// AgentType selects the assignment channel; AgentID is bound at
	// dispatch time and is a weak reference (the registry may evict the
	// agent without invalidating this record).
	AgentType string
	AgentID   string

	Name   string
	Input  TaskInput
	Output *TaskOutput
	Error  *TaskError

	// DependsOn lists task ids that must reach COMPLETED before this
	// task may leave PENDING.
	DependsOn []string

	Status   Status
	Priority int
	Timeout  time.Duration

	RetryCount int
	MaxRetries int

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// Duration reports how long the task ran. It is defined only once both the
// started and completed timestamps are set.
func (t *Task) Duration() (time.Duration, bool) {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0, false
	}
	return t.CompletedAt.Sub(t.StartedAt), true
}

// Clone returns a copy safe to hand out across goroutines.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	if t.Output != nil {
		o := *t.Output
		c.Output = &o
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}

// Outcome is the result of waiting on a task: either a successful result
// or the error that terminated it.
type Outcome struct {
	Success bool
	Result  any
	Error   *TaskError
}
