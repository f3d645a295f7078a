package api

import (
	"time"
)

// Status represents the lifecycle state shared by workflows and tasks.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether s is a terminal status. Records in a terminal
// status never mutate again, apart from retention metadata.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the move from -> to is allowed by the
// shared state machine:
//
//	PENDING -> RUNNING -> {COMPLETED | FAILED}
//	PENDING | RUNNING -> CANCELLED
//
// The single exception, RUNNING -> PENDING, is reserved for task retries
// driven by the monitor and is permitted here for that reason.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled || to == StatusPending
	}
	return false
}

// WorkflowType identifies the stage sequence a workflow runs through.
type WorkflowType string

const (
	WorkflowAppointmentBooking    WorkflowType = "appointment_booking"
	WorkflowRestaurantReservation WorkflowType = "restaurant_reservation"
	WorkflowGeneralQuery          WorkflowType = "general_query"
)

// StepRef is an append-only descriptor of one dispatched stage of a
// workflow. It records which task ran the stage, the input snapshot it was
// given, and the ids of the tasks it depended on.
type StepRef struct {
	TaskID    string
	AgentType string
	Input     TaskInput
	DependsOn []string
}

// Workflow is a durable record of one end-to-end multi-step process.
type Workflow struct {
	ID        string
	Type      WorkflowType
	Status    Status
	Priority  int
	Title     string
	SessionID string
	UserID    string

	// Steps is the ordered, append-only list of stage descriptors.
	Steps []StepRef

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	// Result holds the aggregated stage outputs once the workflow
	// completes. Error is set instead when it fails.
	Result map[string]any
	Error  *TaskError
}

// Clone returns a deep-enough copy for handing records across goroutine
// boundaries without aliasing the store's copy.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	c := *w
	c.Steps = append([]StepRef(nil), w.Steps...)
	if w.Result != nil {
		c.Result = make(map[string]any, len(w.Result))
		for k, v := range w.Result {
			c.Result[k] = v
		}
	}
	if w.Error != nil {
		e := *w.Error
		c.Error = &e
	}
	return &c
}
