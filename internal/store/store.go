package store

import (
	"context"
	"errors"
	"time"

	"github.com/stewardhq/steward/pkg/api"
)

var (
	// ErrWorkflowNotFound is returned when a workflow record is not found.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrTaskNotFound is returned when a task record is not found.
	ErrTaskNotFound = errors.New("task not found")
)

// WorkflowFilter selects workflow records. Zero values mean "no filter"
// for that field.
type WorkflowFilter struct {
	Type   api.WorkflowType
	Status api.Status

	// StartedBefore, if non-zero, limits results to workflows whose
	// StartedAt is set and older than the given instant. The monitor uses
	// it to find stuck work.
	StartedBefore time.Time
}

// TaskFilter selects task records. Zero values mean "no filter".
type TaskFilter struct {
	WorkflowID string
	Status     api.Status
	AgentType  string
}

// Store is the durable, atomically-updatable source of truth for workflow
// and task records.
//
// The conditional Swap operations exist to prevent double-dispatch races
// when multiple dispatcher instances run concurrently: a transition is
// applied only if the record is currently in the expected status, and the
// mutate callback runs inside that same atomic step.
type Store interface {
	SaveWorkflow(ctx context.Context, wf *api.Workflow) error
	UpdateWorkflow(ctx context.Context, wf *api.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*api.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*api.Workflow, error)

	// AppendStep appends a stage descriptor to the workflow's ordered,
	// append-only step list.
	AppendStep(ctx context.Context, workflowID string, step api.StepRef) error

	SaveTask(ctx context.Context, t *api.Task) error
	UpdateTask(ctx context.Context, t *api.Task) error
	GetTask(ctx context.Context, id string) (*api.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*api.Task, error)

	// SwapTaskStatus atomically moves a task from -> to and applies mutate
	// to the record in the same step. It returns swapped=false (and no
	// error) when the task is not currently in 'from'.
	SwapTaskStatus(ctx context.Context, id string, from, to api.Status, mutate func(*api.Task)) (bool, error)

	// SwapWorkflowStatus is the workflow counterpart of SwapTaskStatus.
	SwapWorkflowStatus(ctx context.Context, id string, from, to api.Status, mutate func(*api.Workflow)) (bool, error)

	// PurgeTerminal deletes terminal workflow and task records whose
	// completion timestamp is older than the cutoff. It returns the number
	// of workflows removed.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error)
}
