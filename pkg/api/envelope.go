package api

import "time"

// Envelope types published on assignment and result channels.
const (
	EnvelopeTaskAssignment = "task_assignment"
	EnvelopeTaskResult     = "task_result"
)

// Envelope is the wire format for task traffic on the message bus.
// Delivery is at-most-once and unordered; subscribers deduplicate on ID.
//
// Assignment envelopes carry TaskData; result envelopes carry Status plus
// Output or Error.
type Envelope struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	TaskID     string      `json:"taskId,omitempty"`
	TaskData   *TaskInput  `json:"taskData,omitempty"`
	WorkflowID string      `json:"workflowId,omitempty"`
	SessionID  string      `json:"sessionId,omitempty"`
	Priority   int         `json:"priority,omitempty"`
	From       string      `json:"from,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Status     Status      `json:"status,omitempty"`
	Output     *TaskOutput `json:"output,omitempty"`
	Error      *TaskError  `json:"error,omitempty"`
}

// Notification event types delivered on session channels.
const (
	NotificationWorkflowStarted   = "workflow_started"
	NotificationWorkflowCompleted = "workflow_completed"
	NotificationWorkflowFailed    = "workflow_failed"
)

// Notification is the session-scoped event emitted for every workflow
// lifecycle transition the user should see. Each terminal workflow state
// produces exactly one of these.
type Notification struct {
	Type       string     `json:"type"`
	WorkflowID string     `json:"workflowId"`
	Message    string     `json:"message"`
	Result     any        `json:"result,omitempty"`
	Error      *TaskError `json:"error,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}
