package store

import (
	"time"

	"github.com/stewardhq/steward/pkg/api"
)

// Timestamps are stored as int64 unix nanoseconds; 0 means "not set".

func toNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

type rowScanner interface {
	Scan(dest ...any) error
}

type workflowBlobs struct {
	steps  []byte
	result []byte
	errVal []byte
}

func encodeWorkflowBlobs(wf *api.Workflow) (workflowBlobs, error) {
	var b workflowBlobs
	var err error

	if b.steps, err = encodeValue(wf.Steps); err != nil {
		return b, err
	}
	if wf.Result != nil {
		if b.result, err = encodeValue(wf.Result); err != nil {
			return b, err
		}
	}
	if wf.Error != nil {
		if b.errVal, err = encodeValue(wf.Error); err != nil {
			return b, err
		}
	}
	return b, nil
}

func scanWorkflow(row rowScanner) (*api.Workflow, error) {
	var (
		wf                               api.Workflow
		typeStr, statusStr               string
		steps, result, errVal            []byte
		createdAt, startedAt, completedAt int64
	)

	if err := row.Scan(
		&wf.ID, &typeStr, &statusStr, &wf.Priority, &wf.Title,
		&wf.SessionID, &wf.UserID, &steps,
		&createdAt, &startedAt, &completedAt,
		&result, &errVal,
	); err != nil {
		return nil, err
	}

	wf.Type = api.WorkflowType(typeStr)
	wf.Status = api.Status(statusStr)
	wf.CreatedAt = fromNano(createdAt)
	wf.StartedAt = fromNano(startedAt)
	wf.CompletedAt = fromNano(completedAt)

	var err error
	if wf.Steps, err = decodeValue[[]api.StepRef](steps); err != nil {
		return nil, err
	}
	if wf.Result, err = decodeValue[map[string]any](result); err != nil {
		return nil, err
	}
	if len(errVal) > 0 {
		if wf.Error, err = decodeValue[*api.TaskError](errVal); err != nil {
			return nil, err
		}
	}
	return &wf, nil
}

type taskBlobs struct {
	input  []byte
	output []byte
	errVal []byte
	deps   []byte
}

func encodeTaskBlobs(t *api.Task) (taskBlobs, error) {
	var b taskBlobs
	var err error

	if b.input, err = encodeValue(t.Input); err != nil {
		return b, err
	}
	if t.Output != nil {
		if b.output, err = encodeValue(t.Output); err != nil {
			return b, err
		}
	}
	if t.Error != nil {
		if b.errVal, err = encodeValue(t.Error); err != nil {
			return b, err
		}
	}
	if len(t.DependsOn) > 0 {
		if b.deps, err = encodeValue(t.DependsOn); err != nil {
			return b, err
		}
	}
	return b, nil
}

func scanTask(row rowScanner) (*api.Task, error) {
	var (
		t                                api.Task
		statusStr                        string
		input, output, errVal, deps      []byte
		timeoutMs                        int64
		createdAt, startedAt, completedAt int64
	)

	if err := row.Scan(
		&t.ID, &t.WorkflowID, &t.SessionID, &t.UserID,
		&t.AgentType, &t.AgentID, &t.Name,
		&input, &output, &errVal, &deps,
		&statusStr, &t.Priority, &timeoutMs,
		&t.RetryCount, &t.MaxRetries,
		&createdAt, &startedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	t.Status = api.Status(statusStr)
	t.Timeout = time.Duration(timeoutMs) * time.Millisecond
	t.CreatedAt = fromNano(createdAt)
	t.StartedAt = fromNano(startedAt)
	t.CompletedAt = fromNano(completedAt)

	var err error
	if t.Input, err = decodeValue[api.TaskInput](input); err != nil {
		return nil, err
	}
	if len(output) > 0 {
		if t.Output, err = decodeValue[*api.TaskOutput](output); err != nil {
			return nil, err
		}
	}
	if len(errVal) > 0 {
		if t.Error, err = decodeValue[*api.TaskError](errVal); err != nil {
			return nil, err
		}
	}
	if t.DependsOn, err = decodeValue[[]string](deps); err != nil {
		return nil, err
	}
	return &t, nil
}
