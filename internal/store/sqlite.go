package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/stewardhq/steward/pkg/api"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL,
			title TEXT NOT NULL,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			steps BLOB,
			created_at INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL,
			result BLOB,
			error BLOB
		);
		CREATE INDEX IF NOT EXISTS idx_workflows_sweep ON workflows (status, started_at);

		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			name TEXT NOT NULL,
			input BLOB,
			output BLOB,
			error BLOB,
			depends_on BLOB,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL,
			timeout_ms INTEGER NOT NULL,
			retry_count INTEGER NOT NULL,
			max_retries INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_workflow ON tasks (workflow_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON tasks (status, agent_type);
	`)
	return err
}

const workflowCols = `id, type, status, priority, title, session_id, user_id, steps,
	created_at, started_at, completed_at, result, error`

const taskCols = `id, workflow_id, session_id, user_id, agent_type, agent_id, name,
	input, output, error, depends_on, status, priority, timeout_ms,
	retry_count, max_retries, created_at, started_at, completed_at`

func (s *SQLiteStore) SaveWorkflow(ctx context.Context, wf *api.Workflow) error {
	b, err := encodeWorkflowBlobs(wf)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (`+workflowCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, string(wf.Type), string(wf.Status), wf.Priority, wf.Title,
		wf.SessionID, wf.UserID, b.steps,
		toNano(wf.CreatedAt), toNano(wf.StartedAt), toNano(wf.CompletedAt),
		b.result, b.errVal,
	)
	return err
}

func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, wf *api.Workflow) error {
	return s.updateWorkflowTx(ctx, s.db, wf)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) updateWorkflowTx(ctx context.Context, ex execer, wf *api.Workflow) error {
	b, err := encodeWorkflowBlobs(wf)
	if err != nil {
		return err
	}

	res, err := ex.ExecContext(ctx, `
		UPDATE workflows
		SET type = ?, status = ?, priority = ?, title = ?, session_id = ?,
		    user_id = ?, steps = ?, created_at = ?, started_at = ?,
		    completed_at = ?, result = ?, error = ?
		WHERE id = ?`,
		string(wf.Type), string(wf.Status), wf.Priority, wf.Title, wf.SessionID,
		wf.UserID, b.steps, toNano(wf.CreatedAt), toNano(wf.StartedAt),
		toNano(wf.CompletedAt), b.result, b.errVal,
		wf.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+workflowCols+` FROM workflows WHERE id = ?`, id)

	wf, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	return wf, nil
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*api.Workflow, error) {
	query := `SELECT ` + workflowCols + ` FROM workflows`
	var args []any
	var clauses []string

	if filter.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.StartedBefore.IsZero() {
		clauses = append(clauses, "started_at > 0 AND started_at < ?")
		args = append(args, filter.StartedBefore.UnixNano())
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*api.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *SQLiteStore) AppendStep(ctx context.Context, workflowID string, step api.StepRef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT steps FROM workflows WHERE id = ?`, workflowID)
	var steps []byte
	if err := row.Scan(&steps); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrWorkflowNotFound
		}
		return err
	}

	decoded, err := decodeValue[[]api.StepRef](steps)
	if err != nil {
		return err
	}
	decoded = append(decoded, step)

	encoded, err := encodeValue(decoded)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE workflows SET steps = ? WHERE id = ?`, encoded, workflowID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveTask(ctx context.Context, t *api.Task) error {
	b, err := encodeTaskBlobs(t)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkflowID, t.SessionID, t.UserID, t.AgentType, t.AgentID, t.Name,
		b.input, b.output, b.errVal, b.deps,
		string(t.Status), t.Priority, t.Timeout.Milliseconds(),
		t.RetryCount, t.MaxRetries,
		toNano(t.CreatedAt), toNano(t.StartedAt), toNano(t.CompletedAt),
	)
	return err
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, t *api.Task) error {
	return s.updateTaskTx(ctx, s.db, t, "")
}

// updateTaskTx writes all mutable task fields. When guardStatus is
// non-empty the update only applies if the row still has that status,
// which is what makes SwapTaskStatus atomic.
func (s *SQLiteStore) updateTaskTx(ctx context.Context, ex execer, t *api.Task, guardStatus api.Status) error {
	b, err := encodeTaskBlobs(t)
	if err != nil {
		return err
	}

	query := `
		UPDATE tasks
		SET workflow_id = ?, session_id = ?, user_id = ?, agent_type = ?,
		    agent_id = ?, name = ?, input = ?, output = ?, error = ?,
		    depends_on = ?, status = ?, priority = ?, timeout_ms = ?,
		    retry_count = ?, max_retries = ?, created_at = ?, started_at = ?,
		    completed_at = ?
		WHERE id = ?`
	args := []any{
		t.WorkflowID, t.SessionID, t.UserID, t.AgentType,
		t.AgentID, t.Name, b.input, b.output, b.errVal,
		b.deps, string(t.Status), t.Priority, t.Timeout.Milliseconds(),
		t.RetryCount, t.MaxRetries, toNano(t.CreatedAt), toNano(t.StartedAt),
		toNano(t.CompletedAt),
		t.ID,
	}
	if guardStatus != "" {
		query += ` AND status = ?`
		args = append(args, string(guardStatus))
	}

	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*api.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*api.Task, error) {
	query := `SELECT ` + taskCols + ` FROM tasks`
	var args []any
	var clauses []string

	if filter.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.AgentType != "" {
		clauses = append(clauses, "agent_type = ?")
		args = append(args, filter.AgentType)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*api.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) SwapTaskStatus(ctx context.Context, id string, from, to api.Status, mutate func(*api.Task)) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrTaskNotFound
		}
		return false, err
	}
	if t.Status != from {
		return false, nil
	}

	t.Status = to
	if mutate != nil {
		mutate(t)
	}

	// Guard on the original status so a concurrent swap loses cleanly.
	if err := s.updateTaskTx(ctx, tx, t, from); err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) SwapWorkflowStatus(ctx context.Context, id string, from, to api.Status, mutate func(*api.Workflow)) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+workflowCols+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrWorkflowNotFound
		}
		return false, err
	}
	if wf.Status != from {
		return false, nil
	}

	wf.Status = to
	if mutate != nil {
		mutate(wf)
	}

	b, err := encodeWorkflowBlobs(wf)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE workflows
		SET status = ?, priority = ?, title = ?, steps = ?, started_at = ?,
		    completed_at = ?, result = ?, error = ?
		WHERE id = ? AND status = ?`,
		string(wf.Status), wf.Priority, wf.Title, b.steps, toNano(wf.StartedAt),
		toNano(wf.CompletedAt), b.result, b.errVal,
		wf.ID, string(from),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	terminal := []any{
		string(api.StatusCompleted), string(api.StatusFailed), string(api.StatusCancelled),
	}
	cut := cutoff.UnixNano()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM workflows
		WHERE status IN (?, ?, ?) AND completed_at > 0 AND completed_at < ?`,
		append(terminal, cut)...,
	)
	if err != nil {
		return 0, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	// Tasks whose parent workflow is gone are removed with it.
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE workflow_id NOT IN (SELECT id FROM workflows)`,
	); err != nil {
		return int(removed), err
	}
	return int(removed), nil
}
