package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stewardhq/steward/pkg/api"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresStore struct {
	db *sql.DB
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema in the given database
// and returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL,
			title TEXT NOT NULL,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			steps BYTEA,
			created_at BIGINT NOT NULL,
			started_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL,
			result BYTEA,
			error BYTEA
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
			input BYTEA,
			output BYTEA,
			error BYTEA,
			depends_on BYTEA,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL,
			timeout_ms BIGINT NOT NULL,
			retry_count INTEGER NOT NULL,
			max_retries INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			started_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_workflow ON tasks (workflow_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON tasks (status, agent_type);
	`)
	return err
}

func (s *PostgresStore) SaveWorkflow(ctx context.Context, wf *api.Workflow) error {
	b, err := encodeWorkflowBlobs(wf)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (`+workflowCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		wf.ID, string(wf.Type), string(wf.Status), wf.Priority, wf.Title,
		wf.SessionID, wf.UserID, b.steps,
		toNano(wf.CreatedAt), toNano(wf.StartedAt), toNano(wf.CompletedAt),
		b.result, b.errVal,
	)
	return err
}

func (s *PostgresStore) UpdateWorkflow(ctx context.Context, wf *api.Workflow) error {
	b, err := encodeWorkflowBlobs(wf)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET type = $1, status = $2, priority = $3, title = $4, session_id = $5,
		    user_id = $6, steps = $7, created_at = $8, started_at = $9,
		    completed_at = $10, result = $11, error = $12
		WHERE id = $13`,
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

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+workflowCols+` FROM workflows WHERE id = $1`, id)

	wf, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	return wf, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*api.Workflow, error) {
	query := `SELECT ` + workflowCols + ` FROM workflows`
	var args []any
	var clauses []string

	if filter.Type != "" {
		args = append(args, string(filter.Type))
		clauses = append(clauses, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filter.StartedBefore.IsZero() {
		args = append(args, filter.StartedBefore.UnixNano())
		clauses = append(clauses, fmt.Sprintf("started_at > 0 AND started_at < $%d", len(args)))
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

func (s *PostgresStore) AppendStep(ctx context.Context, workflowID string, step api.StepRef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT steps FROM workflows WHERE id = $1 FOR UPDATE`, workflowID)
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
	if _, err := tx.ExecContext(ctx, `UPDATE workflows SET steps = $1 WHERE id = $2`, encoded, workflowID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) SaveTask(ctx context.Context, t *api.Task) error {
	b, err := encodeTaskBlobs(t)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		t.ID, t.WorkflowID, t.SessionID, t.UserID, t.AgentType, t.AgentID, t.Name,
		b.input, b.output, b.errVal, b.deps,
		string(t.Status), t.Priority, t.Timeout.Milliseconds(),
		t.RetryCount, t.MaxRetries,
		toNano(t.CreatedAt), toNano(t.StartedAt), toNano(t.CompletedAt),
	)
	return err
}

func (s *PostgresStore) UpdateTask(ctx context.Context, t *api.Task) error {
	return s.pgUpdateTask(ctx, s.db, t, "")
}

func (s *PostgresStore) pgUpdateTask(ctx context.Context, ex execer, t *api.Task, guardStatus api.Status) error {
	b, err := encodeTaskBlobs(t)
	if err != nil {
		return err
	}

	query := `
		UPDATE tasks
		SET workflow_id = $1, session_id = $2, user_id = $3, agent_type = $4,
		    agent_id = $5, name = $6, input = $7, output = $8, error = $9,
		    depends_on = $10, status = $11, priority = $12, timeout_ms = $13,
		    retry_count = $14, max_retries = $15, created_at = $16,
		    started_at = $17, completed_at = $18
		WHERE id = $19`
	args := []any{
		t.WorkflowID, t.SessionID, t.UserID, t.AgentType,
		t.AgentID, t.Name, b.input, b.output, b.errVal,
		b.deps, string(t.Status), t.Priority, t.Timeout.Milliseconds(),
		t.RetryCount, t.MaxRetries, toNano(t.CreatedAt),
		toNano(t.StartedAt), toNano(t.CompletedAt),
		t.ID,
	}
	if guardStatus != "" {
		query += ` AND status = $20`
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

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*api.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskCols+` FROM tasks WHERE id = $1`, id)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*api.Task, error) {
	query := `SELECT ` + taskCols + ` FROM tasks`
	var args []any
	var clauses []string

	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		clauses = append(clauses, fmt.Sprintf("workflow_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.AgentType != "" {
		args = append(args, filter.AgentType)
		clauses = append(clauses, fmt.Sprintf("agent_type = $%d", len(args)))
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

func (s *PostgresStore) SwapTaskStatus(ctx context.Context, id string, from, to api.Status, mutate func(*api.Task)) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+taskCols+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
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

	if err := s.pgUpdateTask(ctx, tx, t, from); err != nil {
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

func (s *PostgresStore) SwapWorkflowStatus(ctx context.Context, id string, from, to api.Status, mutate func(*api.Workflow)) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+workflowCols+` FROM workflows WHERE id = $1 FOR UPDATE`, id)
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
		SET status = $1, priority = $2, title = $3, steps = $4, started_at = $5,
		    completed_at = $6, result = $7, error = $8
		WHERE id = $9 AND status = $10`,
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

func (s *PostgresStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM workflows
		WHERE status IN ($1, $2, $3) AND completed_at > 0 AND completed_at < $4`,
		string(api.StatusCompleted), string(api.StatusFailed), string(api.StatusCancelled),
		cutoff.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE workflow_id NOT IN (SELECT id FROM workflows)`,
	); err != nil {
		return int(removed), err
	}
	return int(removed), nil
}
