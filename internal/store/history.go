package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// WorkflowHistory is one run of a workflow. The three finisher fields
// (TimeFinished, Succeeded, AbortedBy) are null while the run is live.
type WorkflowHistory struct {
	ID           string
	Workflow     []byte
	LaunchedBy   *string
	AbortedBy    *string
	TimeCreated  time.Time
	TimeFinished *time.Time
	Succeeded    *bool
	Messages     []byte
	Tasks        []byte
}

// Running reports whether the row is still live.
func (h *WorkflowHistory) Running() bool {
	return h.TimeFinished == nil && h.Succeeded == nil && h.AbortedBy == nil
}

const historyColumns = `id::text, workflow, launchedby, abortedby,
	timecreated, timefinished, succeeded, messages, tasks`

// InsertWorkflowHistory records a freshly dispatched run. A nil launchedBy
// denotes an auto-launched workflow.
func (s *Store) InsertWorkflowHistory(ctx context.Context, project, id string, workflowJSON []byte, launchedBy *string) error {
	query := `INSERT INTO ` + rel(project, "workflowhistory") + `
		(id, workflow, launchedby, timecreated)
		VALUES ($1::uuid, $2::jsonb, $3, NOW());`

	if _, err := s.pool.Exec(ctx, query, id, string(workflowJSON), launchedBy); err != nil {
		return fmt.Errorf("store: insert workflow history %s: %w", id, err)
	}
	return nil
}

// SetWorkflowHistoryTasks persists the annotated (id, name, children) tree.
func (s *Store) SetWorkflowHistoryTasks(ctx context.Context, project, id string, tasks []byte) error {
	query := `UPDATE ` + rel(project, "workflowhistory") + `
		SET tasks = $2::jsonb WHERE id = $1::uuid;`

	if _, err := s.pool.Exec(ctx, query, id, string(tasks)); err != nil {
		return fmt.Errorf("store: set workflow tasks %s: %w", id, err)
	}
	return nil
}

// GetWorkflowHistory loads one history row.
func (s *Store) GetWorkflowHistory(ctx context.Context, project, id string) (*WorkflowHistory, error) {
	query := `SELECT ` + historyColumns + ` FROM ` + rel(project, "workflowhistory") + `
		WHERE id = $1::uuid;`

	var h WorkflowHistory
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&h.ID, &h.Workflow, &h.LaunchedBy, &h.AbortedBy,
		&h.TimeCreated, &h.TimeFinished, &h.Succeeded, &h.Messages, &h.Tasks,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get workflow history %s: %w", id, err)
	}
	return &h, nil
}

// ListWorkflowHistory returns history rows in descending creation order.
// A limit of zero or less returns all rows.
func (s *Store) ListWorkflowHistory(ctx context.Context, project string, limit int) ([]WorkflowHistory, error) {
	query := `SELECT ` + historyColumns + ` FROM ` + rel(project, "workflowhistory") + `
		ORDER BY timecreated DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("store: list workflow history: %w", err)
	}
	defer rows.Close()

	var out []WorkflowHistory
	for rows.Next() {
		var h WorkflowHistory
		if err := rows.Scan(
			&h.ID, &h.Workflow, &h.LaunchedBy, &h.AbortedBy,
			&h.TimeCreated, &h.TimeFinished, &h.Succeeded, &h.Messages, &h.Tasks,
		); err != nil {
			return nil, fmt.Errorf("store: scan workflow history: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list workflow history: %w", err)
	}
	return out, nil
}

// ActiveWorkflowIDs lists ids of running rows, newest first.
func (s *Store) ActiveWorkflowIDs(ctx context.Context, project string) ([]string, error) {
	query := `SELECT id::text FROM ` + rel(project, "workflowhistory") + `
		WHERE timefinished IS NULL AND succeeded IS NULL AND abortedby IS NULL
		ORDER BY timecreated DESC;`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: active workflows for %q: %w", project, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan active workflow: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: active workflows for %q: %w", project, err)
	}
	return ids, nil
}

// FinalizeWorkflowHistory marks a run finished. The update is conditional on
// the row still being unfinished, which makes repeated finalization of a
// completed run a no-op. Reports whether the row was updated.
func (s *Store) FinalizeWorkflowHistory(ctx context.Context, project, id string, succeeded bool, messages []byte) (bool, error) {
	query := `UPDATE ` + rel(project, "workflowhistory") + `
		SET timefinished = NOW(), succeeded = $2, messages = $3::jsonb
		WHERE id = $1::uuid AND timefinished IS NULL;`

	tag, err := s.pool.Exec(ctx, query, id, succeeded, jsonOrNull(messages))
	if err != nil {
		return false, fmt.Errorf("store: finalize workflow %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// AbortWorkflowHistory marks a run aborted by a user. Conditional on the row
// being unfinished, so duplicate revokes are safe.
func (s *Store) AbortWorkflowHistory(ctx context.Context, project, id, username string) error {
	query := `UPDATE ` + rel(project, "workflowhistory") + `
		SET abortedby = $2, succeeded = FALSE, timefinished = NOW()
		WHERE id = $1::uuid AND timefinished IS NULL;`

	if _, err := s.pool.Exec(ctx, query, id, username); err != nil {
		return fmt.Errorf("store: abort workflow %s: %w", id, err)
	}
	return nil
}

// ReopenWorkflowHistory nulls the finisher fields of a row that was
// prematurely marked finished; reconciliation uses this when the broker
// reports the task alive after all.
func (s *Store) ReopenWorkflowHistory(ctx context.Context, project, id string) error {
	query := `UPDATE ` + rel(project, "workflowhistory") + `
		SET timefinished = NULL, succeeded = NULL, abortedby = NULL, messages = NULL
		WHERE id = $1::uuid;`

	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("store: reopen workflow %s: %w", id, err)
	}
	return nil
}

// DeleteWorkflowHistory removes rows. With a nil id list every row is
// eligible. Running rows are skipped unless includeRunning is set. Returns
// the ids actually deleted.
func (s *Store) DeleteWorkflowHistory(ctx context.Context, project string, ids []string, includeRunning bool) ([]string, error) {
	query := `DELETE FROM ` + rel(project, "workflowhistory")
	clauses := ""
	args := []any{}

	if ids != nil {
		args = append(args, ids)
		clauses = ` WHERE id = ANY($1::uuid[])`
	}
	if !includeRunning {
		cond := `(timefinished IS NOT NULL OR succeeded IS NOT NULL OR abortedby IS NOT NULL)`
		if clauses == "" {
			clauses = ` WHERE ` + cond
		} else {
			clauses += ` AND ` + cond
		}
	}

	rows, err := s.pool.Query(ctx, query+clauses+` RETURNING id::text;`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: delete workflow history: %w", err)
	}
	defer rows.Close()

	var deleted []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan deleted workflow: %w", err)
		}
		deleted = append(deleted, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: delete workflow history: %w", err)
	}
	return deleted, nil
}

// jsonOrNull maps empty payloads to SQL NULL.
func jsonOrNull(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}
