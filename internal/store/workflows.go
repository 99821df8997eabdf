package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Workflow is a saved (named) workflow definition.
type Workflow struct {
	ID           string
	Name         string
	Workflow     []byte
	Username     string
	TimeCreated  time.Time
	TimeModified time.Time
}

// SaveWorkflow inserts a new definition or updates an existing one. The id of
// the stored row is returned.
func (s *Store) SaveWorkflow(ctx context.Context, project, id, name string, workflowJSON []byte, username string) (string, error) {
	if id == "" {
		query := `INSERT INTO ` + rel(project, "workflow") + `
			(name, workflow, username, timecreated, timemodified)
			VALUES ($1, $2::jsonb, $3, NOW(), NOW())
			RETURNING id::text;`
		if err := s.pool.QueryRow(ctx, query, name, string(workflowJSON), username).Scan(&id); err != nil {
			return "", fmt.Errorf("store: save workflow: %w", err)
		}
		return id, nil
	}

	query := `UPDATE ` + rel(project, "workflow") + `
		SET name = $2, workflow = $3::jsonb, timemodified = NOW()
		WHERE id = $1::uuid;`
	tag, err := s.pool.Exec(ctx, query, id, name, string(workflowJSON))
	if err != nil {
		return "", fmt.Errorf("store: update workflow %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return id, nil
}

const workflowColumns = `id::text, name, workflow, username, timecreated, timemodified`

// GetWorkflow loads one saved definition.
func (s *Store) GetWorkflow(ctx context.Context, project, id string) (*Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM ` + rel(project, "workflow") + `
		WHERE id = $1::uuid;`

	var w Workflow
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&w.ID, &w.Name, &w.Workflow, &w.Username, &w.TimeCreated, &w.TimeModified,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get workflow %s: %w", id, err)
	}
	return &w, nil
}

// ListWorkflows returns all saved definitions, newest first.
func (s *Store) ListWorkflows(ctx context.Context, project string) ([]Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM ` + rel(project, "workflow") + `
		ORDER BY timecreated DESC;`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list workflows: %w", err)
	}
	defer rows.Close()

	var out []Workflow
	for rows.Next() {
		var w Workflow
		if err := rows.Scan(&w.ID, &w.Name, &w.Workflow, &w.Username, &w.TimeCreated, &w.TimeModified); err != nil {
			return nil, fmt.Errorf("store: scan workflow: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list workflows: %w", err)
	}
	return out, nil
}

// DeleteWorkflows removes saved definitions. Unless the caller is a
// superuser, only rows owned by username are deleted. Returns the ids
// actually removed.
func (s *Store) DeleteWorkflows(ctx context.Context, project string, ids []string, username string, superuser bool) ([]string, error) {
	query := `DELETE FROM ` + rel(project, "workflow") + ` WHERE id = ANY($1::uuid[])`
	args := []any{ids}
	if !superuser {
		query += ` AND username = $2`
		args = append(args, username)
	}

	rows, err := s.pool.Query(ctx, query+` RETURNING id::text;`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: delete workflows: %w", err)
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
		return nil, fmt.Errorf("store: delete workflows: %w", err)
	}
	return deleted, nil
}

// SetDefaultWorkflow sets (or, with empty id, clears) the project's default
// workflow reference in the central project row. The id must name an existing
// saved definition.
func (s *Store) SetDefaultWorkflow(ctx context.Context, project, id string) error {
	if id == "" {
		query := `UPDATE ` + adminRel("project") + ` SET default_workflow = NULL WHERE shortname = $1;`
		if _, err := s.pool.Exec(ctx, query, project); err != nil {
			return fmt.Errorf("store: clear default workflow: %w", err)
		}
		return nil
	}

	if _, err := s.GetWorkflow(ctx, project, id); err != nil {
		return err
	}
	query := `UPDATE ` + adminRel("project") + ` SET default_workflow = $2::uuid WHERE shortname = $1;`
	if _, err := s.pool.Exec(ctx, query, project, id); err != nil {
		return fmt.Errorf("store: set default workflow: %w", err)
	}
	return nil
}

// IsSuperUser reports whether the account carries the global superuser flag.
func (s *Store) IsSuperUser(ctx context.Context, username string) (bool, error) {
	query := `SELECT COALESCE(issuperuser, FALSE) FROM ` + adminRel("user") + ` WHERE name = $1;`

	var super bool
	err := s.pool.QueryRow(ctx, query, username).Scan(&super)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: superuser check %q: %w", username, err)
	}
	return super, nil
}
