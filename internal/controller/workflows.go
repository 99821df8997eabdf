package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/antigravity-dev/labelforge/internal/store"
	"github.com/antigravity-dev/labelforge/internal/workflow"
)

// SavedWorkflow is the wire view of a stored workflow definition.
type SavedWorkflow struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Workflow     json.RawMessage `json:"workflow"`
	Username     string          `json:"username"`
	TimeCreated  float64         `json:"time_created"`
	TimeModified float64         `json:"time_modified"`
}

// SaveWorkflow validates and stores a workflow definition. The document is
// compiled in verify-only mode first, so invalid plans are rejected before
// they are persisted. With setDefault the stored id becomes the project
// default.
func (c *Controller) SaveWorkflow(ctx context.Context, project, username string, doc *workflow.Document, id, name string, setDefault bool) (string, error) {
	if err := doc.Validate(); err != nil {
		return "", err
	}
	if _, err := c.compiler.Compile(ctx, project, doc, true); err != nil {
		return "", err
	}

	body, err := doc.Marshal()
	if err != nil {
		return "", fmt.Errorf("controller: serialize workflow: %w", err)
	}

	savedID, err := c.store.SaveWorkflow(ctx, project, id, name, body, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrUnknownWorkflow, id)
		}
		return "", err
	}

	if setDefault {
		if err := c.store.SetDefaultWorkflow(ctx, project, savedID); err != nil {
			return "", err
		}
	}
	c.logger.Info("workflow saved", "project", project, "workflow", savedID, "by", username)
	return savedID, nil
}

// SetDefaultWorkflow marks a saved definition as the project default.
func (c *Controller) SetDefaultWorkflow(ctx context.Context, project, id string) error {
	err := c.store.SetDefaultWorkflow(ctx, project, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownWorkflow, id)
	}
	return err
}

// ListWorkflows returns the stored definitions, flagging the project
// default.
func (c *Controller) ListWorkflows(ctx context.Context, project string) ([]SavedWorkflow, error) {
	rows, err := c.store.ListWorkflows(ctx, project)
	if err != nil {
		return nil, err
	}

	out := make([]SavedWorkflow, 0, len(rows))
	for _, w := range rows {
		out = append(out, SavedWorkflow{
			ID:           w.ID,
			Name:         w.Name,
			Workflow:     rawJSON(w.Workflow),
			Username:     w.Username,
			TimeCreated:  marshalTime(w.TimeCreated),
			TimeModified: marshalTime(w.TimeModified),
		})
	}
	return out, nil
}

// DeleteWorkflows removes saved definitions the caller is allowed to drop:
// their own, or any when they are a superuser.
func (c *Controller) DeleteWorkflows(ctx context.Context, project, username string, ids []string) ([]string, error) {
	superuser, err := c.store.IsSuperUser(ctx, username)
	if err != nil {
		return nil, err
	}
	return c.store.DeleteWorkflows(ctx, project, ids, username, superuser)
}

// DeleteWorkflowHistory removes history rows. A nil id list means all rows.
// Running rows are kept unless revokeRunning is set, in which case they are
// revoked first and then removed.
func (c *Controller) DeleteWorkflowHistory(ctx context.Context, project, username string, ids []string, revokeRunning bool) ([]string, error) {
	if revokeRunning {
		running, err := c.tracker.Active(ctx, project)
		if err != nil {
			return nil, err
		}
		for _, id := range running {
			if ids != nil && !containsID(ids, id) {
				continue
			}
			if err := c.tracker.Revoke(ctx, username, project, id); err != nil {
				c.logger.Warn("revoke before delete failed", "project", project, "workflow", id, "error", err)
			}
		}
	}
	return c.store.DeleteWorkflowHistory(ctx, project, ids, revokeRunning)
}

func containsID(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
