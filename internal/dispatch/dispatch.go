// Package dispatch submits compiled task graphs to the broker and records
// the run in the workflow history. The caller-supplied workflow UUID is the
// single source of truth: the broker honors it as the root task id, so
// history rows and live broker tasks stay joinable.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/antigravity-dev/labelforge/internal/broker"
	"github.com/antigravity-dev/labelforge/internal/graph"
	"github.com/antigravity-dev/labelforge/internal/workflow"
)

// HistoryStore is the slice of the store the dispatcher writes to.
type HistoryStore interface {
	InsertWorkflowHistory(ctx context.Context, project, id string, workflowJSON []byte, launchedBy *string) error
	SetWorkflowHistoryTasks(ctx context.Context, project, id string, tasks []byte) error
	DeleteWorkflowHistory(ctx context.Context, project string, ids []string, includeRunning bool) ([]string, error)
}

// Dispatcher hands compiled graphs to the broker.
type Dispatcher struct {
	store  HistoryStore
	broker broker.Client
	cache  *TreeCache
	logger *slog.Logger
}

// New builds a dispatcher sharing the given tree cache with the tracker.
func New(store HistoryStore, b broker.Client, cache *TreeCache, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		broker: b,
		cache:  cache,
		logger: logger.With("component", "dispatch"),
	}
}

// Dispatch records a pending history row, submits the graph and persists the
// annotated (id, name, children) tree. A nil author marks an auto-launched
// run. On any failure no history row survives.
func (d *Dispatcher) Dispatch(ctx context.Context, project string, compiled *workflow.Compiled, doc *workflow.Document, author *string) (string, error) {
	id := uuid.NewString()

	docJSON, err := doc.Marshal()
	if err != nil {
		return "", fmt.Errorf("dispatch: serialize workflow: %w", err)
	}

	if err := d.store.InsertWorkflowHistory(ctx, project, id, docJSON, author); err != nil {
		return "", fmt.Errorf("dispatch: record workflow %s: %w", id, err)
	}

	result, err := d.broker.Submit(ctx, workflow.QueueAIWorker, id, compiled.Root)
	if err != nil {
		// The run never made it onto the queue; drop the pending row so
		// reconciliation does not flag it as an orphan.
		if _, derr := d.store.DeleteWorkflowHistory(ctx, project, []string{id}, true); derr != nil {
			d.logger.Error("failed to roll back history row", "project", project, "workflow", id, "error", derr)
		}
		return "", fmt.Errorf("dispatch: submit workflow %s: %w", id, err)
	}

	annotate(compiled.Root, result)

	tasks, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("dispatch: serialize task tree %s: %w", id, err)
	}
	if err := d.store.SetWorkflowHistoryTasks(ctx, project, id, tasks); err != nil {
		return "", fmt.Errorf("dispatch: persist task tree %s: %w", id, err)
	}

	d.cache.Put(project, id, result)
	d.logger.Info("workflow dispatched",
		"project", project, "workflow", id,
		"tasks", graph.TaskCount(compiled.Root), "author", authorLabel(author))
	return id, nil
}

func authorLabel(author *string) string {
	if author == nil {
		return "(auto)"
	}
	return *author
}

// annotate copies task names onto the result tree by a parallel pre-order
// walk. Chords expose their body: the result node already carries the body
// id, so it takes the body name while the children stay the header tasks.
func annotate(n graph.Node, res *broker.ResultNode) {
	if res == nil {
		return
	}
	switch t := n.(type) {
	case graph.Single:
		res.Name = t.Sig.Name
	case graph.Group:
		for i, item := range t.Items {
			if i < len(res.Children) {
				annotate(item, res.Children[i])
			}
		}
	case graph.Chord:
		res.Name = t.Body.Sig.Name
		for i, item := range t.Header.Items {
			if i < len(res.Children) {
				annotate(item, res.Children[i])
			}
		}
	case graph.Chain:
		for i, step := range t.Steps {
			if i < len(res.Children) {
				annotate(step, res.Children[i])
			}
		}
	}
}
