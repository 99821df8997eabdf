// Package tracker owns the live status protocol for dispatched workflows:
// polling broker state into the history rows, revocation, and reconciliation
// between persistent status and the broker's live task set.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/labelforge/internal/broker"
	"github.com/antigravity-dev/labelforge/internal/dispatch"
	"github.com/antigravity-dev/labelforge/internal/store"
	"github.com/antigravity-dev/labelforge/internal/workflow"
)

// orphanMessage is written to history rows the broker no longer knows about.
const orphanMessage = "Auto-launched task did not finish"

// statePollLimit bounds concurrent per-node broker queries during one poll.
const statePollLimit = 8

// HistoryStore is the slice of the store the tracker relies on.
type HistoryStore interface {
	GetWorkflowHistory(ctx context.Context, project, id string) (*store.WorkflowHistory, error)
	ActiveWorkflowIDs(ctx context.Context, project string) ([]string, error)
	FinalizeWorkflowHistory(ctx context.Context, project, id string, succeeded bool, messages []byte) (bool, error)
	AbortWorkflowHistory(ctx context.Context, project, id, username string) error
	ReopenWorkflowHistory(ctx context.Context, project, id string) error
}

// NodeStatus is the per-node view a poll returns: the persisted tree shape
// annotated with live broker state.
type NodeStatus struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Status   broker.Status  `json:"status"`
	Info     map[string]any `json:"info,omitempty"`
	Children []*NodeStatus  `json:"children,omitempty"`
}

// WorkflowStatus is the full status answer for one workflow run.
type WorkflowStatus struct {
	ID           string          `json:"id"`
	LaunchedBy   *string         `json:"launched_by"`
	AbortedBy    *string         `json:"aborted_by,omitempty"`
	TimeCreated  float64         `json:"time_created"`
	TimeFinished *float64        `json:"time_finished,omitempty"`
	Succeeded    *bool           `json:"succeeded,omitempty"`
	Messages     []string        `json:"messages,omitempty"`
	Workflow     json.RawMessage `json:"workflow,omitempty"`
	Tasks        *NodeStatus     `json:"tasks,omitempty"`
}

// Tracker polls, revokes and reconciles workflow runs. All operations on one
// project are serialized by a per-project lock; no lock is held across a
// broker or store call issued for a different project.
type Tracker struct {
	store  HistoryStore
	broker broker.Client
	cache  *dispatch.TreeCache
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(st HistoryStore, b broker.Client, cache *dispatch.TreeCache, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  st,
		broker: b,
		cache:  cache,
		logger: logger.With("component", "tracker"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (t *Tracker) projectLock(project string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[project]
	if !ok {
		l = &sync.Mutex{}
		t.locks[project] = l
	}
	return l
}

// Poll resolves the task tree, queries the broker for every node and
// finalizes the history row once the terminator is ready. Polling a workflow
// that already finished returns the stored state without touching the broker.
func (t *Tracker) Poll(ctx context.Context, project, id string) (*WorkflowStatus, error) {
	lock := t.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	h, err := t.store.GetWorkflowHistory(ctx, project, id)
	if err != nil {
		return nil, err
	}

	status := historyStatus(h)
	tree := t.resolveTree(project, id, h)
	if tree == nil {
		return status, nil
	}

	if !h.Running() {
		status.Tasks = staticTree(tree, h)
		return status, nil
	}

	states, err := t.fetchStates(ctx, tree)
	if err != nil {
		return nil, err
	}

	var errs []string
	status.Tasks = buildStatus(tree, states, &errs)
	status.Messages = errs

	term := tree.Terminator()
	if term != nil && states[term.ID].Status.Ready() {
		t.finalize(ctx, project, id, tree, errs)
		// Reflect the terminal state in the answer.
		if h2, err := t.store.GetWorkflowHistory(ctx, project, id); err == nil {
			finished := historyStatus(h2)
			finished.Tasks = status.Tasks
			finished.Messages = errs
			return finished, nil
		}
	}
	return status, nil
}

// resolveTree returns the cached tree or rebuilds it from the persisted
// tasks column.
func (t *Tracker) resolveTree(project, id string, h *store.WorkflowHistory) *broker.ResultNode {
	if tree, ok := t.cache.Get(project, id); ok {
		return tree
	}
	if len(h.Tasks) == 0 {
		return nil
	}
	var tree broker.ResultNode
	if err := json.Unmarshal(h.Tasks, &tree); err != nil {
		t.logger.Warn("malformed task tree in history row", "project", project, "workflow", id, "error", err)
		return nil
	}
	if h.Running() {
		t.cache.Put(project, id, &tree)
	}
	return &tree
}

// fetchStates queries broker state for every node id, bounded in parallel.
func (t *Tracker) fetchStates(ctx context.Context, tree *broker.ResultNode) (map[string]broker.TaskState, error) {
	ids := collectIDs(tree, nil)

	var mu sync.Mutex
	states := make(map[string]broker.TaskState, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statePollLimit)
	for _, id := range ids {
		g.Go(func() error {
			state, err := t.broker.State(gctx, id)
			if err != nil {
				// Broker trouble for one id degrades to a synthetic ERROR
				// instead of failing the whole poll.
				state = broker.TaskState{Status: broker.StatusError}
			}
			mu.Lock()
			states[id] = state
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("tracker: poll states: %w", err)
	}
	return states, nil
}

func collectIDs(n *broker.ResultNode, out []string) []string {
	if n == nil {
		return out
	}
	out = append(out, n.ID)
	for _, c := range n.Children {
		out = collectIDs(c, out)
	}
	return out
}

// buildStatus assembles the status tree children-first. A parent with
// children reports SUCCESSFUL once all of them are ready; its own broker
// state is never awaited before theirs. Failure messages are collected in
// tree order.
func buildStatus(n *broker.ResultNode, states map[string]broker.TaskState, errs *[]string) *NodeStatus {
	if n == nil {
		return nil
	}
	node := &NodeStatus{ID: n.ID, Name: n.Name}

	if len(n.Children) == 0 {
		state := states[n.ID]
		node.Status = state.Status
		node.Info = state.Info
		collectError(n, state, errs)
		return node
	}

	allReady := true
	for _, c := range n.Children {
		child := buildStatus(c, states, errs)
		node.Children = append(node.Children, child)
		if !child.Status.Ready() {
			allReady = false
		}
	}
	if allReady {
		node.Status = broker.StatusSuccess
	} else {
		node.Status = broker.StatusStarted
	}
	return node
}

func collectError(n *broker.ResultNode, state broker.TaskState, errs *[]string) {
	if state.Status != broker.StatusFailure && state.Status != broker.StatusError {
		return
	}
	msg := fmt.Sprintf("task %s (%s) reported %s", n.ID, n.Name, state.Status)
	if raw, ok := state.Info["message"]; ok {
		msg = fmt.Sprintf("%v", raw)
	}
	*errs = append(*errs, msg)
}

// finalize closes the history row, releases broker memory for every node and
// evicts the cached tree. The conditional store update makes repeated
// finalization a no-op, so forget is only issued by the poll that won.
func (t *Tracker) finalize(ctx context.Context, project, id string, tree *broker.ResultNode, errs []string) {
	messages, err := json.Marshal(errs)
	if err != nil {
		messages = nil
	}

	updated, err := t.store.FinalizeWorkflowHistory(ctx, project, id, len(errs) == 0, messages)
	if err != nil {
		t.logger.Error("failed to finalize workflow", "project", project, "workflow", id, "error", err)
		return
	}
	if !updated {
		return
	}

	for _, nodeID := range collectIDs(tree, nil) {
		if err := t.broker.Forget(ctx, nodeID); err != nil {
			t.logger.Warn("failed to forget task result", "task", nodeID, "error", err)
		}
	}
	t.cache.Delete(project, id)
	t.logger.Info("workflow finished",
		"project", project, "workflow", id, "succeeded", len(errs) == 0)
}

// Revoke terminates every task in the tree and marks the row aborted.
// Revocation errors from the broker are logged, never surfaced; duplicate
// revokes are safe.
func (t *Tracker) Revoke(ctx context.Context, username, project, id string) error {
	lock := t.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	h, err := t.store.GetWorkflowHistory(ctx, project, id)
	if err != nil {
		return err
	}

	if tree := t.resolveTree(project, id, h); tree != nil {
		for _, nodeID := range collectIDs(tree, nil) {
			if err := t.broker.Revoke(ctx, nodeID, true); err != nil {
				t.logger.Warn("revoke failed", "task", nodeID, "error", err)
			}
		}
	}

	if err := t.store.AbortWorkflowHistory(ctx, project, id, username); err != nil {
		return err
	}
	t.cache.Delete(project, id)
	t.logger.Info("workflow revoked", "project", project, "workflow", id, "by", username)
	return nil
}

// Active lists running workflow ids, newest first.
func (t *Tracker) Active(ctx context.Context, project string) ([]string, error) {
	return t.store.ActiveWorkflowIDs(ctx, project)
}

// Reconcile compares running history rows against the broker's live AI task
// set and repairs both kinds of disagreement: rows the broker lost (orphans)
// and rows prematurely closed whose task turned up alive (resurrected).
func (t *Tracker) Reconcile(ctx context.Context, project string) error {
	lock := t.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	running, err := t.store.ActiveWorkflowIDs(ctx, project)
	if err != nil {
		return err
	}

	workers, err := t.broker.Workers(ctx)
	if err != nil {
		return fmt.Errorf("tracker: reconcile %q: %w", project, err)
	}
	live := liveAITaskIDs(workers, project)

	orphans, resurrected := classify(running, live)

	for _, id := range resurrected {
		if err := t.store.ReopenWorkflowHistory(ctx, project, id); err != nil {
			t.logger.Error("failed to reopen workflow", "project", project, "workflow", id, "error", err)
			continue
		}
		t.logger.Info("workflow resurrected", "project", project, "workflow", id)
	}

	for _, id := range orphans {
		messages, _ := json.Marshal([]string{orphanMessage})
		if _, err := t.store.FinalizeWorkflowHistory(ctx, project, id, false, messages); err != nil {
			t.logger.Error("failed to orphan workflow", "project", project, "workflow", id, "error", err)
			continue
		}
		t.cache.Delete(project, id)
		t.logger.Info("workflow orphaned", "project", project, "workflow", id)
	}
	return nil
}

// liveAITaskIDs extracts the ids of AI tasks currently executing for the
// project across all workers.
func liveAITaskIDs(workers []broker.WorkerInfo, project string) []string {
	var ids []string
	for _, w := range workers {
		for _, task := range w.Active {
			if task.Project != project || !workflow.IsAITaskName(task.Name) {
				continue
			}
			ids = append(ids, task.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// classify splits the disagreement sets. The broker is authoritative for
// "currently running": an id that is both an orphan candidate and alive on a
// worker comes out resurrected, never orphaned.
func classify(running, live []string) (orphans, resurrected []string) {
	runningSet := make(map[string]bool, len(running))
	for _, id := range running {
		runningSet[id] = true
	}
	liveSet := make(map[string]bool, len(live))
	for _, id := range live {
		liveSet[id] = true
	}

	for _, id := range running {
		if !liveSet[id] {
			orphans = append(orphans, id)
		}
	}
	for _, id := range live {
		if !runningSet[id] {
			resurrected = append(resurrected, id)
		}
	}
	return orphans, resurrected
}

// historyStatus maps a history row onto the wire representation.
func historyStatus(h *store.WorkflowHistory) *WorkflowStatus {
	status := &WorkflowStatus{
		ID:          h.ID,
		LaunchedBy:  h.LaunchedBy,
		AbortedBy:   h.AbortedBy,
		TimeCreated: float64(h.TimeCreated.UnixNano()) / float64(time.Second),
		Succeeded:   h.Succeeded,
		Workflow:    json.RawMessage(h.Workflow),
	}
	if h.TimeFinished != nil {
		finished := float64(h.TimeFinished.UnixNano()) / float64(time.Second)
		status.TimeFinished = &finished
	}
	if len(h.Messages) > 0 {
		_ = json.Unmarshal(h.Messages, &status.Messages)
	}
	return status
}

// staticTree renders a finished workflow's tree from storage alone. Every
// node reports the run's terminal status; the broker is not consulted.
func staticTree(tree *broker.ResultNode, h *store.WorkflowHistory) *NodeStatus {
	if tree == nil {
		return nil
	}
	status := broker.StatusFailure
	if h.Succeeded != nil && *h.Succeeded {
		status = broker.StatusSuccess
	}
	if h.AbortedBy != nil {
		status = broker.StatusRevoked
	}

	node := &NodeStatus{ID: tree.ID, Name: tree.Name, Status: status}
	for _, c := range tree.Children {
		node.Children = append(node.Children, staticTree(c, h))
	}
	return node
}
