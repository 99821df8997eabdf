package tracker

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/labelforge/internal/broker"
	"github.com/antigravity-dev/labelforge/internal/dispatch"
	"github.com/antigravity-dev/labelforge/internal/graph"
	"github.com/antigravity-dev/labelforge/internal/store"
)

type fakeHistory struct {
	mu   sync.Mutex
	rows map[string]*store.WorkflowHistory

	reopened []string
	aborted  []string
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{rows: map[string]*store.WorkflowHistory{}}
}

func (f *fakeHistory) add(h *store.WorkflowHistory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[h.ID] = h
}

func (f *fakeHistory) GetWorkflowHistory(_ context.Context, _, id string) (*store.WorkflowHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (f *fakeHistory) ActiveWorkflowIDs(_ context.Context, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, h := range f.rows {
		if h.Running() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeHistory) FinalizeWorkflowHistory(_ context.Context, _, id string, succeeded bool, messages []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.rows[id]
	if h == nil || h.TimeFinished != nil {
		return false, nil
	}
	now := time.Now()
	h.TimeFinished = &now
	h.Succeeded = &succeeded
	h.Messages = messages
	return true, nil
}

func (f *fakeHistory) AbortWorkflowHistory(_ context.Context, _, id, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, id)
	h := f.rows[id]
	if h != nil && h.TimeFinished == nil {
		now := time.Now()
		failed := false
		h.TimeFinished = &now
		h.Succeeded = &failed
		h.AbortedBy = &username
	}
	return nil
}

func (f *fakeHistory) ReopenWorkflowHistory(_ context.Context, _, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reopened = append(f.reopened, id)
	if h := f.rows[id]; h != nil {
		h.TimeFinished = nil
		h.Succeeded = nil
		h.AbortedBy = nil
		h.Messages = nil
	}
	return nil
}

type fakeBroker struct {
	mu         sync.Mutex
	states     map[string]broker.TaskState
	forgotten  []string
	revoked    []string
	stateCalls int
	workers    []broker.WorkerInfo
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{states: map[string]broker.TaskState{}}
}

func (f *fakeBroker) Submit(context.Context, string, string, graph.Node) (*broker.ResultNode, error) {
	panic("tracker must not submit")
}

func (f *fakeBroker) State(_ context.Context, id string) (broker.TaskState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCalls++
	if s, ok := f.states[id]; ok {
		return s, nil
	}
	return broker.TaskState{Status: broker.StatusPending}, nil
}

func (f *fakeBroker) Forget(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, id)
	return nil
}

func (f *fakeBroker) Revoke(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, id)
	return nil
}

func (f *fakeBroker) Workers(context.Context) ([]broker.WorkerInfo, error) {
	return f.workers, nil
}

func (f *fakeBroker) Close() error { return nil }

func testTracker(t *testing.T) (*Tracker, *fakeHistory, *fakeBroker, *dispatch.TreeCache) {
	t.Helper()
	hist := newFakeHistory()
	b := newFakeBroker()
	cache := dispatch.NewTreeCache()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return New(hist, b, cache, logger), hist, b, cache
}

func runningRow(id string, tree *broker.ResultNode) *store.WorkflowHistory {
	tasks, _ := json.Marshal(tree)
	return &store.WorkflowHistory{
		ID:          id,
		Workflow:    []byte(`{"tasks":["train"]}`),
		TimeCreated: time.Now(),
		Tasks:       tasks,
	}
}

func sampleTree(id string) *broker.ResultNode {
	return &broker.ResultNode{
		ID: id,
		Children: []*broker.ResultNode{
			{ID: "acq", Name: "aicontroller.get_training_images"},
			{ID: "train", Name: "aiworker.train"},
		},
	}
}

func TestPollFinalizesOnTerminatorReady(t *testing.T) {
	tr, hist, b, cache := testTracker(t)
	ctx := context.Background()

	tree := sampleTree("wf")
	hist.add(runningRow("wf", tree))
	cache.Put("demo", "wf", tree)
	b.states["acq"] = broker.TaskState{Status: broker.StatusSuccess}
	b.states["train"] = broker.TaskState{Status: broker.StatusSuccess}

	status, err := tr.Poll(ctx, "demo", "wf")
	require.NoError(t, err)
	require.NotNil(t, status.Succeeded)
	require.True(t, *status.Succeeded)
	require.NotNil(t, status.TimeFinished)
	require.Empty(t, status.Messages)

	// Broker memory is released for the root and every child, and the cache
	// entry is dropped.
	require.ElementsMatch(t, []string{"wf", "acq", "train"}, b.forgotten)
	_, ok := cache.Get("demo", "wf")
	require.False(t, ok)
}

func TestPollTerminalIdempotence(t *testing.T) {
	tr, hist, b, cache := testTracker(t)
	ctx := context.Background()

	tree := sampleTree("wf")
	hist.add(runningRow("wf", tree))
	cache.Put("demo", "wf", tree)
	b.states["acq"] = broker.TaskState{Status: broker.StatusSuccess}
	b.states["train"] = broker.TaskState{Status: broker.StatusSuccess}

	_, err := tr.Poll(ctx, "demo", "wf")
	require.NoError(t, err)
	forgets := len(b.forgotten)
	calls := b.stateCalls

	// Subsequent polls answer from storage: no broker state queries, no
	// repeated forgets, no further row mutation.
	status, err := tr.Poll(ctx, "demo", "wf")
	require.NoError(t, err)
	require.True(t, *status.Succeeded)
	require.Equal(t, calls, b.stateCalls)
	require.Len(t, b.forgotten, forgets)
}

func TestPollCollectsFailureMessages(t *testing.T) {
	tr, hist, b, cache := testTracker(t)
	ctx := context.Background()

	tree := sampleTree("wf")
	hist.add(runningRow("wf", tree))
	cache.Put("demo", "wf", tree)
	b.states["acq"] = broker.TaskState{Status: broker.StatusSuccess}
	b.states["train"] = broker.TaskState{
		Status: broker.StatusFailure,
		Info:   map[string]any{"message": "CUDA out of memory"},
	}

	status, err := tr.Poll(ctx, "demo", "wf")
	require.NoError(t, err)
	require.NotNil(t, status.Succeeded)
	require.False(t, *status.Succeeded)
	require.Equal(t, []string{"CUDA out of memory"}, status.Messages)
}

func TestPollChildrenGateParentStatus(t *testing.T) {
	tr, hist, b, cache := testTracker(t)
	ctx := context.Background()

	tree := sampleTree("wf")
	hist.add(runningRow("wf", tree))
	cache.Put("demo", "wf", tree)
	b.states["acq"] = broker.TaskState{Status: broker.StatusSuccess}
	b.states["train"] = broker.TaskState{Status: broker.StatusStarted}

	status, err := tr.Poll(ctx, "demo", "wf")
	require.NoError(t, err)
	require.Nil(t, status.Succeeded)
	require.Equal(t, broker.StatusStarted, status.Tasks.Status)
	require.Empty(t, b.forgotten)
}

func TestRevoke(t *testing.T) {
	tr, hist, b, cache := testTracker(t)
	ctx := context.Background()

	tree := sampleTree("wf")
	hist.add(runningRow("wf", tree))
	cache.Put("demo", "wf", tree)

	require.NoError(t, tr.Revoke(ctx, "bob", "demo", "wf"))
	require.ElementsMatch(t, []string{"wf", "acq", "train"}, b.revoked)

	h, err := hist.GetWorkflowHistory(ctx, "demo", "wf")
	require.NoError(t, err)
	require.NotNil(t, h.AbortedBy)
	require.Equal(t, "bob", *h.AbortedBy)
	require.False(t, *h.Succeeded)

	// Revoking again is safe and leaves the original abort untouched.
	require.NoError(t, tr.Revoke(ctx, "carol", "demo", "wf"))
	h, err = hist.GetWorkflowHistory(ctx, "demo", "wf")
	require.NoError(t, err)
	require.Equal(t, "bob", *h.AbortedBy)
}

func TestReconcileOrphan(t *testing.T) {
	tr, hist, b, _ := testTracker(t)
	ctx := context.Background()

	hist.add(runningRow("wf", sampleTree("wf")))
	b.workers = nil // broker lost everything

	require.NoError(t, tr.Reconcile(ctx, "demo"))

	h, err := hist.GetWorkflowHistory(ctx, "demo", "wf")
	require.NoError(t, err)
	require.NotNil(t, h.Succeeded)
	require.False(t, *h.Succeeded)

	var messages []string
	require.NoError(t, json.Unmarshal(h.Messages, &messages))
	require.Equal(t, []string{"Auto-launched task did not finish"}, messages)
}

func TestReconcileResurrected(t *testing.T) {
	tr, hist, b, _ := testTracker(t)
	ctx := context.Background()

	// Row was prematurely closed but the broker still runs its task.
	row := runningRow("wf", sampleTree("wf"))
	now := time.Now()
	failed := false
	row.TimeFinished = &now
	row.Succeeded = &failed
	hist.add(row)

	b.workers = []broker.WorkerInfo{{
		ID:     "w1",
		Queues: []string{"AIWorker"},
		Active: []broker.ActiveTask{{ID: "wf", Name: "aiworker.train", Project: "demo"}},
	}}

	require.NoError(t, tr.Reconcile(ctx, "demo"))
	require.Equal(t, []string{"wf"}, hist.reopened)

	h, err := hist.GetWorkflowHistory(ctx, "demo", "wf")
	require.NoError(t, err)
	require.True(t, h.Running())
}

func TestReconcileIgnoresForeignTasks(t *testing.T) {
	tr, hist, b, _ := testTracker(t)
	ctx := context.Background()

	row := runningRow("wf", sampleTree("wf"))
	now := time.Now()
	failed := false
	row.TimeFinished = &now
	row.Succeeded = &failed
	hist.add(row)

	b.workers = []broker.WorkerInfo{{
		ID:     "w1",
		Queues: []string{"AIWorker"},
		Active: []broker.ActiveTask{
			{ID: "wf", Name: "aiworker.train", Project: "other"},
			{ID: "wf", Name: "mapping.render_tiles", Project: "demo"},
		},
	}}

	require.NoError(t, tr.Reconcile(ctx, "demo"))
	require.Empty(t, hist.reopened)
}

func TestClassifyPrecedence(t *testing.T) {
	orphans, resurrected := classify([]string{"a", "b"}, []string{"b", "c"})
	require.Equal(t, []string{"a"}, orphans)
	require.Equal(t, []string{"c"}, resurrected)

	// An id alive on the broker is never orphaned.
	orphans, _ = classify([]string{"x"}, []string{"x"})
	require.Empty(t, orphans)
}
