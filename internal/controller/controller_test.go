package controller

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/labelforge/internal/broker"
	"github.com/antigravity-dev/labelforge/internal/dispatch"
	"github.com/antigravity-dev/labelforge/internal/graph"
	"github.com/antigravity-dev/labelforge/internal/metrics"
	"github.com/antigravity-dev/labelforge/internal/models"
	"github.com/antigravity-dev/labelforge/internal/store"
	"github.com/antigravity-dev/labelforge/internal/tracker"
	"github.com/antigravity-dev/labelforge/internal/watchdog"
	"github.com/antigravity-dev/labelforge/internal/workflow"
)

// memStore is an in-memory stand-in for the Postgres store, covering the
// controller, dispatcher and tracker slices.
type memStore struct {
	mu sync.Mutex

	project    *store.Project
	history    map[string]*store.WorkflowHistory
	workflows  map[string]*store.Workflow
	modelState []store.ModelState

	labelclassAutoupdate bool
	latestAutoupdate     bool
	backgroundClassCalls int
	aiSettings           *store.AISettings
	superusers           map[string]bool
}

func newMemStore(p *store.Project) *memStore {
	return &memStore{
		project:    p,
		history:    map[string]*store.WorkflowHistory{},
		workflows:  map[string]*store.Workflow{},
		superusers: map[string]bool{},
	}
}

func (m *memStore) GetProject(context.Context, string) (*store.Project, error) {
	if m.project == nil {
		return nil, store.ErrNotFound
	}
	cp := *m.project
	return &cp, nil
}

func (m *memStore) IsSuperUser(_ context.Context, username string) (bool, error) {
	return m.superusers[username], nil
}

func (m *memStore) CompilerDefaults(context.Context, string) (workflow.ProjectDefaults, error) {
	return workflow.ProjectDefaults{ModelLibrary: m.project.AIModelLibrary}, nil
}

func (m *memStore) GetWorkflow(_ context.Context, _, id string) (*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return w, nil
}

func (m *memStore) SaveWorkflow(_ context.Context, _, id, name string, body []byte, username string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		id = uuid.NewString()
	} else if _, ok := m.workflows[id]; !ok {
		return "", store.ErrNotFound
	}
	m.workflows[id] = &store.Workflow{ID: id, Name: name, Workflow: body, Username: username, TimeCreated: time.Now(), TimeModified: time.Now()}
	return id, nil
}

func (m *memStore) ListWorkflows(context.Context, string) ([]store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Workflow
	for _, w := range m.workflows {
		out = append(out, *w)
	}
	return out, nil
}

func (m *memStore) DeleteWorkflows(_ context.Context, _ string, ids []string, username string, superuser bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted []string
	for _, id := range ids {
		w, ok := m.workflows[id]
		if !ok || (!superuser && w.Username != username) {
			continue
		}
		delete(m.workflows, id)
		deleted = append(deleted, id)
	}
	return deleted, nil
}

func (m *memStore) SetDefaultWorkflow(_ context.Context, _, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		m.project.DefaultWorkflow = nil
		return nil
	}
	if _, ok := m.workflows[id]; !ok {
		return store.ErrNotFound
	}
	m.project.DefaultWorkflow = &id
	return nil
}

func (m *memStore) InsertWorkflowHistory(_ context.Context, _, id string, workflowJSON []byte, launchedBy *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[id] = &store.WorkflowHistory{ID: id, Workflow: workflowJSON, LaunchedBy: launchedBy, TimeCreated: time.Now()}
	return nil
}

func (m *memStore) SetWorkflowHistoryTasks(_ context.Context, _, id string, tasks []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.history[id]; ok {
		h.Tasks = tasks
	}
	return nil
}

func (m *memStore) GetWorkflowHistory(_ context.Context, _, id string) (*store.WorkflowHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.history[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *memStore) ListWorkflowHistory(context.Context, string, int) ([]store.WorkflowHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.WorkflowHistory
	for _, h := range m.history {
		out = append(out, *h)
	}
	return out, nil
}

func (m *memStore) ActiveWorkflowIDs(context.Context, string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, h := range m.history {
		if h.Running() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) FinalizeWorkflowHistory(_ context.Context, _, id string, succeeded bool, messages []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.history[id]
	if !ok || h.TimeFinished != nil {
		return false, nil
	}
	now := time.Now()
	h.TimeFinished = &now
	h.Succeeded = &succeeded
	h.Messages = messages
	return true, nil
}

func (m *memStore) AbortWorkflowHistory(_ context.Context, _, id, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.history[id]; ok && h.TimeFinished == nil {
		now := time.Now()
		failed := false
		h.TimeFinished = &now
		h.Succeeded = &failed
		h.AbortedBy = &username
	}
	return nil
}

func (m *memStore) ReopenWorkflowHistory(_ context.Context, _, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.history[id]; ok {
		h.TimeFinished = nil
		h.Succeeded = nil
		h.AbortedBy = nil
	}
	return nil
}

func (m *memStore) DeleteWorkflowHistory(_ context.Context, _ string, ids []string, includeRunning bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted []string
	for id, h := range m.history {
		if ids != nil && !containsID(ids, id) {
			continue
		}
		if !includeRunning && h.Running() {
			continue
		}
		delete(m.history, id)
		deleted = append(deleted, id)
	}
	return deleted, nil
}

func (m *memStore) ListModelStates(context.Context, string, bool) ([]store.ModelState, error) {
	return m.modelState, nil
}

func (m *memStore) IsLatestModelState(_ context.Context, _, id string) (bool, error) {
	if len(m.modelState) == 0 {
		return false, nil
	}
	return m.modelState[0].ID == id, nil
}

func (m *memStore) DuplicateModelState(_ context.Context, _, id string) (string, error) {
	newID := uuid.NewString()
	m.modelState = append([]store.ModelState{{ID: newID, TimeCreated: time.Now()}}, m.modelState...)
	return newID, nil
}

func (m *memStore) LatestModelStateAutoupdate(context.Context, string) (bool, error) {
	return m.latestAutoupdate, nil
}

func (m *memStore) UpdateAIModelSettings(_ context.Context, _ string, set store.AISettings) error {
	m.aiSettings = &set
	return nil
}

func (m *memStore) GetLabelclassAutoupdate(context.Context, string) (bool, error) {
	return m.labelclassAutoupdate, nil
}

func (m *memStore) SetLabelclassAutoupdate(_ context.Context, _ string, enabled bool) error {
	m.labelclassAutoupdate = enabled
	return nil
}

func (m *memStore) EnsureHiddenBackgroundClass(context.Context, string) error {
	m.backgroundClassCalls++
	return nil
}

// memBroker mirrors submitted graphs into id trees, like the Redis adapter.
type memBroker struct {
	mu        sync.Mutex
	submitted map[string]graph.Node
	workers   []broker.WorkerInfo
	submitErr error
}

func (b *memBroker) Submit(_ context.Context, _, id string, root graph.Node) (*broker.ResultNode, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return nil, b.submitErr
	}
	if b.submitted == nil {
		b.submitted = map[string]graph.Node{}
	}
	b.submitted[id] = root
	return mirror(root, id), nil
}

func mirror(n graph.Node, id string) *broker.ResultNode {
	if id == "" {
		id = uuid.NewString()
	}
	res := &broker.ResultNode{ID: id}
	switch t := n.(type) {
	case graph.Group:
		for _, item := range t.Items {
			res.Children = append(res.Children, mirror(item, ""))
		}
	case graph.Chord:
		for _, item := range t.Header.Items {
			res.Children = append(res.Children, mirror(item, ""))
		}
	case graph.Chain:
		for _, step := range t.Steps {
			res.Children = append(res.Children, mirror(step, ""))
		}
	}
	return res
}

func (b *memBroker) State(context.Context, string) (broker.TaskState, error) {
	return broker.TaskState{Status: broker.StatusStarted}, nil
}
func (b *memBroker) Forget(context.Context, string) error       { return nil }
func (b *memBroker) Revoke(context.Context, string, bool) error { return nil }
func (b *memBroker) Workers(context.Context) ([]broker.WorkerInfo, error) {
	return b.workers, nil
}
func (b *memBroker) Close() error { return nil }

func (b *memBroker) WorkerCount(_ context.Context, queue string) (int, error) {
	return broker.CountQueueWorkers(b.workers, queue), nil
}

func testProject() *store.Project {
	return &store.Project{
		Shortname:             "demo",
		AnnotationType:        "boundingBoxes",
		PredictionType:        "boundingBoxes",
		AIModelEnabled:        true,
		AIModelLibrary:        "labelforge.models.pytorch.boundingBoxes.RetinaNet",
		NumImagesAutotrain:    10,
		MaxNumConcurrentTasks: 2,
	}
}

type env struct {
	ctrl   *Controller
	store  *memStore
	broker *memBroker
}

func newEnv(t *testing.T, p *store.Project, globalCap int) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	st := newMemStore(p)
	b := &memBroker{workers: []broker.WorkerInfo{
		{ID: "w1", Queues: []string{workflow.QueueAIWorker, workflow.QueueAIController}},
	}}

	registry, err := models.Bootstrap(logger)
	require.NoError(t, err)

	cache := dispatch.NewTreeCache()
	compiler := workflow.NewCompiler(st, b, registry, logger)
	dispatcher := dispatch.New(st, b, cache, logger)
	tr := tracker.New(st, b, cache, logger)
	tw := watchdog.NewTaskWatchdog(b, time.Minute, logger)

	ctrl := New(st, b, compiler, dispatcher, tr, tw, registry, metrics.NewUnregistered(), globalCap, logger)
	return &env{ctrl: ctrl, store: st, broker: b}
}

func strptr(s string) *string { return &s }

func TestLaunchDefaultFallsBackToAutotrain(t *testing.T) {
	e := newEnv(t, testProject(), 2)
	ctx := context.Background()

	id, err := e.ctrl.LaunchTask(ctx, "demo", LaunchRequest{WorkflowID: "default"}, strptr("alice"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	h, err := e.store.GetWorkflowHistory(ctx, "demo", id)
	require.NoError(t, err)
	require.Equal(t, "alice", *h.LaunchedBy)
	require.True(t, h.Running())
	require.NotEmpty(t, h.Tasks)
	require.Contains(t, e.broker.submitted, id)
}

func TestLaunchUnknownWorkflowID(t *testing.T) {
	e := newEnv(t, testProject(), 2)
	_, err := e.ctrl.LaunchTask(context.Background(), "demo", LaunchRequest{WorkflowID: uuid.NewString()}, strptr("alice"))
	require.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestLaunchInvalidDocument(t *testing.T) {
	e := newEnv(t, testProject(), 2)
	doc := &workflow.Document{Tasks: []workflow.TaskSpec{{ID: "n0", Type: "mystery"}}}

	_, err := e.ctrl.LaunchTask(context.Background(), "demo", LaunchRequest{Document: doc}, strptr("alice"))
	var invalid *workflow.InvalidWorkflowError
	require.ErrorAs(t, err, &invalid)
}

func TestAdmissionUserCap(t *testing.T) {
	// Project cap 2 with global cap 2: the third launch is refused.
	e := newEnv(t, testProject(), 2)
	ctx := context.Background()
	author := strptr("alice")

	for i := 0; i < 2; i++ {
		_, err := e.ctrl.LaunchTask(ctx, "demo", LaunchRequest{}, author)
		require.NoError(t, err)
	}
	_, err := e.ctrl.LaunchTask(ctx, "demo", LaunchRequest{}, author)
	require.ErrorIs(t, err, ErrAdmissionRefused)
}

func TestAdmissionGlobalCapIsCeiling(t *testing.T) {
	p := testProject()
	p.MaxNumConcurrentTasks = 5
	e := newEnv(t, p, 2)
	ctx := context.Background()
	author := strptr("alice")

	for i := 0; i < 2; i++ {
		_, err := e.ctrl.LaunchTask(ctx, "demo", LaunchRequest{}, author)
		require.NoError(t, err)
	}
	_, err := e.ctrl.LaunchTask(ctx, "demo", LaunchRequest{}, author)
	require.ErrorIs(t, err, ErrAdmissionRefused)
}

func TestAdmissionNonPositiveCapsMeanUnlimited(t *testing.T) {
	p := testProject()
	p.MaxNumConcurrentTasks = 0
	e := newEnv(t, p, -1)
	ctx := context.Background()
	author := strptr("alice")

	for i := 0; i < 5; i++ {
		_, err := e.ctrl.LaunchTask(ctx, "demo", LaunchRequest{}, author)
		require.NoError(t, err)
	}
}

func TestAdmissionAutoLaunchRefusedWhilePeerRuns(t *testing.T) {
	e := newEnv(t, testProject(), 2)
	ctx := context.Background()

	_, err := e.ctrl.LaunchTask(ctx, "demo", LaunchRequest{}, strptr("alice"))
	require.NoError(t, err)

	_, err = e.ctrl.LaunchDefault(ctx, "demo", nil)
	require.ErrorIs(t, err, ErrAdmissionRefused)
}

func TestLaunchBrokerFailureLeavesNoRow(t *testing.T) {
	e := newEnv(t, testProject(), 2)
	e.broker.submitErr = errors.New("connection refused")

	_, err := e.ctrl.LaunchTask(context.Background(), "demo", LaunchRequest{}, strptr("alice"))
	require.ErrorIs(t, err, ErrBrokerUnavailable)
	require.Empty(t, e.store.history)
}

func TestLaunchProjectGone(t *testing.T) {
	e := newEnv(t, testProject(), 2)
	e.store.project = nil
	_, err := e.ctrl.LaunchTask(context.Background(), "demo", LaunchRequest{}, strptr("alice"))
	require.ErrorIs(t, err, ErrStoreGone)
}

func TestRevokeAllTasks(t *testing.T) {
	e := newEnv(t, testProject(), 2)
	ctx := context.Background()
	author := strptr("alice")

	id1, err := e.ctrl.LaunchTask(ctx, "demo", LaunchRequest{}, author)
	require.NoError(t, err)
	id2, err := e.ctrl.LaunchTask(ctx, "demo", LaunchRequest{}, author)
	require.NoError(t, err)

	require.NoError(t, e.ctrl.RevokeAllTasks(ctx, "demo", "bob"))
	for _, id := range []string{id1, id2} {
		h, err := e.store.GetWorkflowHistory(ctx, "demo", id)
		require.NoError(t, err)
		require.NotNil(t, h.AbortedBy)
		require.Equal(t, "bob", *h.AbortedBy)
	}
}

func TestSaveWorkflowValidatesAndSetsDefault(t *testing.T) {
	e := newEnv(t, testProject(), 2)
	ctx := context.Background()

	bad := &workflow.Document{Tasks: []workflow.TaskSpec{{ID: "n0", Type: "mystery"}}}
	_, err := e.ctrl.SaveWorkflow(ctx, "demo", "alice", bad, "", "broken", false)
	require.Error(t, err)
	require.Empty(t, e.store.workflows)

	good := &workflow.Document{Tasks: []workflow.TaskSpec{{ID: "n0", Type: workflow.KindTrain}}}
	id, err := e.ctrl.SaveWorkflow(ctx, "demo", "alice", good, "", "nightly", true)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, id, *e.store.project.DefaultWorkflow)

	// The saved default now resolves on launch.
	wfID, err := e.ctrl.LaunchDefault(ctx, "demo", strptr("alice"))
	require.NoError(t, err)
	require.NotEmpty(t, wfID)
}

func TestDeleteWorkflowsOwnership(t *testing.T) {
	e := newEnv(t, testProject(), 2)
	ctx := context.Background()

	doc := &workflow.Document{Tasks: []workflow.TaskSpec{{ID: "n0", Type: workflow.KindTrain}}}
	mine, err := e.ctrl.SaveWorkflow(ctx, "demo", "alice", doc, "", "mine", false)
	require.NoError(t, err)
	theirs, err := e.ctrl.SaveWorkflow(ctx, "demo", "bob", doc, "", "theirs", false)
	require.NoError(t, err)

	deleted, err := e.ctrl.DeleteWorkflows(ctx, "demo", "alice", []string{mine, theirs})
	require.NoError(t, err)
	require.Equal(t, []string{mine}, deleted)

	e.store.superusers["root"] = true
	deleted, err = e.ctrl.DeleteWorkflows(ctx, "demo", "root", []string{theirs})
	require.NoError(t, err)
	require.Equal(t, []string{theirs}, deleted)
}

func TestDuplicateModelStateSkipIfLatest(t *testing.T) {
	e := newEnv(t, testProject(), 2)
	e.store.modelState = []store.ModelState{{ID: "latest"}, {ID: "older"}}
	ctx := context.Background()

	id, err := e.ctrl.DuplicateModelState(ctx, "demo", "alice", "latest", true)
	require.NoError(t, err)
	require.Equal(t, "latest", id, "already latest, nothing copied")

	id, err = e.ctrl.DuplicateModelState(ctx, "demo", "alice", "older", true)
	require.NoError(t, err)
	require.NotEqual(t, "older", id)
}

func TestMaintenanceTasksCarryProject(t *testing.T) {
	e := newEnv(t, testProject(), 2)
	ctx := context.Background()

	id, err := e.ctrl.DeleteModelStates(ctx, "demo", "alice", []string{"s1"})
	require.NoError(t, err)

	node, ok := e.broker.submitted[id].(graph.Single)
	require.True(t, ok)
	require.Equal(t, workflow.TaskDeleteModelStates, node.Sig.Name)
	require.Equal(t, "demo", node.Sig.Kwargs["project"])
}

func TestUpdateAISettingsDisablesOnBlankLibrary(t *testing.T) {
	e := newEnv(t, testProject(), 2)
	req := AISettingsRequest{Enabled: true, ModelLibrary: "", AlCriterionLibrary: "labelforge.al.breakingTies.BreakingTies"}

	require.NoError(t, e.ctrl.UpdateAIModelSettings(context.Background(), "demo", req))
	require.NotNil(t, e.store.aiSettings)
	require.False(t, e.store.aiSettings.Enabled)
}

func TestUpdateAISettingsRejectsUnknownLibrary(t *testing.T) {
	e := newEnv(t, testProject(), 2)
	req := AISettingsRequest{Enabled: true, ModelLibrary: "lib.Bogus", AlCriterionLibrary: "labelforge.al.breakingTies.BreakingTies"}
	require.Error(t, e.ctrl.UpdateAIModelSettings(context.Background(), "demo", req))
}

func TestUpdateAISettingsAddsBackgroundClass(t *testing.T) {
	p := testProject()
	p.AnnotationType = "segmentationMasks"
	p.PredictionType = "segmentationMasks"
	p.SegmentationIgnoreUnlabeled = false
	e := newEnv(t, p, 2)

	req := AISettingsRequest{
		Enabled:            true,
		ModelLibrary:       "labelforge.models.pytorch.segmentationMasks.UNet",
		AlCriterionLibrary: "labelforge.al.breakingTies.BreakingTies",
	}
	require.NoError(t, e.ctrl.UpdateAIModelSettings(context.Background(), "demo", req))
	require.Equal(t, 1, e.store.backgroundClassCalls)
	require.True(t, e.store.aiSettings.Enabled)
}

func TestSetLabelclassAutoadaptRefusedWhenBakedIn(t *testing.T) {
	e := newEnv(t, testProject(), 2)
	e.store.labelclassAutoupdate = true
	e.store.latestAutoupdate = true
	ctx := context.Background()

	// The latest model state has autoupdate baked in; disabling is refused.
	effective, err := e.ctrl.SetLabelclassAutoadaptEnabled(ctx, "demo", false)
	require.NoError(t, err)
	require.True(t, effective)
	require.True(t, e.store.labelclassAutoupdate)

	e.store.latestAutoupdate = false
	effective, err = e.ctrl.SetLabelclassAutoadaptEnabled(ctx, "demo", false)
	require.NoError(t, err)
	require.False(t, effective)
	require.False(t, e.store.labelclassAutoupdate)
}

func TestVerifyAIModelOptionsFallsBackToProjectLibrary(t *testing.T) {
	e := newEnv(t, testProject(), 2)

	verdict, err := e.ctrl.VerifyAIModelOptions(context.Background(), "demo", map[string]any{"lr": 0.1}, "")
	require.NoError(t, err)
	require.False(t, verdict.Valid, "RetinaNet requires a backbone option")

	verdict, err = e.ctrl.VerifyAIModelOptions(context.Background(), "demo", map[string]any{"backbone": "resnet50"}, "")
	require.NoError(t, err)
	require.True(t, verdict.Valid)
}

func TestGetAvailableAIModelsFiltersByProject(t *testing.T) {
	e := newEnv(t, testProject(), 2)

	out, err := e.ctrl.GetAvailableAIModels(context.Background(), "demo")
	require.NoError(t, err)
	require.NotEmpty(t, out["prediction"])
	for _, entry := range out["prediction"] {
		require.Contains(t, entry.Meta.AnnotationTypes, "boundingBoxes")
	}
	require.NotEmpty(t, out["ranking"])
}

func TestGetAIModelTrainingInfo(t *testing.T) {
	e := newEnv(t, testProject(), 2)

	info, err := e.ctrl.GetAIModelTrainingInfo(context.Background(), "demo")
	require.NoError(t, err)
	require.Equal(t, "labelforge.models.pytorch.boundingBoxes.RetinaNet", info.ModelLibrary)
	// The task watchdog has not refreshed yet; worker lists exist but are empty.
	require.NotNil(t, info.Workers[workflow.QueueAIWorker])
}
