// Package controller is the entry point callers rely on: it enforces the
// admission rule, resolves workflow references, and fans out to the
// compiler, dispatcher, tracker, watchdogs and model registry.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

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

// Error kinds surfaced to callers.
var (
	ErrAdmissionRefused  = errors.New("launch refused: concurrency limit reached")
	ErrUnknownWorkflow   = errors.New("unknown workflow")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrStoreGone         = errors.New("project no longer exists")
)

// DefaultGlobalTaskCap is the absolute ceiling on concurrent tasks per
// project when the configuration does not override it.
const DefaultGlobalTaskCap = 2

// Store is the slice of persistence the controller touches directly. The
// compiler, dispatcher and tracker hold their own narrower views.
type Store interface {
	GetProject(ctx context.Context, shortname string) (*store.Project, error)
	IsSuperUser(ctx context.Context, username string) (bool, error)

	GetWorkflow(ctx context.Context, project, id string) (*store.Workflow, error)
	SaveWorkflow(ctx context.Context, project, id, name string, workflowJSON []byte, username string) (string, error)
	ListWorkflows(ctx context.Context, project string) ([]store.Workflow, error)
	DeleteWorkflows(ctx context.Context, project string, ids []string, username string, superuser bool) ([]string, error)
	SetDefaultWorkflow(ctx context.Context, project, id string) error

	ListWorkflowHistory(ctx context.Context, project string, limit int) ([]store.WorkflowHistory, error)
	DeleteWorkflowHistory(ctx context.Context, project string, ids []string, includeRunning bool) ([]string, error)

	ListModelStates(ctx context.Context, project string, latestOnly bool) ([]store.ModelState, error)
	IsLatestModelState(ctx context.Context, project, id string) (bool, error)
	DuplicateModelState(ctx context.Context, project, id string) (string, error)
	LatestModelStateAutoupdate(ctx context.Context, project string) (bool, error)
	UpdateAIModelSettings(ctx context.Context, project string, set store.AISettings) error
	GetLabelclassAutoupdate(ctx context.Context, project string) (bool, error)
	SetLabelclassAutoupdate(ctx context.Context, project string, enabled bool) error
	EnsureHiddenBackgroundClass(ctx context.Context, project string) error
}

// Controller wires the public operations.
type Controller struct {
	store      Store
	broker     broker.Client
	compiler   *workflow.Compiler
	dispatcher *dispatch.Dispatcher
	tracker    *tracker.Tracker
	tasks      *watchdog.TaskWatchdog
	registry   *models.Registry
	metrics    *metrics.Metrics
	logger     *slog.Logger

	globalCap int

	// pool is set by AttachPool after construction; the pool needs the
	// controller as its Launcher.
	pool *watchdog.Pool
}

func New(st Store, b broker.Client, compiler *workflow.Compiler, dispatcher *dispatch.Dispatcher, tr *tracker.Tracker, tasks *watchdog.TaskWatchdog, registry *models.Registry, m *metrics.Metrics, globalCap int, logger *slog.Logger) *Controller {
	if globalCap == 0 {
		globalCap = DefaultGlobalTaskCap
	}
	return &Controller{
		store:      st,
		broker:     b,
		compiler:   compiler,
		dispatcher: dispatcher,
		tracker:    tr,
		tasks:      tasks,
		registry:   registry,
		metrics:    m,
		logger:     logger.With("component", "controller"),
		globalCap:  globalCap,
	}
}

// AttachPool hands the controller its watchdog pool. Called once during
// startup, after the pool has been built with the controller as Launcher.
func (c *Controller) AttachPool(pool *watchdog.Pool) {
	c.pool = pool
}

// LaunchRequest identifies what to launch: an explicit document, a saved
// workflow id, or the project default ("default" or empty id).
type LaunchRequest struct {
	Document   *workflow.Document
	WorkflowID string
}

// LaunchTask resolves, admits, compiles and dispatches a workflow. A nil
// author denotes an auto-launch.
func (c *Controller) LaunchTask(ctx context.Context, project string, req LaunchRequest, author *string) (string, error) {
	meta, err := c.projectMeta(ctx, project)
	if err != nil {
		return "", err
	}

	doc, err := c.resolveWorkflow(ctx, meta, req)
	if err != nil {
		return "", err
	}

	if err := c.canLaunchTask(ctx, meta, author); err != nil {
		c.metrics.AdmissionRefusals.Inc()
		c.metrics.Launches.WithLabelValues("refused").Inc()
		return "", err
	}

	compiled, err := c.compiler.Compile(ctx, project, doc, false)
	if err != nil {
		c.metrics.Launches.WithLabelValues("invalid").Inc()
		return "", err
	}

	id, err := c.dispatcher.Dispatch(ctx, project, compiled, doc, author)
	if err != nil {
		c.metrics.Launches.WithLabelValues("error").Inc()
		return "", fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	c.metrics.Launches.WithLabelValues("ok").Inc()
	if author == nil {
		c.metrics.AutoLaunches.Inc()
	}
	return id, nil
}

// LaunchDefault submits the project's default workflow; it satisfies the
// watchdog's Launcher contract.
func (c *Controller) LaunchDefault(ctx context.Context, project string, author *string) (string, error) {
	return c.LaunchTask(ctx, project, LaunchRequest{WorkflowID: "default"}, author)
}

// resolveWorkflow turns a launch request into a parsed document.
func (c *Controller) resolveWorkflow(ctx context.Context, meta *store.Project, req LaunchRequest) (*workflow.Document, error) {
	if req.Document != nil {
		if err := req.Document.Validate(); err != nil {
			return nil, err
		}
		return req.Document, nil
	}

	id := req.WorkflowID
	if id == "" || id == "default" {
		if meta.DefaultWorkflow == nil {
			// No saved default: fall back to the built-in autotrain plan
			// parameterized with the project's image caps.
			return workflow.DefaultAutotrainWorkflow(meta.MaxNumImagesTrain, meta.MaxNumImagesInference), nil
		}
		id = *meta.DefaultWorkflow
	}

	saved, err := c.store.GetWorkflow(ctx, meta.Shortname, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, id)
		}
		return nil, err
	}
	return workflow.Parse(saved.Workflow)
}

// canLaunchTask enforces the admission rule. Auto-launches are refused
// whenever any task is already running for the project. User launches are
// capped by min(project cap, global cap); a non-positive cap means
// unlimited on that side.
func (c *Controller) canLaunchTask(ctx context.Context, meta *store.Project, author *string) error {
	running, err := c.tracker.Active(ctx, meta.Shortname)
	if err != nil {
		return err
	}

	if author == nil {
		if len(running) > 0 {
			return fmt.Errorf("%w: a task is already running for project %q", ErrAdmissionRefused, meta.Shortname)
		}
		return nil
	}

	limit := 0
	if c.globalCap > 0 {
		limit = c.globalCap
	}
	if m := meta.MaxNumConcurrentTasks; m > 0 && (limit == 0 || m < limit) {
		limit = m
	}
	if limit > 0 && len(running) >= limit {
		return fmt.Errorf("%w: %d of %d tasks running for project %q", ErrAdmissionRefused, len(running), limit, meta.Shortname)
	}
	return nil
}

// RevokeTask aborts one running workflow.
func (c *Controller) RevokeTask(ctx context.Context, project, id, username string) error {
	return c.tracker.Revoke(ctx, username, project, id)
}

// RevokeAllTasks aborts every running workflow of the project.
func (c *Controller) RevokeAllTasks(ctx context.Context, project, username string) error {
	running, err := c.tracker.Active(ctx, project)
	if err != nil {
		return err
	}
	for _, id := range running {
		if err := c.tracker.Revoke(ctx, username, project, id); err != nil {
			c.logger.Warn("revoke failed", "project", project, "workflow", id, "error", err)
		}
	}
	return nil
}

func (c *Controller) projectMeta(ctx context.Context, project string) (*store.Project, error) {
	meta, err := c.store.GetProject(ctx, project)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrStoreGone, project)
	}
	return meta, err
}

// submitMaintenanceTask pushes a standalone worker task (outside any
// workflow run) and returns its broker id.
func (c *Controller) submitMaintenanceTask(ctx context.Context, project, name string, kwargs map[string]any) (string, error) {
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	kwargs["project"] = project

	id := newTaskID()
	node := graph.Single{Sig: graph.Signature{Name: name, Queue: workflow.QueueAIWorker, Kwargs: kwargs}}
	if _, err := c.broker.Submit(ctx, workflow.QueueAIWorker, id, node); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	c.logger.Info("maintenance task submitted", "project", project, "task", name, "id", id)
	return id, nil
}

func newTaskID() string {
	return uuid.NewString()
}

// marshalTime renders a timestamp as epoch seconds for wire payloads.
func marshalTime(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func rawJSON(data []byte) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}
