// Package api provides the thin HTTP façade over the orchestration core.
// Every endpoint wraps a controller operation in the {status, message}
// envelope; authentication is handled upstream and is not part of this
// service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/antigravity-dev/labelforge/internal/controller"
	"github.com/antigravity-dev/labelforge/internal/models"
	"github.com/antigravity-dev/labelforge/internal/workflow"
)

// Core is the slice of the controller the HTTP layer exposes.
type Core interface {
	LaunchTask(ctx context.Context, project string, req controller.LaunchRequest, author *string) (string, error)
	RevokeTask(ctx context.Context, project, id, username string) error
	RevokeAllTasks(ctx context.Context, project, username string) error
	CheckStatus(ctx context.Context, project string, flags controller.StatusFlags) (*controller.Status, error)

	SaveWorkflow(ctx context.Context, project, username string, doc *workflow.Document, id, name string, setDefault bool) (string, error)
	SetDefaultWorkflow(ctx context.Context, project, id string) error
	ListWorkflows(ctx context.Context, project string) ([]controller.SavedWorkflow, error)
	DeleteWorkflows(ctx context.Context, project, username string, ids []string) ([]string, error)
	DeleteWorkflowHistory(ctx context.Context, project, username string, ids []string, revokeRunning bool) ([]string, error)

	ListModelStates(ctx context.Context, project string, latestOnly bool) ([]controller.ModelStateInfo, error)
	DeleteModelStates(ctx context.Context, project, username string, ids []string) (string, error)
	DuplicateModelState(ctx context.Context, project, username, id string, skipIfLatest bool) (string, error)
	GetModelTrainingStats(ctx context.Context, project, username string, ids []string) (string, error)
	GetAIModelTrainingInfo(ctx context.Context, project string) (*controller.TrainingInfo, error)
	GetAvailableAIModels(ctx context.Context, project string) (map[string][]*models.Entry, error)
	VerifyAIModelOptions(ctx context.Context, project string, options map[string]any, library string) (models.Verdict, error)
	UpdateAIModelSettings(ctx context.Context, project string, req controller.AISettingsRequest) error
	GetLabelclassAutoadaptInfo(ctx context.Context, project string) (*controller.AutoadaptInfo, error)
	SetLabelclassAutoadaptEnabled(ctx context.Context, project string, enabled bool) (bool, error)
}

// Server is the HTTP API server.
type Server struct {
	core       Core
	gatherer   prometheus.Gatherer
	bind       string
	logger     *slog.Logger
	httpServer *http.Server
}

func NewServer(core Core, gatherer prometheus.Gatherer, bind string, logger *slog.Logger) *Server {
	return &Server{
		core:     core,
		gatherer: gatherer,
		bind:     bind,
		logger:   logger.With("component", "api"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /projects/{project}/tasks", s.handleLaunch)
	mux.HandleFunc("DELETE /projects/{project}/tasks/{id}", s.handleRevoke)
	mux.HandleFunc("DELETE /projects/{project}/tasks", s.handleRevokeAll)
	mux.HandleFunc("GET /projects/{project}/status", s.handleStatus)

	mux.HandleFunc("GET /projects/{project}/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /projects/{project}/workflows", s.handleSaveWorkflow)
	mux.HandleFunc("DELETE /projects/{project}/workflows", s.handleDeleteWorkflows)
	mux.HandleFunc("POST /projects/{project}/workflows/default", s.handleSetDefaultWorkflow)
	mux.HandleFunc("DELETE /projects/{project}/history", s.handleDeleteHistory)

	mux.HandleFunc("GET /projects/{project}/model-states", s.handleListModelStates)
	mux.HandleFunc("DELETE /projects/{project}/model-states", s.handleDeleteModelStates)
	mux.HandleFunc("POST /projects/{project}/model-states/{id}/duplicate", s.handleDuplicateModelState)
	mux.HandleFunc("POST /projects/{project}/model-states/stats", s.handleTrainingStats)

	mux.HandleFunc("GET /projects/{project}/training-info", s.handleTrainingInfo)
	mux.HandleFunc("GET /models", s.handleAvailableModels)
	mux.HandleFunc("POST /projects/{project}/model-options/verify", s.handleVerifyOptions)
	mux.HandleFunc("POST /projects/{project}/model-settings", s.handleUpdateSettings)
	mux.HandleFunc("GET /projects/{project}/labelclass-autoadapt", s.handleAutoadaptInfo)
	mux.HandleFunc("POST /projects/{project}/labelclass-autoadapt", s.handleSetAutoadapt)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// Start listens on the configured bind address and blocks until the context
// is cancelled.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:        s.bind,
		Handler:     s.Handler(),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "bind", s.bind)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// envelope is the uniform response wrapper: status 0 means ok.
type envelope struct {
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(envelope{Status: 0, Data: data})
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var invalid *workflow.InvalidWorkflowError
	switch {
	case errors.As(err, &invalid):
		code = http.StatusBadRequest
	case errors.Is(err, controller.ErrAdmissionRefused):
		code = http.StatusConflict
	case errors.Is(err, controller.ErrUnknownWorkflow), errors.Is(err, controller.ErrStoreGone):
		code = http.StatusNotFound
	case errors.Is(err, controller.ErrBrokerUnavailable):
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(envelope{Status: 1, Message: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func invalidBody(err error) error {
	return &workflow.InvalidWorkflowError{Reason: "malformed request body: " + err.Error()}
}

func boolQuery(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

type launchRequest struct {
	Workflow json.RawMessage `json:"workflow"`
	ID       string          `json:"workflow_id"`
	Author   *string         `json:"author"`
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var body launchRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, invalidBody(err))
		return
	}

	req := controller.LaunchRequest{WorkflowID: body.ID}
	if len(body.Workflow) > 0 {
		doc, err := workflow.Parse(body.Workflow)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		req = controller.LaunchRequest{Document: doc}
	}

	id, err := s.core.LaunchTask(r.Context(), r.PathValue("project"), req, body.Author)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"id": id})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if err := s.core.RevokeTask(r.Context(), r.PathValue("project"), r.PathValue("id"), username); err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if err := s.core.RevokeAllTasks(r.Context(), r.PathValue("project"), username); err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	flags := controller.StatusFlags{
		Project: boolQuery(r, "project"),
		Tasks:   boolQuery(r, "tasks"),
		Workers: boolQuery(r, "workers"),
		Nudge:   boolQuery(r, "nudge"),
		Recheck: boolQuery(r, "recheck"),
	}
	status, err := s.core.CheckStatus(r.Context(), r.PathValue("project"), flags)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, status)
}

type saveWorkflowRequest struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Username   string          `json:"username"`
	Workflow   json.RawMessage `json:"workflow"`
	SetDefault bool            `json:"set_default"`
}

func (s *Server) handleSaveWorkflow(w http.ResponseWriter, r *http.Request) {
	var body saveWorkflowRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, invalidBody(err))
		return
	}
	doc, err := workflow.Parse(body.Workflow)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	id, err := s.core.SaveWorkflow(r.Context(), r.PathValue("project"), body.Username, doc, body.ID, body.Name, body.SetDefault)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"id": id})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.core.ListWorkflows(r.Context(), r.PathValue("project"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, workflows)
}

type idsRequest struct {
	IDs      []string `json:"ids"`
	Username string   `json:"username"`
}

func (s *Server) handleDeleteWorkflows(w http.ResponseWriter, r *http.Request) {
	var body idsRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, invalidBody(err))
		return
	}
	deleted, err := s.core.DeleteWorkflows(r.Context(), r.PathValue("project"), body.Username, body.IDs)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"deleted": deleted})
}

func (s *Server) handleSetDefaultWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, invalidBody(err))
		return
	}
	if err := s.core.SetDefaultWorkflow(r.Context(), r.PathValue("project"), body.ID); err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

type deleteHistoryRequest struct {
	IDs           []string `json:"ids"`
	Username      string   `json:"username"`
	RevokeRunning bool     `json:"revoke_running"`
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	var body deleteHistoryRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, invalidBody(err))
		return
	}
	deleted, err := s.core.DeleteWorkflowHistory(r.Context(), r.PathValue("project"), body.Username, body.IDs, body.RevokeRunning)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"deleted": deleted})
}

func (s *Server) handleListModelStates(w http.ResponseWriter, r *http.Request) {
	states, err := s.core.ListModelStates(r.Context(), r.PathValue("project"), boolQuery(r, "latest_only"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, states)
}

func (s *Server) handleDeleteModelStates(w http.ResponseWriter, r *http.Request) {
	var body idsRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, invalidBody(err))
		return
	}
	taskID, err := s.core.DeleteModelStates(r.Context(), r.PathValue("project"), body.Username, body.IDs)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"task_id": taskID})
}

func (s *Server) handleDuplicateModelState(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username     string `json:"username"`
		SkipIfLatest bool   `json:"skip_if_latest"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, invalidBody(err))
		return
	}
	id, err := s.core.DuplicateModelState(r.Context(), r.PathValue("project"), body.Username, r.PathValue("id"), body.SkipIfLatest)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"id": id})
}

func (s *Server) handleTrainingStats(w http.ResponseWriter, r *http.Request) {
	var body idsRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, invalidBody(err))
		return
	}
	taskID, err := s.core.GetModelTrainingStats(r.Context(), r.PathValue("project"), body.Username, body.IDs)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"task_id": taskID})
}

func (s *Server) handleTrainingInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.core.GetAIModelTrainingInfo(r.Context(), r.PathValue("project"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, info)
}

func (s *Server) handleAvailableModels(w http.ResponseWriter, r *http.Request) {
	available, err := s.core.GetAvailableAIModels(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, available)
}

func (s *Server) handleVerifyOptions(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Library string         `json:"library"`
		Options map[string]any `json:"options"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, invalidBody(err))
		return
	}
	verdict, err := s.core.VerifyAIModelOptions(r.Context(), r.PathValue("project"), body.Options, body.Library)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, verdict)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var body controller.AISettingsRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, invalidBody(err))
		return
	}
	if err := s.core.UpdateAIModelSettings(r.Context(), r.PathValue("project"), body); err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleAutoadaptInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.core.GetLabelclassAutoadaptInfo(r.Context(), r.PathValue("project"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, info)
}

func (s *Server) handleSetAutoadapt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, invalidBody(err))
		return
	}
	enabled, err := s.core.SetLabelclassAutoadaptEnabled(r.Context(), r.PathValue("project"), body.Enabled)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w, map[string]bool{"enabled": enabled})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"state": "ok"})
}
