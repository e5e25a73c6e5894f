// Package api serves the HTTP trigger surface of hostd: deployment triggers
// and lifecycle actions, workflow definitions and runs, health, metrics and
// the OpenAPI document.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/artpar/hostd/internal/core/domain"
	"github.com/artpar/hostd/internal/shell/api/openapi"
	"github.com/artpar/hostd/internal/shell/store"
	"github.com/artpar/hostd/internal/shell/workflow"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Deployments drives deployment pipelines.
type Deployments interface {
	Submit(ctx context.Context, trigger domain.Trigger) (*domain.Deployment, error)
	Start(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.Deployment, error)
	List(ctx context.Context, opts store.ListOptions) ([]domain.Deployment, error)
	Stop(ctx context.Context, id string) error
	Redeploy(ctx context.Context, id string) (*domain.Deployment, error)
	Remove(ctx context.Context, id string) (*domain.Deployment, error)
}

// Workflows defines and runs workflows.
type Workflows interface {
	CreateDefinition(ctx context.Context, def *domain.WorkflowDefinition) error
	Start(ctx context.Context, workflowID string, params map[string]string) (*domain.WorkflowRun, error)
	GetRun(ctx context.Context, runID string) (*domain.WorkflowRun, error)
	Cancel(runID string) error
}

// =============================================================================
// Handler
// =============================================================================

// Handler provides the HTTP handlers.
type Handler struct {
	deployments Deployments
	workflows   Workflows
	store       store.Store
	metrics     http.Handler
	openapi     *openapi.Generator
	logger      *slog.Logger
}

// NewHandler creates a handler. metrics may be nil to leave /metrics out.
func NewHandler(d Deployments, w Workflows, s store.Store, metrics http.Handler, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	h := &Handler{
		deployments: d,
		workflows:   w,
		store:       s,
		metrics:     metrics,
		logger:      l.With("component", "api"),
		openapi: openapi.NewGenerator(
			openapi.WithTitle("hostd API"),
			openapi.WithVersion("1.0.0"),
			openapi.WithDescription("Deployment triggers, lifecycle actions and workflow runs"),
		),
	}
	h.openapi.Register(routes...)
	return h
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestIDHeader)

	r.Get("/health", h.handleHealth)
	r.Get("/openapi.json", h.openapi.Handler())
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.jsonContentType)

		r.Route("/deployments", func(r chi.Router) {
			r.Post("/", h.handleCreateDeployment)
			r.Get("/", h.handleListDeployments)
			r.Get("/{id}", h.handleGetDeployment)
			r.Delete("/{id}", h.handleRemoveDeployment)
			r.Get("/{id}/transitions", h.handleListTransitions)
			r.Get("/{id}/hook-executions", h.handleListHookExecutions)
			r.Post("/{id}/stop", h.handleStopDeployment)
			r.Post("/{id}/redeploy", h.handleRedeployDeployment)
		})

		r.Route("/workflows", func(r chi.Router) {
			r.Post("/", h.handleCreateWorkflow)
			r.Get("/", h.handleListWorkflows)
			r.Get("/{id}", h.handleGetWorkflow)
			r.Post("/{id}/runs", h.handleStartWorkflowRun)
			r.Get("/{id}/runs", h.handleListWorkflowRuns)
		})

		r.Route("/workflow-runs", func(r chi.Router) {
			r.Get("/{id}", h.handleGetWorkflowRun)
			r.Post("/{id}/cancel", h.handleCancelWorkflowRun)
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// =============================================================================
// Deployment Handlers
// =============================================================================

func (h *Handler) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req CreateDeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "invalid_json")
		return
	}

	d, err := h.deployments.Submit(r.Context(), req.trigger())
	if err != nil {
		h.writeDomainError(w, err, "failed to create deployment")
		return
	}
	if err := h.deployments.Start(r.Context(), d.ID); err != nil {
		h.writeDomainError(w, err, "failed to start deployment")
		return
	}

	h.logger.Info("deployment triggered", "deployment_id", d.ID, "name", d.Name, "port", d.Port)
	h.writeJSON(w, http.StatusAccepted, deploymentToResponse(d))
}

func (h *Handler) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	opts := store.DefaultListOptions()
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}

	deployments, err := h.deployments.List(r.Context(), opts)
	if err != nil {
		h.writeDomainError(w, err, "failed to list deployments")
		return
	}

	resp := ListDeploymentsResponse{
		Deployments: make([]DeploymentResponse, 0, len(deployments)),
		Total:       len(deployments),
		Limit:       opts.Limit,
		Offset:      opts.Offset,
	}
	for i := range deployments {
		resp.Deployments = append(resp.Deployments, deploymentToResponse(&deployments[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := h.deployments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err, "failed to get deployment")
		return
	}
	h.writeJSON(w, http.StatusOK, deploymentToResponse(d))
}

func (h *Handler) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetDeployment(r.Context(), id); err != nil {
		h.writeDomainError(w, err, "failed to get deployment")
		return
	}

	transitions, err := h.store.ListTransitions(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "failed to list transitions")
		return
	}
	if transitions == nil {
		transitions = []domain.StageTransition{}
	}
	h.writeJSON(w, http.StatusOK, TransitionsResponse{Transitions: transitions})
}

func (h *Handler) handleListHookExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetDeployment(r.Context(), id); err != nil {
		h.writeDomainError(w, err, "failed to get deployment")
		return
	}

	executions, err := h.store.ListHookExecutions(r.Context(), id, store.DefaultListOptions())
	if err != nil {
		h.writeDomainError(w, err, "failed to list hook executions")
		return
	}
	if executions == nil {
		executions = []domain.HookExecutionResult{}
	}
	h.writeJSON(w, http.StatusOK, HookExecutionsResponse{Executions: executions})
}

func (h *Handler) handleStopDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.deployments.Stop(r.Context(), id); err != nil {
		h.writeDomainError(w, err, "failed to stop deployment")
		return
	}

	// A run in flight only takes the request; it stops at its next stage.
	d, err := h.deployments.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "failed to get deployment")
		return
	}
	status := http.StatusOK
	if d.Status != domain.StatusStopped {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, deploymentToResponse(d))
}

func (h *Handler) handleRedeployDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := h.deployments.Redeploy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err, "failed to redeploy deployment")
		return
	}
	h.writeJSON(w, http.StatusAccepted, deploymentToResponse(d))
}

func (h *Handler) handleRemoveDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := h.deployments.Remove(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err, "failed to remove deployment")
		return
	}
	h.writeJSON(w, http.StatusOK, deploymentToResponse(d))
}

// =============================================================================
// Workflow Handlers
// =============================================================================

func (h *Handler) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "invalid_json")
		return
	}

	def := &domain.WorkflowDefinition{Name: req.Name, Nodes: req.Nodes, Connections: req.Connections}
	if err := h.workflows.CreateDefinition(r.Context(), def); err != nil {
		h.writeDomainError(w, err, "failed to create workflow")
		return
	}
	h.writeJSON(w, http.StatusCreated, def)
}

func (h *Handler) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	defs, err := h.store.ListWorkflowDefinitions(r.Context(), store.DefaultListOptions())
	if err != nil {
		h.writeDomainError(w, err, "failed to list workflows")
		return
	}
	if defs == nil {
		defs = []domain.WorkflowDefinition{}
	}
	h.writeJSON(w, http.StatusOK, ListWorkflowsResponse{Workflows: defs, Total: len(defs)})
}

func (h *Handler) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := h.store.GetWorkflowDefinition(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err, "failed to get workflow")
		return
	}
	h.writeJSON(w, http.StatusOK, def)
}

func (h *Handler) handleStartWorkflowRun(w http.ResponseWriter, r *http.Request) {
	var req RunWorkflowRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON", "invalid_json")
			return
		}
	}

	run, err := h.workflows.Start(r.Context(), chi.URLParam(r, "id"), req.Params)
	if err != nil {
		h.writeDomainError(w, err, "failed to start workflow run")
		return
	}
	h.logger.Info("workflow run started", "run_id", run.ID, "workflow_id", run.WorkflowID)
	h.writeJSON(w, http.StatusAccepted, run)
}

func (h *Handler) handleListWorkflowRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetWorkflowDefinition(r.Context(), id); err != nil {
		h.writeDomainError(w, err, "failed to get workflow")
		return
	}
	runs, err := h.store.ListWorkflowRuns(r.Context(), id, store.DefaultListOptions())
	if err != nil {
		h.writeDomainError(w, err, "failed to list workflow runs")
		return
	}
	if runs == nil {
		runs = []domain.WorkflowRun{}
	}
	h.writeJSON(w, http.StatusOK, ListWorkflowRunsResponse{Runs: runs})
}

func (h *Handler) handleGetWorkflowRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.workflows.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err, "failed to get workflow run")
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleCancelWorkflowRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.workflows.GetRun(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "failed to get workflow run")
		return
	}
	if err := h.workflows.Cancel(id); err != nil {
		h.writeDomainError(w, err, "failed to cancel workflow run")
		return
	}
	h.writeJSON(w, http.StatusAccepted, run)
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// writeDomainError maps err onto a status code. Unclassified errors are
// logged and reported as fallback.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error, fallback string) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(fallback, "error", err)
		h.writeError(w, status, fallback, code)
		return
	}
	h.writeError(w, status, err.Error(), code)
}

func classify(err error) (int, string) {
	var validationErr *domain.ValidationError
	var exhausted *domain.PortExhaustionError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusUnprocessableEntity, "validation_error"
	case errors.As(err, &exhausted):
		return http.StatusServiceUnavailable, "ports_exhausted"
	case store.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrDuplicateName):
		return http.StatusConflict, "duplicate_name"
	case store.IsConflict(err):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrDeploymentActive):
		return http.StatusConflict, "deployment_active"
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotRemovable):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, workflow.ErrRunNotActive):
		return http.StatusConflict, "run_not_active"
	}
	return http.StatusInternalServerError, "internal_error"
}
