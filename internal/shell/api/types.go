package api

import (
	"sort"
	"time"

	"github.com/artpar/hostd/internal/core/domain"
)

// =============================================================================
// Request Types
// =============================================================================

// CreateDeploymentRequest is the trigger that creates a deployment.
type CreateDeploymentRequest struct {
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	Branch  string            `json:"branch,omitempty"`
	Type    string            `json:"type"`
	Env     map[string]string `json:"env,omitempty"`
	Port    int               `json:"port,omitempty"`
	Install [][]string        `json:"install,omitempty"`
	Build   [][]string        `json:"build,omitempty"`
	Start   []string          `json:"start,omitempty"`
}

func (r CreateDeploymentRequest) trigger() domain.Trigger {
	return domain.Trigger{
		Name:    r.Name,
		Source:  domain.Source{URL: r.URL, Branch: r.Branch},
		Type:    domain.DeploymentType(r.Type),
		Env:     r.Env,
		Port:    r.Port,
		Install: r.Install,
		Build:   r.Build,
		Start:   r.Start,
	}
}

// CreateWorkflowRequest defines a workflow.
type CreateWorkflowRequest struct {
	Name        string                `json:"name"`
	Nodes       []domain.WorkflowNode `json:"nodes"`
	Connections []domain.Connection   `json:"connections"`
}

// RunWorkflowRequest starts a workflow run.
type RunWorkflowRequest struct {
	Params map[string]string `json:"params,omitempty"`
}

// =============================================================================
// Response Types
// =============================================================================

// DeploymentResponse is the response for deployment operations. Environment
// values are not echoed back, only their names.
type DeploymentResponse struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Type      string               `json:"type"`
	URL       string               `json:"url"`
	Branch    string               `json:"branch"`
	Port      int                  `json:"port"`
	Status    string               `json:"status"`
	LastStage string               `json:"last_stage,omitempty"`
	LastError string               `json:"last_error,omitempty"`
	Failure   *domain.StageFailure `json:"failure,omitempty"`
	EnvKeys   []string             `json:"env_keys"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
	StartedAt *time.Time           `json:"started_at,omitempty"`
	StoppedAt *time.Time           `json:"stopped_at,omitempty"`
}

// ListDeploymentsResponse is the response for listing deployments.
type ListDeploymentsResponse struct {
	Deployments []DeploymentResponse `json:"deployments"`
	Total       int                  `json:"total"`
	Limit       int                  `json:"limit"`
	Offset      int                  `json:"offset"`
}

// TransitionsResponse lists a deployment's status history, oldest first.
type TransitionsResponse struct {
	Transitions []domain.StageTransition `json:"transitions"`
}

// HookExecutionsResponse lists a deployment's hook invocations.
type HookExecutionsResponse struct {
	Executions []domain.HookExecutionResult `json:"executions"`
}

// ListWorkflowsResponse is the response for listing workflows.
type ListWorkflowsResponse struct {
	Workflows []domain.WorkflowDefinition `json:"workflows"`
	Total     int                         `json:"total"`
}

// ListWorkflowRunsResponse lists the runs of one workflow.
type ListWorkflowRunsResponse struct {
	Runs []domain.WorkflowRun `json:"runs"`
}

// ErrorResponse is the error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

func deploymentToResponse(d *domain.Deployment) DeploymentResponse {
	resp := DeploymentResponse{
		ID:        d.ID,
		Name:      d.Name,
		Type:      string(d.Type),
		URL:       d.Source.URL,
		Branch:    d.Source.Branch,
		Port:      d.Port,
		Status:    string(d.Status),
		LastStage: string(d.LastStage),
		LastError: d.LastError,
		Failure:   d.Failure,
		EnvKeys:   make([]string, 0, len(d.Env)),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
		StartedAt: d.StartedAt,
		StoppedAt: d.StoppedAt,
	}
	for k := range d.Env {
		resp.EnvKeys = append(resp.EnvKeys, k)
	}
	sort.Strings(resp.EnvKeys)
	return resp
}
