package api

import (
	"net/http"

	"github.com/artpar/hostd/internal/core/domain"
	"github.com/artpar/hostd/internal/shell/api/openapi"
)

// routes documents the API for /openapi.json.
var routes = []openapi.Route{
	{
		Method: http.MethodGet, Path: "/health",
		OperationID: "health", Summary: "Liveness check", Tag: "System",
		Response: HealthResponse{},
	},
	{
		Method: http.MethodPost, Path: "/api/v1/deployments",
		OperationID: "createDeployment", Summary: "Trigger a new deployment", Tag: "Deployments",
		Request: CreateDeploymentRequest{}, Response: DeploymentResponse{}, Status: http.StatusAccepted,
		Errors: []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	},
	{
		Method: http.MethodGet, Path: "/api/v1/deployments",
		OperationID: "listDeployments", Summary: "List deployments", Tag: "Deployments",
		Response: ListDeploymentsResponse{},
	},
	{
		Method: http.MethodGet, Path: "/api/v1/deployments/{id}",
		OperationID: "getDeployment", Summary: "Get a deployment", Tag: "Deployments",
		Response: DeploymentResponse{}, Errors: []int{http.StatusNotFound},
	},
	{
		Method: http.MethodDelete, Path: "/api/v1/deployments/{id}",
		OperationID: "removeDeployment", Summary: "Remove a stopped or failed deployment", Tag: "Deployments",
		Response: DeploymentResponse{}, Errors: []int{http.StatusNotFound, http.StatusConflict},
	},
	{
		Method: http.MethodGet, Path: "/api/v1/deployments/{id}/transitions",
		OperationID: "listTransitions", Summary: "Status history of a deployment", Tag: "Deployments",
		Response: TransitionsResponse{}, Errors: []int{http.StatusNotFound},
	},
	{
		Method: http.MethodGet, Path: "/api/v1/deployments/{id}/hook-executions",
		OperationID: "listHookExecutions", Summary: "Hook invocations of a deployment", Tag: "Deployments",
		Response: HookExecutionsResponse{}, Errors: []int{http.StatusNotFound},
	},
	{
		Method: http.MethodPost, Path: "/api/v1/deployments/{id}/stop",
		OperationID: "stopDeployment", Summary: "Stop a deployment", Tag: "Deployments",
		Response: DeploymentResponse{}, Errors: []int{http.StatusNotFound, http.StatusConflict},
	},
	{
		Method: http.MethodPost, Path: "/api/v1/deployments/{id}/redeploy",
		OperationID: "redeployDeployment", Summary: "Run the pipeline of a stopped or failed deployment again", Tag: "Deployments",
		Response: DeploymentResponse{}, Status: http.StatusAccepted,
		Errors: []int{http.StatusNotFound, http.StatusConflict},
	},
	{
		Method: http.MethodPost, Path: "/api/v1/workflows",
		OperationID: "createWorkflow", Summary: "Define a workflow", Tag: "Workflows",
		Request: CreateWorkflowRequest{}, Response: domain.WorkflowDefinition{}, Status: http.StatusCreated,
		Errors: []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity},
	},
	{
		Method: http.MethodGet, Path: "/api/v1/workflows",
		OperationID: "listWorkflows", Summary: "List workflows", Tag: "Workflows",
		Response: ListWorkflowsResponse{},
	},
	{
		Method: http.MethodGet, Path: "/api/v1/workflows/{id}",
		OperationID: "getWorkflow", Summary: "Get a workflow", Tag: "Workflows",
		Response: domain.WorkflowDefinition{}, Errors: []int{http.StatusNotFound},
	},
	{
		Method: http.MethodPost, Path: "/api/v1/workflows/{id}/runs",
		OperationID: "startWorkflowRun", Summary: "Start a workflow run", Tag: "Workflows",
		Request: RunWorkflowRequest{}, Response: domain.WorkflowRun{}, Status: http.StatusAccepted,
		Errors: []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	},
	{
		Method: http.MethodGet, Path: "/api/v1/workflows/{id}/runs",
		OperationID: "listWorkflowRuns", Summary: "List the runs of a workflow", Tag: "Workflows",
		Response: ListWorkflowRunsResponse{}, Errors: []int{http.StatusNotFound},
	},
	{
		Method: http.MethodGet, Path: "/api/v1/workflow-runs/{id}",
		OperationID: "getWorkflowRun", Summary: "Get a workflow run with per-node status", Tag: "Workflows",
		Response: domain.WorkflowRun{}, Errors: []int{http.StatusNotFound},
	},
	{
		Method: http.MethodPost, Path: "/api/v1/workflow-runs/{id}/cancel",
		OperationID: "cancelWorkflowRun", Summary: "Cancel a run before its next node", Tag: "Workflows",
		Response: domain.WorkflowRun{}, Status: http.StatusAccepted,
		Errors: []int{http.StatusNotFound, http.StatusConflict},
	},
}
