package store

import (
	"context"
	"time"

	"github.com/artpar/hostd/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for deployments, their resources,
// hook audit records and workflows.
type Store interface {
	// Deployment operations
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	GetDeploymentByName(ctx context.Context, name string) (*domain.Deployment, error)
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
	ListDeployments(ctx context.Context, opts ListOptions) ([]domain.Deployment, error)
	ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus) ([]domain.Deployment, error)

	// Stage transition history
	AppendTransition(ctx context.Context, transition *domain.StageTransition) error
	ListTransitions(ctx context.Context, deploymentID string) ([]domain.StageTransition, error)

	// Port allocation operations
	CreatePortAllocation(ctx context.Context, allocation *domain.PortAllocation) error
	GetPortAllocation(ctx context.Context, deploymentID string) (*domain.PortAllocation, error)
	ListAllocatedPorts(ctx context.Context) ([]int, error)
	DeletePortAllocation(ctx context.Context, port int) error

	// Service unit operations
	UpsertServiceUnit(ctx context.Context, unit *domain.ServiceUnit) error
	GetServiceUnit(ctx context.Context, deploymentID string) (*domain.ServiceUnit, error)
	DeleteServiceUnit(ctx context.Context, deploymentID string) error

	// RecordUnitHealth updates the state of an existing unit whose deployment
	// is still running. It never creates a row and returns ErrNotFound when
	// the unit is gone or the deployment has left running.
	RecordUnitHealth(ctx context.Context, deploymentID string, state domain.UnitState, at time.Time) error

	// Hook audit trail (append-only)
	CreateHookExecution(ctx context.Context, result *domain.HookExecutionResult) error
	ListHookExecutions(ctx context.Context, deploymentID string, opts ListOptions) ([]domain.HookExecutionResult, error)

	// Workflow operations
	CreateWorkflowDefinition(ctx context.Context, def *domain.WorkflowDefinition) error
	GetWorkflowDefinition(ctx context.Context, id string) (*domain.WorkflowDefinition, error)
	GetWorkflowDefinitionByName(ctx context.Context, name string) (*domain.WorkflowDefinition, error)
	UpdateWorkflowDefinition(ctx context.Context, def *domain.WorkflowDefinition) error
	ListWorkflowDefinitions(ctx context.Context, opts ListOptions) ([]domain.WorkflowDefinition, error)
	CreateWorkflowRun(ctx context.Context, run *domain.WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id string) (*domain.WorkflowRun, error)
	UpdateWorkflowRun(ctx context.Context, run *domain.WorkflowRun) error
	ListWorkflowRuns(ctx context.Context, workflowID string, opts ListOptions) ([]domain.WorkflowRun, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
