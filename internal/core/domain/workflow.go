package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Workflow Definition
// =============================================================================

// FailurePolicy decides what a node failure does to the rest of a run.
type FailurePolicy string

const (
	// OnFailureAbort fails the whole run and skips every unexecuted node.
	OnFailureAbort FailurePolicy = "abort"
	// OnFailureContinue skips only nodes downstream of the failed node.
	OnFailureContinue FailurePolicy = "continue"
)

// WorkflowNode is one typed step of a workflow.
type WorkflowNode struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Config  map[string]any `json:"config,omitempty"`
	Inputs  []string       `json:"inputs,omitempty"`
	Outputs []string       `json:"outputs,omitempty"`

	OnFailure         FailurePolicy `json:"on_failure,omitempty"`
	Retries           int           `json:"retries,omitempty"`
	RetryDelaySeconds int           `json:"retry_delay_seconds,omitempty"`
	TimeoutSeconds    int           `json:"timeout_seconds,omitempty"`
}

// Policy returns the node's failure policy, defaulting to abort.
func (n WorkflowNode) Policy() FailurePolicy {
	if n.OnFailure == "" {
		return OnFailureAbort
	}
	return n.OnFailure
}

// Connection wires an output port of one node to an input port of another.
type Connection struct {
	FromNode string `json:"from_node"`
	FromPort string `json:"from_port"`
	ToNode   string `json:"to_node"`
	ToPort   string `json:"to_port"`
}

// WorkflowDefinition is a user-defined graph of automation steps.
type WorkflowDefinition struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Nodes       []WorkflowNode `json:"nodes"`
	Connections []Connection   `json:"connections"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// =============================================================================
// Workflow Run
// =============================================================================

// NodeStatus is the execution status of one node within a run.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// RunStatus is the overall status of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Finished reports whether the run reached a final status.
func (s RunStatus) Finished() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// NodeRun is the per-node entry of a run. Only the node's own execution
// writes to it.
type NodeRun struct {
	NodeID     string         `json:"node_id"`
	Status     NodeStatus     `json:"status"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// WorkflowRun is one execution of a workflow definition. Nodes is indexed in
// topological order.
type WorkflowRun struct {
	ID         string            `json:"id"`
	WorkflowID string            `json:"workflow_id"`
	Status     RunStatus         `json:"status"`
	Params     map[string]string `json:"params,omitempty"`
	Nodes      []NodeRun         `json:"nodes"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// NewWorkflowRun creates a pending run with one pending entry per node id.
func NewWorkflowRun(workflowID string, order []string, params map[string]string) *WorkflowRun {
	nodes := make([]NodeRun, len(order))
	for i, id := range order {
		nodes[i] = NodeRun{NodeID: id, Status: NodePending}
	}
	return &WorkflowRun{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Status:     RunPending,
		Params:     params,
		Nodes:      nodes,
		CreatedAt:  time.Now().UTC(),
	}
}
