package domain

import (
	"fmt"
	"strconv"
	"time"
)

// HookEvent names a lifecycle extension point.
type HookEvent string

const (
	EventPreDeployment      HookEvent = "pre_deployment"
	EventPostDeployment     HookEvent = "post_deployment"
	EventServiceHealthCheck HookEvent = "service_health_check"

	// EventWorkflowNotify is fired by workflow notify nodes that name no
	// event of their own.
	EventWorkflowNotify HookEvent = "workflow_notify"
)

// Enforcement decides whether an exhausted hook failure is fatal.
type Enforcement string

const (
	EnforcementRequired Enforcement = "required"
	EnforcementOptional Enforcement = "optional"
)

// HookDefinition binds a named handler to an event.
type HookDefinition struct {
	ID          string        `json:"id"`
	Source      string        `json:"source"` // manifest name@version
	Event       HookEvent     `json:"event"`
	Handler     string        `json:"handler"`
	Priority    int           `json:"priority"`
	Timeout     time.Duration `json:"timeout"`
	MaxRetries  int           `json:"max_retries"`
	Enforcement Enforcement   `json:"enforcement"`
}

// Validate checks the definition fields that the executor relies on.
func (h HookDefinition) Validate() error {
	if h.Event == "" {
		return NewValidationError("event", "required")
	}
	if h.Handler == "" {
		return NewValidationError("handler", fmt.Sprintf("required for %s", h.Event))
	}
	if h.Timeout < 0 {
		return NewValidationError("timeout", "must not be negative")
	}
	if h.MaxRetries < 0 {
		return NewValidationError("retries", "must not be negative")
	}
	switch h.Enforcement {
	case EnforcementRequired, EnforcementOptional:
	default:
		return NewValidationError("enforcement", fmt.Sprintf("unknown value %q", h.Enforcement))
	}
	return nil
}

// HookExecutionResult is the audit record of one hook invocation.
type HookExecutionResult struct {
	ID           string        `json:"id"`
	HookID       string        `json:"hook_id"`
	Event        HookEvent     `json:"event"`
	DeploymentID string        `json:"deployment_id,omitempty"`
	Success      bool          `json:"success"`
	Attempts     int           `json:"attempts"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
	ExecutedAt   time.Time     `json:"executed_at"`
}

// HookContext is the data handed to every hook of an event.
type HookContext map[string]string

// Well-known hook context keys.
const (
	HookKeyDeploymentID = "deployment_id"
	HookKeyName         = "name"
	HookKeyPort         = "port"
	HookKeyStage        = "stage"
	HookKeyWorkflowRun  = "workflow_run_id"
	HookKeyNode         = "node"
	HookKeyMessage      = "message"
)

// NewHookContext builds the standard context for a deployment stage.
func NewHookContext(d *Deployment, stage DeploymentStatus) HookContext {
	return HookContext{
		HookKeyDeploymentID: d.ID,
		HookKeyName:         d.Name,
		HookKeyPort:         strconv.Itoa(d.Port),
		HookKeyStage:        string(stage),
	}
}
