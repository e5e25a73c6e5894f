package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Deployment Errors
// =============================================================================

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDeploymentActive  = errors.New("deployment pipeline is already running")
	ErrNotRemovable      = errors.New("deployment must be stopped or failed before removal")
)

// =============================================================================
// Deployment Status
// =============================================================================

// DeploymentStatus is both the lifecycle status of a deployment and, for the
// in-progress values, the pipeline stage currently executing.
type DeploymentStatus string

const (
	StatusQueued                 DeploymentStatus = "queued"
	StatusCloning                DeploymentStatus = "cloning"
	StatusInstallingDependencies DeploymentStatus = "installing_dependencies"
	StatusBuilding               DeploymentStatus = "building"
	StatusConfiguringService     DeploymentStatus = "configuring_service"
	StatusConfiguringProxy       DeploymentStatus = "configuring_proxy"
	StatusStarting               DeploymentStatus = "starting"
	StatusHealthChecking         DeploymentStatus = "health_checking"
	StatusRunning                DeploymentStatus = "running"
	StatusFailed                 DeploymentStatus = "failed"
	StatusStopped                DeploymentStatus = "stopped"
	StatusRemoved                DeploymentStatus = "removed"
)

// InProgress reports whether the status is a pipeline stage.
func (s DeploymentStatus) InProgress() bool {
	switch s {
	case StatusCloning, StatusInstallingDependencies, StatusBuilding,
		StatusConfiguringService, StatusConfiguringProxy, StatusStarting,
		StatusHealthChecking:
		return true
	}
	return false
}

// =============================================================================
// Deployment Type
// =============================================================================

// DeploymentType selects the install/build/start command plan.
type DeploymentType string

const (
	TypeNode   DeploymentType = "node"
	TypePython DeploymentType = "python"
	TypeGo     DeploymentType = "go"
	TypeCustom DeploymentType = "custom"
)

// Valid reports whether t is a known deployment type.
func (t DeploymentType) Valid() bool {
	switch t {
	case TypeNode, TypePython, TypeGo, TypeCustom:
		return true
	}
	return false
}

// =============================================================================
// Trigger
// =============================================================================

// Source is the repository a deployment is built from.
type Source struct {
	URL    string `json:"url"`
	Branch string `json:"branch"`
}

// Trigger is the validated request that creates a deployment.
type Trigger struct {
	DeploymentID string            `json:"deployment_id,omitempty"`
	Name         string            `json:"name"`
	Source       Source            `json:"source"`
	Type         DeploymentType    `json:"type"`
	Env          map[string]string `json:"env,omitempty"`
	Port         int               `json:"port,omitempty"`

	// Commands for TypeCustom. Ignored for the other types.
	Install [][]string `json:"install,omitempty"`
	Build   [][]string `json:"build,omitempty"`
	Start   []string   `json:"start,omitempty"`
}

// =============================================================================
// Deployment
// =============================================================================

// StageFailure captures the context of the stage that failed a deployment.
type StageFailure struct {
	Stage    DeploymentStatus `json:"stage"`
	Message  string           `json:"message"`
	Command  []string         `json:"command,omitempty"`
	ExitCode int              `json:"exit_code,omitempty"`
	Output   string           `json:"output,omitempty"`
}

// Deployment is one managed application instance.
type Deployment struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Type      DeploymentType    `json:"type"`
	Source    Source            `json:"source"`
	Env       map[string]string `json:"env,omitempty"`
	Install   [][]string        `json:"install,omitempty"`
	Build     [][]string        `json:"build,omitempty"`
	Start     []string          `json:"start,omitempty"`
	Port      int               `json:"port,omitempty"`
	Status    DeploymentStatus  `json:"status"`
	LastStage DeploymentStatus  `json:"last_stage,omitempty"`
	LastError string            `json:"last_error,omitempty"`
	Failure   *StageFailure     `json:"failure,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	StoppedAt *time.Time        `json:"stopped_at,omitempty"`
}

// NewDeployment validates a trigger and builds a queued deployment from it.
func NewDeployment(trigger Trigger) (*Deployment, error) {
	if err := ValidateTrigger(trigger); err != nil {
		return nil, err
	}

	id := trigger.DeploymentID
	if id == "" {
		id = uuid.New().String()
	}
	branch := trigger.Source.Branch
	if branch == "" {
		branch = DefaultBranch
	}

	now := time.Now().UTC()
	d := &Deployment{
		ID:        id,
		Name:      trigger.Name,
		Type:      trigger.Type,
		Source:    Source{URL: trigger.Source.URL, Branch: branch},
		Env:       trigger.Env,
		Port:      trigger.Port,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if trigger.Type == TypeCustom {
		d.Install = trigger.Install
		d.Build = trigger.Build
		d.Start = trigger.Start
	}
	return d, nil
}

// Transition moves the deployment to a new status.
func (d *Deployment) Transition(to DeploymentStatus) error {
	if err := ValidateTransition(d.Status, to); err != nil {
		return err
	}

	now := time.Now().UTC()
	d.Status = to
	d.UpdatedAt = now

	switch {
	case to.InProgress():
		d.LastStage = to
	case to == StatusQueued:
		d.LastStage = ""
		d.LastError = ""
		d.Failure = nil
	case to == StatusRunning:
		d.StartedAt = &now
	case to == StatusStopped:
		d.StoppedAt = &now
	}
	return nil
}

// Fail moves the deployment to StatusFailed and records the failing stage.
func (d *Deployment) Fail(failure StageFailure) error {
	if err := ValidateTransition(d.Status, StatusFailed); err != nil {
		return err
	}
	if failure.Stage == "" {
		failure.Stage = d.Status
	}
	d.Status = StatusFailed
	d.LastStage = failure.Stage
	d.LastError = failure.Message
	d.Failure = &failure
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// Removable reports whether the deployment may be removed.
func (d *Deployment) Removable() bool {
	return d.Status == StatusStopped || d.Status == StatusFailed
}

// =============================================================================
// State Machine
// =============================================================================

// validTransitions defines the allowed state transitions. Every pipeline stage
// may fail or be stopped between stages.
var validTransitions = map[DeploymentStatus][]DeploymentStatus{
	StatusQueued:                 {StatusCloning, StatusFailed, StatusStopped},
	StatusCloning:                {StatusInstallingDependencies, StatusFailed, StatusStopped},
	StatusInstallingDependencies: {StatusBuilding, StatusConfiguringService, StatusFailed, StatusStopped},
	StatusBuilding:               {StatusConfiguringService, StatusFailed, StatusStopped},
	StatusConfiguringService:     {StatusConfiguringProxy, StatusFailed, StatusStopped},
	StatusConfiguringProxy:       {StatusStarting, StatusFailed, StatusStopped},
	StatusStarting:               {StatusHealthChecking, StatusFailed, StatusStopped},
	StatusHealthChecking:         {StatusRunning, StatusFailed, StatusStopped},
	StatusRunning:                {StatusStopped},
	StatusStopped:                {StatusQueued, StatusRemoved},
	StatusFailed:                 {StatusQueued, StatusRemoved},
	StatusRemoved:                {}, // Terminal state
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to DeploymentStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// =============================================================================
// Stage Transition History
// =============================================================================

// StageTransition is one recorded status change of a deployment.
type StageTransition struct {
	ID           int64            `json:"id"`
	DeploymentID string           `json:"deployment_id"`
	From         DeploymentStatus `json:"from"`
	To           DeploymentStatus `json:"to"`
	Message      string           `json:"message,omitempty"`
	At           time.Time        `json:"at"`
}

// =============================================================================
// Trigger Validation
// =============================================================================

// DefaultBranch is used when a trigger names no branch.
const DefaultBranch = "main"

var (
	namePattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)
	branchPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]{0,254}$`)
	envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	scpURLPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9.-]+:[A-Za-z0-9._/~-]+$`)
)

// ValidateTrigger checks every field of a trigger.
func ValidateTrigger(t Trigger) error {
	if !namePattern.MatchString(t.Name) {
		return NewValidationError("name", "must be lowercase alphanumeric with hyphens, 1-63 characters")
	}
	if err := ValidateSourceURL(t.Source.URL); err != nil {
		return err
	}
	if t.Source.Branch != "" && (!branchPattern.MatchString(t.Source.Branch) || strings.Contains(t.Source.Branch, "..")) {
		return NewValidationError("source.branch", "invalid branch name")
	}
	if !t.Type.Valid() {
		return NewValidationError("type", fmt.Sprintf("unknown deployment type %q", t.Type))
	}
	if t.Type == TypeCustom && len(t.Start) == 0 {
		return NewValidationError("start", "custom deployments need a start command")
	}
	for key, value := range t.Env {
		if !envKeyPattern.MatchString(key) {
			return NewValidationError("env", fmt.Sprintf("invalid variable name %q", key))
		}
		if strings.ContainsAny(value, "\n\r\x00") {
			return NewValidationError("env", fmt.Sprintf("variable %s contains a control character", key))
		}
	}
	if t.Port < 0 || t.Port > 65535 {
		return NewValidationError("port", "out of range")
	}
	return nil
}

// ValidateSourceURL accepts http(s), ssh, git and file URLs plus scp-like
// "user@host:path" references. A leading dash is never accepted so the value
// cannot be read as a flag by the fetch tool.
func ValidateSourceURL(raw string) error {
	if raw == "" {
		return NewValidationError("source.url", "required")
	}
	if strings.HasPrefix(raw, "-") || strings.ContainsAny(raw, " \t\n\r\x00") {
		return NewValidationError("source.url", "invalid characters")
	}
	for _, scheme := range []string{"https://", "http://", "ssh://", "git://", "file://"} {
		if strings.HasPrefix(raw, scheme) && len(raw) > len(scheme) {
			return nil
		}
	}
	if scpURLPattern.MatchString(raw) {
		return nil
	}
	return NewValidationError("source.url", "unsupported repository URL")
}
