package domain

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// ValidationError reports bad input: a malformed trigger, a cyclic workflow or
// an out-of-range port request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ExternalCommandError is a nonzero exit from a fetch, install or build command.
type ExternalCommandError struct {
	Command  []string
	ExitCode int
	Output   string
	Err      error
}

func (e *ExternalCommandError) Error() string {
	return fmt.Sprintf("command %q exited with status %d", strings.Join(e.Command, " "), e.ExitCode)
}

func (e *ExternalCommandError) Unwrap() error {
	return e.Err
}

// TimeoutError reports an operation that exceeded its time budget.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	Command []string
	Output  string
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// SupervisorError reports a unit that never reached its desired state.
type SupervisorError struct {
	Unit       string
	Op         string
	State      string
	Diagnostic string
	Err        error
}

func (e *SupervisorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("supervisor %s %s: %v", e.Op, e.Unit, e.Err)
	}
	return fmt.Sprintf("supervisor %s %s: unit state %q", e.Op, e.Unit, e.State)
}

func (e *SupervisorError) Unwrap() error {
	return e.Err
}

// ProxyConfigError reports invalid proxy syntax or a failed activation/reload.
type ProxyConfigError struct {
	Site   string
	Phase  string // render, validate, activate, reload
	Output string
	Err    error
}

func (e *ProxyConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("proxy config %s for %s: %v", e.Phase, e.Site, e.Err)
	}
	return fmt.Sprintf("proxy config %s for %s failed", e.Phase, e.Site)
}

func (e *ProxyConfigError) Unwrap() error {
	return e.Err
}

// HookFailure reports a required hook that exhausted its retries.
type HookFailure struct {
	Event    HookEvent
	HookID   string
	Attempts int
	Err      error
}

func (e *HookFailure) Error() string {
	return fmt.Sprintf("required hook %s for %s failed after %d attempt(s): %v", e.HookID, e.Event, e.Attempts, e.Err)
}

func (e *HookFailure) Unwrap() error {
	return e.Err
}

// PortExhaustionError reports that every port in the range is allocated.
type PortExhaustionError struct {
	Min int
	Max int
}

func (e *PortExhaustionError) Error() string {
	return fmt.Sprintf("no free port in range %d-%d", e.Min, e.Max)
}
