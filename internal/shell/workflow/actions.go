package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/hostd/internal/core/command"
	"github.com/artpar/hostd/internal/core/domain"
	shellcmd "github.com/artpar/hostd/internal/shell/command"
	"github.com/artpar/hostd/internal/shell/store"
)

// Built-in node types.
const (
	TypeDeploy    = "deploy"
	TypeWait      = "wait"
	TypeCondition = "condition"
	TypeNotify    = "notify"
	TypeCommand   = "command"
)

// Deployer runs deployment pipelines synchronously.
type Deployer interface {
	Submit(ctx context.Context, trigger domain.Trigger) (*domain.Deployment, error)
	Stop(ctx context.Context, id string) error
	Requeue(ctx context.Context, id string) (*domain.Deployment, error)
	Run(ctx context.Context, id string) (*domain.Deployment, error)
}

// DeploymentFinder looks deployments up by name.
type DeploymentFinder interface {
	GetDeploymentByName(ctx context.Context, name string) (*domain.Deployment, error)
}

// HookFirer fires hook events.
type HookFirer interface {
	Fire(ctx context.Context, event domain.HookEvent, hc domain.HookContext) ([]domain.HookExecutionResult, error)
}

// Builtins holds what the built-in actions need. Actions whose collaborators
// are nil are not registered.
type Builtins struct {
	Deployer    Deployer
	Deployments DeploymentFinder
	Hooks       HookFirer
	Runner      shellcmd.Runner
	AllowList   *command.AllowList
}

// RegisterBuiltins registers the built-in actions on e.
func RegisterBuiltins(e *Engine, b Builtins) error {
	actions := map[string]Action{
		TypeWait:      ActionFunc(waitAction),
		TypeCondition: ActionFunc(conditionAction),
	}
	if b.Deployer != nil && b.Deployments != nil {
		actions[TypeDeploy] = &DeployAction{Deployer: b.Deployer, Deployments: b.Deployments}
	}
	if b.Hooks != nil {
		actions[TypeNotify] = &NotifyAction{Hooks: b.Hooks}
	}
	if b.Runner != nil {
		actions[TypeCommand] = &CommandAction{Runner: b.Runner, AllowList: b.AllowList}
	}
	for _, t := range []string{TypeDeploy, TypeWait, TypeCondition, TypeNotify, TypeCommand} {
		a, ok := actions[t]
		if !ok {
			continue
		}
		if err := e.RegisterAction(t, a); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// deploy
// =============================================================================

// DeployAction deploys or redeploys the deployment named by the "deployment"
// argument. A new deployment needs a "url"; "branch", "type" and "port" are
// optional. The node fails when the pipeline ends Failed.
type DeployAction struct {
	Deployer    Deployer
	Deployments DeploymentFinder
}

func (a *DeployAction) Execute(ctx context.Context, node domain.WorkflowNode, in Input) (map[string]any, error) {
	name := stringArg(node, in, "deployment")
	if name == "" {
		return nil, domain.NewValidationError("deployment", "deploy node needs a deployment name")
	}

	id, err := a.prepare(ctx, node, in, name)
	if err != nil {
		return nil, err
	}
	d, err := a.Deployer.Run(ctx, id)
	if err != nil {
		return nil, err
	}

	outputs := map[string]any{
		"deployment_id": d.ID,
		"status":        string(d.Status),
		"port":          d.Port,
	}
	if d.Status == domain.StatusFailed {
		msg := "deployment failed"
		if d.Failure != nil {
			msg = d.Failure.Message
		}
		return outputs, fmt.Errorf("deployment %s failed at %s: %s", name, d.LastStage, msg)
	}
	return outputs, nil
}

// prepare returns the id of a queued deployment for name.
func (a *DeployAction) prepare(ctx context.Context, node domain.WorkflowNode, in Input, name string) (string, error) {
	existing, err := a.Deployments.GetDeploymentByName(ctx, name)
	if err != nil && !store.IsNotFound(err) {
		return "", err
	}
	if err != nil {
		url := stringArg(node, in, "url")
		if url == "" {
			return "", domain.NewValidationError("url", fmt.Sprintf("deployment %q does not exist and no url was given", name))
		}
		port, _, err := intArg(node, in, "port")
		if err != nil {
			return "", err
		}
		d, err := a.Deployer.Submit(ctx, domain.Trigger{
			Name:   name,
			Source: domain.Source{URL: url, Branch: stringArg(node, in, "branch")},
			Type:   domain.DeploymentType(stringArg(node, in, "type")),
			Port:   port,
		})
		if err != nil {
			return "", err
		}
		return d.ID, nil
	}

	switch existing.Status {
	case domain.StatusQueued:
		return existing.ID, nil
	case domain.StatusRunning:
		if err := a.Deployer.Stop(ctx, existing.ID); err != nil {
			return "", err
		}
	}
	if _, err := a.Deployer.Requeue(ctx, existing.ID); err != nil {
		return "", err
	}
	return existing.ID, nil
}

// =============================================================================
// wait, condition
// =============================================================================

// waitAction sleeps for "seconds" or a Go "duration" string and passes its
// "value" input through.
func waitAction(ctx context.Context, node domain.WorkflowNode, in Input) (map[string]any, error) {
	var d time.Duration
	if s := stringArg(node, in, "duration"); s != "" {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return nil, domain.NewValidationError("duration", err.Error())
		}
		d = parsed
	} else {
		n, _, err := intArg(node, in, "seconds")
		if err != nil {
			return nil, err
		}
		d = time.Duration(n) * time.Second
	}
	if d < 0 {
		return nil, domain.NewValidationError("duration", "must not be negative")
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	out := map[string]any{"done": true}
	if v, ok := in.Values["value"]; ok {
		out["value"] = v
	}
	return out, nil
}

// conditionAction emits its "value" on the "true" or the "false" port. With
// "equals" configured the value is compared to it, otherwise its truthiness
// decides.
func conditionAction(_ context.Context, node domain.WorkflowNode, in Input) (map[string]any, error) {
	v, _ := arg(node, in, "value")

	var result bool
	if want, ok := node.Config["equals"]; ok {
		result = fmt.Sprint(v) == fmt.Sprint(want)
	} else {
		result = truthy(v)
	}
	if result {
		return map[string]any{"true": v}, nil
	}
	return map[string]any{"false": v}, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		if err == nil {
			return b
		}
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	}
	return true
}

// =============================================================================
// notify
// =============================================================================

// NotifyAction fires a hook event. The event defaults to workflow_notify.
// Run parameters reach hooks as param_<name> context keys.
type NotifyAction struct {
	Hooks HookFirer
}

func (a *NotifyAction) Execute(ctx context.Context, node domain.WorkflowNode, in Input) (map[string]any, error) {
	event := domain.HookEvent(stringArg(node, in, "event"))
	if event == "" {
		event = domain.EventWorkflowNotify
	}

	hc := domain.HookContext{
		domain.HookKeyWorkflowRun: in.RunID,
		domain.HookKeyNode:        node.ID,
		domain.HookKeyMessage:     stringArg(node, in, "message"),
	}
	for k, v := range in.Params {
		hc["param_"+k] = v
	}
	if id := stringArg(node, in, "deployment_id"); id != "" {
		hc[domain.HookKeyDeploymentID] = id
	}

	results, err := a.Hooks.Fire(ctx, event, hc)
	if err != nil {
		return nil, err
	}
	return map[string]any{"hooks": len(results)}, nil
}

// =============================================================================
// command
// =============================================================================

// CommandAction runs the argument vector in "argv" with the optional working
// directory "dir".
type CommandAction struct {
	Runner    shellcmd.Runner
	AllowList *command.AllowList
}

func (a *CommandAction) Execute(ctx context.Context, node domain.WorkflowNode, in Input) (map[string]any, error) {
	raw, _ := arg(node, in, "argv")
	argv, err := toArgv(raw)
	if err != nil {
		return nil, err
	}
	if a.AllowList != nil {
		if err := a.AllowList.Validate(argv); err != nil {
			return nil, err
		}
	}

	res, err := a.Runner.Run(ctx, command.Command{Argv: argv, Dir: stringArg(node, in, "dir")})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"output":    strings.TrimSpace(res.Output),
		"exit_code": res.ExitCode,
	}, nil
}

func toArgv(v any) ([]string, error) {
	var argv []string
	switch t := v.(type) {
	case []string:
		argv = t
	case []any:
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, domain.NewValidationError("argv", fmt.Sprintf("argument %v is not a string", e))
			}
			argv = append(argv, s)
		}
	case nil:
	default:
		return nil, domain.NewValidationError("argv", "must be a list of strings")
	}
	if len(argv) == 0 {
		return nil, domain.NewValidationError("argv", "required")
	}
	return argv, nil
}

// =============================================================================
// Arguments
// =============================================================================

// arg looks key up in the node's inputs, then its config, then the run
// parameters.
func arg(node domain.WorkflowNode, in Input, key string) (any, bool) {
	if v, ok := in.Values[key]; ok {
		return v, true
	}
	if v, ok := node.Config[key]; ok {
		return v, true
	}
	if v, ok := in.Params[key]; ok {
		return v, true
	}
	return nil, false
}

func stringArg(node domain.WorkflowNode, in Input, key string) string {
	v, ok := arg(node, in, key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// intArg reports whether key is set; a value that is set but not an integer
// is a validation error.
func intArg(node domain.WorkflowNode, in Input, key string) (int, bool, error) {
	v, ok := arg(node, in, key)
	if !ok || v == nil || v == "" {
		return 0, false, nil
	}
	n, err := toInt(v)
	if err != nil {
		return 0, true, domain.NewValidationError(key, fmt.Sprintf("%v is not an integer", v))
	}
	return n, true, nil
}

var errNotNumber = errors.New("not a number")

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(t))
	}
	return 0, errNotNumber
}
