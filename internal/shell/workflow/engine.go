// Package workflow executes user-defined workflow graphs.
//
// A run walks the compiled plan one node at a time. Each node reads its inputs
// from the recorded outputs of its predecessors, runs the action registered
// for its type under the node's retry policy and records its own entry of the
// run. Separate runs execute concurrently.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/artpar/hostd/internal/core/domain"
	"github.com/artpar/hostd/internal/core/retry"
	"github.com/artpar/hostd/internal/core/workflow"
	"github.com/artpar/hostd/internal/shell/metrics"
	"github.com/artpar/hostd/internal/shell/store"
	"github.com/google/uuid"
)

var (
	// ErrRunNotActive is returned when cancelling a run that is not executing.
	ErrRunNotActive = errors.New("workflow run is not active")

	// ErrUnknownAction is returned for a node type with no registered action.
	ErrUnknownAction = errors.New("unknown workflow action")
)

// Input is what an action receives for one node execution.
type Input struct {
	RunID  string
	Params map[string]string
	Values map[string]any // resolved input ports
}

// Action executes nodes of one type. The returned map holds a value per
// output port the node emits; a port left out is not emitted, and nodes fed
// from it are skipped.
type Action interface {
	Execute(ctx context.Context, node domain.WorkflowNode, in Input) (map[string]any, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, node domain.WorkflowNode, in Input) (map[string]any, error)

// Execute calls f.
func (f ActionFunc) Execute(ctx context.Context, node domain.WorkflowNode, in Input) (map[string]any, error) {
	return f(ctx, node, in)
}

// Engine stores workflow definitions and executes their runs.
type Engine struct {
	store   store.Store
	metrics *metrics.Metrics
	logger  *slog.Logger

	actionsMu sync.RWMutex
	actions   map[string]Action

	mu     sync.Mutex
	active map[string]*runState
	wg     sync.WaitGroup
}

type runState struct {
	cancel atomic.Bool
	done   chan struct{}
}

// NewEngine creates an engine with no actions registered. metrics may be nil.
func NewEngine(s store.Store, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   s,
		metrics: m,
		logger:  logger.With("component", "workflow_engine"),
		actions: make(map[string]Action),
		active:  make(map[string]*runState),
	}
}

// RegisterAction makes action execute nodes of nodeType.
func (e *Engine) RegisterAction(nodeType string, action Action) error {
	if strings.TrimSpace(nodeType) == "" {
		return domain.NewValidationError("type", "node type is required")
	}
	e.actionsMu.Lock()
	defer e.actionsMu.Unlock()
	if _, dup := e.actions[nodeType]; dup {
		return domain.NewValidationError("type", fmt.Sprintf("action %q already registered", nodeType))
	}
	e.actions[nodeType] = action
	return nil
}

// ActionTypes returns the registered node types, sorted.
func (e *Engine) ActionTypes() []string {
	e.actionsMu.RLock()
	defer e.actionsMu.RUnlock()
	types := make([]string, 0, len(e.actions))
	for t := range e.actions {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (e *Engine) action(nodeType string) (Action, bool) {
	e.actionsMu.RLock()
	defer e.actionsMu.RUnlock()
	a, ok := e.actions[nodeType]
	return a, ok
}

// =============================================================================
// Definitions
// =============================================================================

// Compile validates def against the graph rules and the registered actions.
func (e *Engine) Compile(def domain.WorkflowDefinition) (*workflow.Plan, error) {
	if strings.TrimSpace(def.Name) == "" {
		return nil, domain.NewValidationError("name", "workflow name is required")
	}
	plan, err := workflow.Compile(def)
	if err != nil {
		return nil, err
	}
	for _, n := range def.Nodes {
		if _, ok := e.action(n.Type); !ok {
			return nil, domain.NewValidationError("nodes", fmt.Sprintf("node %s: unknown type %q", n.ID, n.Type))
		}
	}
	return plan, nil
}

// CreateDefinition validates and stores a new definition. A cyclic graph is
// rejected here, before any run can exist.
func (e *Engine) CreateDefinition(ctx context.Context, def *domain.WorkflowDefinition) error {
	if _, err := e.Compile(*def); err != nil {
		return err
	}
	now := time.Now().UTC()
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	def.CreatedAt = now
	def.UpdatedAt = now
	if err := e.store.CreateWorkflowDefinition(ctx, def); err != nil {
		return err
	}
	e.logger.Info("workflow created", "workflow_id", def.ID, "name", def.Name, "nodes", len(def.Nodes))
	return nil
}

// SaveDefinition creates def, or replaces the stored definition of the same
// name.
func (e *Engine) SaveDefinition(ctx context.Context, def *domain.WorkflowDefinition) error {
	existing, err := e.store.GetWorkflowDefinitionByName(ctx, def.Name)
	if err != nil {
		if store.IsNotFound(err) {
			return e.CreateDefinition(ctx, def)
		}
		return err
	}
	if _, err := e.Compile(*def); err != nil {
		return err
	}
	def.ID = existing.ID
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = time.Now().UTC()
	return e.store.UpdateWorkflowDefinition(ctx, def)
}

// LoadDir saves every workflow of the *.hcl files in dir. Files are read in
// name order; env is exposed to expressions as env.NAME. A missing dir loads
// nothing.
func (e *Engine) LoadDir(ctx context.Context, dir string, env map[string]string) (int, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.hcl"))
	if err != nil {
		return 0, err
	}
	sort.Strings(files)

	n := 0
	for _, path := range files {
		src, err := os.ReadFile(path)
		if err != nil {
			return n, fmt.Errorf("read workflow file: %w", err)
		}
		defs, err := workflow.ParseHCL(path, src, env)
		if err != nil {
			return n, err
		}
		for i := range defs {
			if err := e.SaveDefinition(ctx, &defs[i]); err != nil {
				return n, fmt.Errorf("workflow %q in %s: %w", defs[i].Name, path, err)
			}
			n++
		}
		e.logger.Info("workflow file loaded", "path", path, "workflows", len(defs))
	}
	return n, nil
}

// =============================================================================
// Runs
// =============================================================================

// Run executes a workflow and returns the finished run. Node failures are
// reported on the run; errors mean the run could not be created.
func (e *Engine) Run(ctx context.Context, workflowID string, params map[string]string) (*domain.WorkflowRun, error) {
	plan, run, state, err := e.prepare(ctx, workflowID, params)
	if err != nil {
		return nil, err
	}
	defer e.finish(run.ID, state)
	e.execute(ctx, plan, run, state)
	return run, nil
}

// Start creates a run and executes it in the background. The returned run is
// still pending.
func (e *Engine) Start(ctx context.Context, workflowID string, params map[string]string) (*domain.WorkflowRun, error) {
	plan, run, state, err := e.prepare(ctx, workflowID, params)
	if err != nil {
		return nil, err
	}
	snapshot := *run
	snapshot.Nodes = append([]domain.NodeRun(nil), run.Nodes...)
	go func() {
		defer e.finish(run.ID, state)
		e.execute(context.Background(), plan, run, state)
	}()
	return &snapshot, nil
}

// Cancel asks a run to stop before its next node. The node executing now is
// left to finish.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.active[runID]
	if !ok {
		return ErrRunNotActive
	}
	state.cancel.Store(true)
	e.logger.Info("workflow run cancellation requested", "run_id", runID)
	return nil
}

// Wait blocks until the run is no longer executing.
func (e *Engine) Wait(ctx context.Context, runID string) error {
	e.mu.Lock()
	state, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-state.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every active run and waits for them, or for ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, state := range e.active {
		state.cancel.Store(true)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetRun returns a stored run.
func (e *Engine) GetRun(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	return e.store.GetWorkflowRun(ctx, runID)
}

func (e *Engine) prepare(ctx context.Context, workflowID string, params map[string]string) (*workflow.Plan, *domain.WorkflowRun, *runState, error) {
	def, err := e.store.GetWorkflowDefinition(ctx, workflowID)
	if err != nil {
		return nil, nil, nil, err
	}
	plan, err := e.Compile(*def)
	if err != nil {
		return nil, nil, nil, err
	}

	run := domain.NewWorkflowRun(def.ID, plan.Order, params)
	if err := e.store.CreateWorkflowRun(ctx, run); err != nil {
		return nil, nil, nil, err
	}

	state := &runState{done: make(chan struct{})}
	e.mu.Lock()
	e.active[run.ID] = state
	e.wg.Add(1)
	e.mu.Unlock()
	return plan, run, state, nil
}

func (e *Engine) finish(runID string, state *runState) {
	e.mu.Lock()
	delete(e.active, runID)
	e.mu.Unlock()
	close(state.done)
	e.wg.Done()
}

// execute walks the plan. Each node entry is written only by its own step.
func (e *Engine) execute(ctx context.Context, plan *workflow.Plan, run *domain.WorkflowRun, state *runState) {
	logger := e.logger.With("run_id", run.ID, "workflow_id", run.WorkflowID)

	now := time.Now().UTC()
	run.Status = domain.RunRunning
	run.StartedAt = &now
	e.persist(ctx, run, logger)

	abortedBy := ""
	failed := false
	cancelled := false

	for i, id := range plan.Order {
		entry := &run.Nodes[i]

		switch {
		case cancelled || state.cancel.Load():
			cancelled = true
			skip(entry, "run cancelled")
			continue
		case abortedBy != "":
			skip(entry, fmt.Sprintf("run aborted by node %s", abortedBy))
			continue
		}

		node := plan.Node(id)
		values, reason := resolveInputs(plan, run, node)
		if reason != "" {
			skip(entry, reason)
			e.persist(ctx, run, logger)
			continue
		}

		err := e.executeNode(ctx, node, entry, Input{RunID: run.ID, Params: run.Params, Values: values})
		e.persist(ctx, run, logger)
		if err == nil {
			continue
		}

		failed = true
		logger.Warn("workflow node failed", "node", id, "attempts", entry.Attempts, "error", err)
		if node.Policy() == domain.OnFailureAbort {
			abortedBy = id
			run.Error = fmt.Sprintf("node %s failed: %v", id, err)
		}
	}

	switch {
	case cancelled:
		run.Status = domain.RunCancelled
		if run.Error == "" {
			run.Error = "cancelled"
		}
	case failed:
		run.Status = domain.RunFailed
		if run.Error == "" {
			run.Error = "one or more nodes failed"
		}
	default:
		run.Status = domain.RunSucceeded
	}
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	e.persist(ctx, run, logger)
	e.metrics.RecordWorkflowRun(string(run.Status))

	logger.Info("workflow run finished", "status", run.Status, "duration", finished.Sub(now))
}

func (e *Engine) executeNode(ctx context.Context, node domain.WorkflowNode, entry *domain.NodeRun, in Input) error {
	started := time.Now().UTC()
	entry.Status = domain.NodeRunning
	entry.Inputs = in.Values
	entry.StartedAt = &started

	var outputs map[string]any
	var err error
	action, ok := e.action(node.Type)
	if !ok {
		entry.Attempts, err = 1, fmt.Errorf("%w %q", ErrUnknownAction, node.Type)
	} else {
		policy := retry.WithRetries(node.Retries, seconds(node.RetryDelaySeconds), seconds(node.TimeoutSeconds))
		outputs, entry.Attempts, err = retry.DoWithResult(ctx, policy, func(ctx context.Context) (map[string]any, error) {
			return action.Execute(ctx, node, in)
		})
	}

	finished := time.Now().UTC()
	entry.FinishedAt = &finished
	if err != nil {
		entry.Status = domain.NodeFailed
		entry.Error = err.Error()
		return err
	}
	entry.Status = domain.NodeSucceeded
	entry.Outputs = outputs
	return nil
}

// resolveInputs collects a node's input values from its predecessors. A
// non-empty reason means the node cannot run and is skipped.
func resolveInputs(plan *workflow.Plan, run *domain.WorkflowRun, node domain.WorkflowNode) (map[string]any, string) {
	incoming := plan.Incoming(node.ID)
	values := make(map[string]any, len(incoming))
	for _, c := range incoming {
		upstream := run.Nodes[plan.Index(c.FromNode)]
		if upstream.Status != domain.NodeSucceeded {
			return nil, fmt.Sprintf("upstream node %s %s", c.FromNode, upstream.Status)
		}
		v, ok := upstream.Outputs[c.FromPort]
		if !ok {
			return nil, fmt.Sprintf("port %s.%s not emitted", c.FromNode, c.FromPort)
		}
		values[c.ToPort] = v
	}
	return values, ""
}

// persist stores the run. It is written even after ctx is done so the final
// state of a cancelled caller's run is not lost.
func (e *Engine) persist(ctx context.Context, run *domain.WorkflowRun, logger *slog.Logger) {
	if err := e.store.UpdateWorkflowRun(context.WithoutCancel(ctx), run); err != nil {
		logger.Error("failed to record workflow run", "error", err)
	}
}

func skip(entry *domain.NodeRun, reason string) {
	entry.Status = domain.NodeSkipped
	entry.Error = reason
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
