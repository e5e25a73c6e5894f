package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/artpar/hostd/internal/core/domain"
	"github.com/artpar/hostd/internal/core/retry"
	"github.com/artpar/hostd/internal/shell/metrics"
	"github.com/artpar/hostd/internal/shell/store"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fixture
// =============================================================================

type fixture struct {
	engine  *Engine
	store   store.Store
	metrics *metrics.Metrics
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	m := metrics.New()
	e := NewEngine(s, m, nil)
	require.NoError(t, RegisterBuiltins(e, Builtins{}))
	return &fixture{engine: e, store: s, metrics: m}
}

// emit registers a node type that returns outputs and records its inputs.
func (f *fixture) emit(t *testing.T, nodeType string, outputs map[string]any, seen *sync.Map) {
	t.Helper()
	require.NoError(t, f.engine.RegisterAction(nodeType, ActionFunc(
		func(_ context.Context, node domain.WorkflowNode, in Input) (map[string]any, error) {
			if seen != nil {
				seen.Store(node.ID, in.Values)
			}
			return outputs, nil
		})))
}

func (f *fixture) failing(t *testing.T, nodeType string) {
	t.Helper()
	require.NoError(t, f.engine.RegisterAction(nodeType, ActionFunc(
		func(context.Context, domain.WorkflowNode, Input) (map[string]any, error) {
			return nil, errors.New("boom")
		})))
}

func (f *fixture) create(t *testing.T, nodes []domain.WorkflowNode, conns ...domain.Connection) *domain.WorkflowDefinition {
	t.Helper()
	def := &domain.WorkflowDefinition{Name: t.Name(), Nodes: nodes, Connections: conns}
	require.NoError(t, f.engine.CreateDefinition(context.Background(), def))
	return def
}

func wnode(id, nodeType string, inputs, outputs []string) domain.WorkflowNode {
	return domain.WorkflowNode{ID: id, Type: nodeType, Inputs: inputs, Outputs: outputs}
}

func wire(from, fromPort, to, toPort string) domain.Connection {
	return domain.Connection{FromNode: from, FromPort: fromPort, ToNode: to, ToPort: toPort}
}

func statuses(run *domain.WorkflowRun) map[string]domain.NodeStatus {
	out := make(map[string]domain.NodeStatus, len(run.Nodes))
	for _, n := range run.Nodes {
		out[n.NodeID] = n.Status
	}
	return out
}

func entry(t *testing.T, run *domain.WorkflowRun, id string) domain.NodeRun {
	t.Helper()
	for _, n := range run.Nodes {
		if n.NodeID == id {
			return n
		}
	}
	t.Fatalf("run has no node %s", id)
	return domain.NodeRun{}
}

// =============================================================================
// Definitions
// =============================================================================

func TestEngine_CreateDefinition(t *testing.T) {
	f := setup(t)
	def := f.create(t, []domain.WorkflowNode{wnode("pause", TypeWait, nil, nil)})

	assert.NotEmpty(t, def.ID)
	assert.False(t, def.CreatedAt.IsZero())

	stored, err := f.store.GetWorkflowDefinition(context.Background(), def.ID)
	require.NoError(t, err)
	assert.Equal(t, def.Name, stored.Name)
}

func TestEngine_CreateDefinition_Rejects(t *testing.T) {
	tests := []struct {
		name string
		def  domain.WorkflowDefinition
	}{
		{
			name: "cycle",
			def: domain.WorkflowDefinition{
				Name: "loop",
				Nodes: []domain.WorkflowNode{
					wnode("a", TypeWait, []string{"value"}, []string{"value"}),
					wnode("b", TypeWait, []string{"value"}, []string{"value"}),
				},
				Connections: []domain.Connection{
					wire("a", "value", "b", "value"),
					wire("b", "value", "a", "value"),
				},
			},
		},
		{
			name: "unknown type",
			def: domain.WorkflowDefinition{
				Name:  "mystery",
				Nodes: []domain.WorkflowNode{wnode("a", "teleport", nil, nil)},
			},
		},
		{
			name: "missing name",
			def: domain.WorkflowDefinition{
				Nodes: []domain.WorkflowNode{wnode("a", TypeWait, nil, nil)},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			err := f.engine.CreateDefinition(context.Background(), &tt.def)

			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)

			defs, err := f.store.ListWorkflowDefinitions(context.Background(), store.DefaultListOptions())
			require.NoError(t, err)
			assert.Empty(t, defs)
		})
	}
}

func TestEngine_LoadDir(t *testing.T) {
	f := setup(t)
	dir := t.TempDir()
	src := `
workflow "nightly" {
  node "pause" {
    type = "wait"
    config {
      duration = env.PAUSE
    }
  }
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nightly.hcl"), []byte(src), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))
	env := map[string]string{"PAUSE": "1ms"}

	n, err := f.engine.LoadDir(context.Background(), dir, env)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	first, err := f.store.GetWorkflowDefinitionByName(context.Background(), "nightly")
	require.NoError(t, err)
	assert.Equal(t, "1ms", first.Nodes[0].Config["duration"])

	// Reloading replaces the definition in place.
	env["PAUSE"] = "2ms"
	_, err = f.engine.LoadDir(context.Background(), dir, env)
	require.NoError(t, err)

	second, err := f.store.GetWorkflowDefinitionByName(context.Background(), "nightly")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "2ms", second.Nodes[0].Config["duration"])

	run, err := f.engine.Run(context.Background(), second.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, run.Status)
}

func TestEngine_LoadDir_Missing(t *testing.T) {
	f := setup(t)
	n, err := f.engine.LoadDir(context.Background(), filepath.Join(t.TempDir(), "none"), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// =============================================================================
// Runs
// =============================================================================

func TestEngine_Run_PassesOutputsAlongConnections(t *testing.T) {
	f := setup(t)
	var seen sync.Map
	f.emit(t, "source", map[string]any{"status": "running", "port": 31000}, &seen)
	f.emit(t, "sink", map[string]any{}, &seen)

	def := f.create(t, []domain.WorkflowNode{
		wnode("sink", "sink", []string{"state", "port"}, nil),
		wnode("src", "source", nil, []string{"status", "port"}),
	},
		wire("src", "status", "sink", "state"),
		wire("src", "port", "sink", "port"),
	)

	run, err := f.engine.Run(context.Background(), def.ID, map[string]string{"env": "prod"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, run.Status)
	assert.Empty(t, run.Error)

	// Producers run before consumers regardless of declaration order.
	assert.Equal(t, "src", run.Nodes[0].NodeID)

	got, ok := seen.Load("sink")
	require.True(t, ok)
	want := map[string]any{"state": "running", "port": 31000}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sink inputs mismatch (-want +got):\n%s", diff)
	}

	stored, err := f.engine.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, stored.Status)
	assert.Equal(t, statuses(run), statuses(stored))
	assert.NotNil(t, stored.FinishedAt)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WorkflowRuns.WithLabelValues("succeeded")))
}

func TestEngine_Run_FailurePolicies(t *testing.T) {
	tests := []struct {
		name   string
		policy domain.FailurePolicy
		want   map[string]domain.NodeStatus
	}{
		{
			name:   "abort skips everything left",
			policy: domain.OnFailureAbort,
			want: map[string]domain.NodeStatus{
				"bad":        domain.NodeFailed,
				"downstream": domain.NodeSkipped,
				"unrelated":  domain.NodeSkipped,
			},
		},
		{
			name:   "continue skips only downstream",
			policy: domain.OnFailureContinue,
			want: map[string]domain.NodeStatus{
				"bad":        domain.NodeFailed,
				"downstream": domain.NodeSkipped,
				"unrelated":  domain.NodeSucceeded,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			f.failing(t, "broken")
			f.emit(t, "ok", map[string]any{"value": 1}, nil)

			bad := wnode("bad", "broken", nil, []string{"value"})
			bad.OnFailure = tt.policy
			def := f.create(t, []domain.WorkflowNode{
				bad,
				wnode("downstream", "ok", []string{"value"}, nil),
				wnode("unrelated", "ok", nil, nil),
			}, wire("bad", "value", "downstream", "value"))

			run, err := f.engine.Run(context.Background(), def.ID, nil)
			require.NoError(t, err)
			assert.Equal(t, domain.RunFailed, run.Status)
			assert.Equal(t, tt.want, statuses(run))
			assert.Equal(t, "boom", entry(t, run, "bad").Error)
			assert.Contains(t, entry(t, run, "downstream").Error, "bad")
		})
	}
}

func TestEngine_Run_RetriesNode(t *testing.T) {
	f := setup(t)
	var calls atomic.Int32
	require.NoError(t, f.engine.RegisterAction("flaky", ActionFunc(
		func(context.Context, domain.WorkflowNode, Input) (map[string]any, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("transient")
			}
			return map[string]any{}, nil
		})))

	n := wnode("flaky", "flaky", nil, nil)
	n.Retries = 2
	def := f.create(t, []domain.WorkflowNode{n})

	run, err := f.engine.Run(context.Background(), def.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, run.Status)
	assert.Equal(t, 2, run.Nodes[0].Attempts)
}

func TestEngine_Run_NodeTimeout(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.engine.RegisterAction("hang", ActionFunc(
		func(ctx context.Context, _ domain.WorkflowNode, _ Input) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})))

	n := wnode("hang", "hang", nil, nil)
	n.TimeoutSeconds = 1
	def := f.create(t, []domain.WorkflowNode{n})

	run, err := f.engine.Run(context.Background(), def.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, domain.NodeFailed, run.Nodes[0].Status)
	assert.Contains(t, run.Nodes[0].Error, retry.ErrTimeout.Error())
}

func TestEngine_Run_ConditionBranches(t *testing.T) {
	f := setup(t)
	var seen sync.Map
	f.emit(t, "source", map[string]any{"status": "running"}, nil)
	f.emit(t, "sink", map[string]any{}, &seen)

	check := wnode("check", TypeCondition, []string{"value"}, []string{"true", "false"})
	check.Config = map[string]any{"equals": "running"}
	def := f.create(t, []domain.WorkflowNode{
		wnode("src", "source", nil, []string{"status"}),
		check,
		wnode("celebrate", "sink", []string{"value"}, nil),
		wnode("rollback", "sink", []string{"value"}, nil),
	},
		wire("src", "status", "check", "value"),
		wire("check", "true", "celebrate", "value"),
		wire("check", "false", "rollback", "value"),
	)

	run, err := f.engine.Run(context.Background(), def.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, run.Status)
	assert.Equal(t, domain.NodeSucceeded, entry(t, run, "celebrate").Status)
	assert.Equal(t, domain.NodeSkipped, entry(t, run, "rollback").Status)
	assert.Contains(t, entry(t, run, "rollback").Error, "not emitted")

	_, ran := seen.Load("rollback")
	assert.False(t, ran)
}

func TestEngine_Run_UnknownWorkflow(t *testing.T) {
	f := setup(t)
	_, err := f.engine.Run(context.Background(), "missing", nil)
	assert.True(t, store.IsNotFound(err))
}

func TestEngine_StartAndCancel(t *testing.T) {
	f := setup(t)
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, f.engine.RegisterAction("block", ActionFunc(
		func(context.Context, domain.WorkflowNode, Input) (map[string]any, error) {
			close(started)
			<-release
			return map[string]any{}, nil
		})))

	def := f.create(t, []domain.WorkflowNode{
		wnode("first", "block", nil, nil),
		wnode("second", TypeWait, nil, nil),
	})

	run, err := f.engine.Start(context.Background(), def.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RunPending, run.Status)

	<-started
	require.NoError(t, f.engine.Cancel(run.ID))
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Wait(ctx, run.ID))

	stored, err := f.engine.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, stored.Status)
	assert.Equal(t, map[string]domain.NodeStatus{
		"first":  domain.NodeSucceeded,
		"second": domain.NodeSkipped,
	}, statuses(stored))

	assert.ErrorIs(t, f.engine.Cancel(run.ID), ErrRunNotActive)
}

func TestEngine_Shutdown(t *testing.T) {
	f := setup(t)
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, f.engine.RegisterAction("block", ActionFunc(
		func(context.Context, domain.WorkflowNode, Input) (map[string]any, error) {
			close(started)
			<-release
			return map[string]any{}, nil
		})))
	def := f.create(t, []domain.WorkflowNode{
		wnode("first", "block", nil, nil),
		wnode("second", TypeWait, nil, nil),
	})

	run, err := f.engine.Start(context.Background(), def.ID, nil)
	require.NoError(t, err)
	<-started

	// Shutdown waits for the node in flight.
	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.engine.Shutdown(short), context.DeadlineExceeded)

	close(release)
	require.NoError(t, f.engine.Shutdown(context.Background()))

	stored, err := f.engine.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, stored.Status)
}

func TestEngine_ConcurrentRuns(t *testing.T) {
	f := setup(t)
	f.emit(t, "ok", map[string]any{}, nil)
	def := f.create(t, []domain.WorkflowNode{wnode("a", "ok", nil, nil)})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := f.engine.Run(context.Background(), def.ID, nil)
			assert.NoError(t, err)
			assert.Equal(t, domain.RunSucceeded, run.Status)
		}()
	}
	wg.Wait()

	runs, err := f.store.ListWorkflowRuns(context.Background(), def.ID, store.DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, runs, 5)
}
