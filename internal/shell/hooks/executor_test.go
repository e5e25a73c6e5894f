package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/artpar/hostd/internal/core/domain"
	"github.com/artpar/hostd/internal/core/hooks"
	"github.com/artpar/hostd/internal/shell/metrics"
	"github.com/artpar/hostd/internal/shell/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// recorder is a handler table whose handlers log their invocations.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) handler(name string, err error) Handler {
	return HandlerFunc(func(context.Context, domain.HookContext) (Result, error) {
		r.mu.Lock()
		r.calls = append(r.calls, name)
		r.mu.Unlock()
		return Result{}, err
	})
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fixture struct {
	registry *hooks.Registry
	handlers *Handlers
	store    store.Store
	metrics  *metrics.Metrics
	executor *Executor
	rec      *recorder
}

func setupExecutor(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		registry: hooks.NewRegistry(),
		handlers: NewHandlers(),
		store:    s,
		metrics:  metrics.New(),
		rec:      &recorder{},
	}
	f.executor = NewExecutor(f.registry, f.handlers, s, f.metrics, ExecutorConfig{
		DefaultTimeout: time.Second,
		RetryDelay:     time.Millisecond,
	}, nil)
	return f
}

func (f *fixture) register(t *testing.T, handler string, priority, retries int, enforcement domain.Enforcement) {
	t.Helper()
	_, err := f.registry.Register(domain.HookDefinition{
		Event:       domain.EventPreDeployment,
		Handler:     handler,
		Priority:    priority,
		MaxRetries:  retries,
		Enforcement: enforcement,
	})
	require.NoError(t, err)
}

var testContext = domain.HookContext{
	domain.HookKeyDeploymentID: "dep-1",
	domain.HookKeyName:         "shop",
	domain.HookKeyPort:         "30001",
	domain.HookKeyStage:        "queued",
}

// =============================================================================
// Ordering Tests
// =============================================================================

func TestFire_AscendingPriority(t *testing.T) {
	f := setupExecutor(t)
	for _, name := range []string{"p30", "p10", "p20"} {
		require.NoError(t, f.handlers.Register(name, f.rec.handler(name, nil)))
	}
	f.register(t, "p30", 30, 0, domain.EnforcementOptional)
	f.register(t, "p10", 10, 0, domain.EnforcementOptional)
	f.register(t, "p20", 20, 0, domain.EnforcementOptional)

	results, err := f.executor.Fire(context.Background(), domain.EventPreDeployment, testContext)
	require.NoError(t, err)

	assert.Equal(t, []string{"p10", "p20", "p30"}, f.rec.Calls())
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Success)
		assert.Equal(t, 1, r.Attempts)
		assert.Equal(t, "dep-1", r.DeploymentID)
	}
}

func TestFire_EqualPriorityKeepsRegistrationOrder(t *testing.T) {
	f := setupExecutor(t)
	for _, name := range []string{"first", "second", "third"} {
		require.NoError(t, f.handlers.Register(name, f.rec.handler(name, nil)))
		f.register(t, name, 5, 0, domain.EnforcementOptional)
	}

	_, err := f.executor.Fire(context.Background(), domain.EventPreDeployment, testContext)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, f.rec.Calls())
}

func TestFire_NoHooks(t *testing.T) {
	f := setupExecutor(t)

	results, err := f.executor.Fire(context.Background(), domain.EventPostDeployment, testContext)
	require.NoError(t, err)
	assert.Empty(t, results)
}

// =============================================================================
// Enforcement Tests
// =============================================================================

func TestFire_RequiredFailureHaltsEvent(t *testing.T) {
	f := setupExecutor(t)
	boom := errors.New("snapshot failed")
	require.NoError(t, f.handlers.Register("ok", f.rec.handler("ok", nil)))
	require.NoError(t, f.handlers.Register("broken", f.rec.handler("broken", boom)))
	require.NoError(t, f.handlers.Register("later", f.rec.handler("later", nil)))
	f.register(t, "ok", 1, 0, domain.EnforcementOptional)
	f.register(t, "broken", 2, 2, domain.EnforcementRequired)
	f.register(t, "later", 3, 0, domain.EnforcementOptional)

	results, err := f.executor.Fire(context.Background(), domain.EventPreDeployment, testContext)

	var hf *domain.HookFailure
	require.True(t, errors.As(err, &hf), "got %v", err)
	assert.Equal(t, 3, hf.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"ok", "broken", "broken", "broken"}, f.rec.Calls(), "later hooks never run")
	require.Len(t, results, 2)
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Error, "snapshot failed")
}

func TestFire_OptionalFailureContinues(t *testing.T) {
	f := setupExecutor(t)
	require.NoError(t, f.handlers.Register("flaky", f.rec.handler("flaky", errors.New("503"))))
	require.NoError(t, f.handlers.Register("after", f.rec.handler("after", nil)))
	f.register(t, "flaky", 1, 1, domain.EnforcementOptional)
	f.register(t, "after", 2, 0, domain.EnforcementRequired)

	results, err := f.executor.Fire(context.Background(), domain.EventPreDeployment, testContext)
	require.NoError(t, err)
	assert.Equal(t, []string{"flaky", "flaky", "after"}, f.rec.Calls())
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.Equal(t, 2, results[0].Attempts)
	assert.True(t, results[1].Success)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HookExecutions.WithLabelValues("pre_deployment", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HookExecutions.WithLabelValues("pre_deployment", "success")))
}

func TestFire_RetrySucceeds(t *testing.T) {
	f := setupExecutor(t)
	var n int
	require.NoError(t, f.handlers.Register("eventually", HandlerFunc(func(context.Context, domain.HookContext) (Result, error) {
		n++
		if n < 3 {
			return Result{}, errors.New("not yet")
		}
		return Result{}, nil
	})))
	f.register(t, "eventually", 1, 2, domain.EnforcementRequired)

	results, err := f.executor.Fire(context.Background(), domain.EventPreDeployment, testContext)
	require.NoError(t, err)
	assert.True(t, results[0].Success)
	assert.Equal(t, 3, results[0].Attempts)
}

func TestFire_TimeoutIsFailure(t *testing.T) {
	f := setupExecutor(t)
	require.NoError(t, f.handlers.Register("hang", HandlerFunc(func(ctx context.Context, _ domain.HookContext) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	})))
	_, err := f.registry.Register(domain.HookDefinition{
		Event:       domain.EventPreDeployment,
		Handler:     "hang",
		Timeout:     20 * time.Millisecond,
		MaxRetries:  1,
		Enforcement: domain.EnforcementRequired,
	})
	require.NoError(t, err)

	_, err = f.executor.Fire(context.Background(), domain.EventPreDeployment, testContext)
	var hf *domain.HookFailure
	require.True(t, errors.As(err, &hf))
	assert.Equal(t, 2, hf.Attempts)
}

func TestFire_TimeoutIsFailureWhenHandlerIgnoresContext(t *testing.T) {
	f := setupExecutor(t)
	require.NoError(t, f.handlers.Register("slow", HandlerFunc(func(context.Context, domain.HookContext) (Result, error) {
		time.Sleep(300 * time.Millisecond)
		return Result{}, nil
	})))
	_, err := f.registry.Register(domain.HookDefinition{
		Event:       domain.EventPreDeployment,
		Handler:     "slow",
		Timeout:     20 * time.Millisecond,
		Enforcement: domain.EnforcementRequired,
	})
	require.NoError(t, err)

	start := time.Now()
	results, err := f.executor.Fire(context.Background(), domain.EventPreDeployment, testContext)

	var hf *domain.HookFailure
	require.True(t, errors.As(err, &hf))
	var timeoutErr *domain.TimeoutError
	assert.True(t, errors.As(err, &timeoutErr))
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "timed out")
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestFire_UnknownHandler(t *testing.T) {
	f := setupExecutor(t)
	f.register(t, "missing", 1, 3, domain.EnforcementRequired)

	results, err := f.executor.Fire(context.Background(), domain.EventPreDeployment, testContext)
	assert.ErrorIs(t, err, ErrUnknownHandler)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Attempts)
}

// =============================================================================
// Audit Tests
// =============================================================================

func TestFire_RecordsEveryInvocation(t *testing.T) {
	f := setupExecutor(t)
	require.NoError(t, f.handlers.Register("ok", f.rec.handler("ok", nil)))
	require.NoError(t, f.handlers.Register("bad", f.rec.handler("bad", errors.New("nope"))))
	f.register(t, "ok", 1, 0, domain.EnforcementOptional)
	f.register(t, "bad", 2, 0, domain.EnforcementOptional)

	_, err := f.executor.Fire(context.Background(), domain.EventPreDeployment, testContext)
	require.NoError(t, err)

	rows, err := f.store.ListHookExecutions(context.Background(), "dep-1", store.DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Success)
	assert.False(t, rows[1].Success)
	assert.Equal(t, "nope", rows[1].Error)
	assert.Equal(t, domain.EventPreDeployment, rows[1].Event)
}

func TestHandlers_RejectsDuplicate(t *testing.T) {
	h := NewHandlers()
	require.NoError(t, h.Register("notify", HandlerFunc(nil)))
	assert.Error(t, h.Register("notify", HandlerFunc(nil)))
	assert.Error(t, h.Register(" ", HandlerFunc(nil)))
	assert.Equal(t, []string{"notify"}, h.Names())
}
