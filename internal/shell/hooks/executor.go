package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/hostd/internal/core/domain"
	"github.com/artpar/hostd/internal/core/hooks"
	"github.com/artpar/hostd/internal/core/retry"
	"github.com/artpar/hostd/internal/shell/metrics"
	"github.com/artpar/hostd/internal/shell/store"
	"github.com/google/uuid"
)

// ErrUnknownHandler is returned for a hook whose handler name is not
// registered.
var ErrUnknownHandler = errors.New("unknown hook handler")

// ExecutorConfig configures the executor.
type ExecutorConfig struct {
	// DefaultTimeout applies to hooks declared without a timeout.
	// Default: 30 seconds.
	DefaultTimeout time.Duration

	// RetryDelay is the fixed wait between attempts of one hook.
	// Default: 2 seconds.
	RetryDelay time.Duration
}

// DefaultExecutorConfig returns the default configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultTimeout: 30 * time.Second,
		RetryDelay:     2 * time.Second,
	}
}

// Executor fires events: it runs each event's hooks one at a time in
// registry order and records an audit row per invocation.
type Executor struct {
	registry *hooks.Registry
	handlers *Handlers
	store    store.Store
	metrics  *metrics.Metrics
	config   ExecutorConfig
	logger   *slog.Logger
}

// NewExecutor creates an executor. metrics may be nil.
func NewExecutor(
	registry *hooks.Registry,
	handlers *Handlers,
	s store.Store,
	m *metrics.Metrics,
	config ExecutorConfig,
	logger *slog.Logger,
) *Executor {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	if config.RetryDelay < 0 {
		config.RetryDelay = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		handlers: handlers,
		store:    s,
		metrics:  m,
		config:   config,
		logger:   logger.With("component", "hook_executor"),
	}
}

// Fire runs the hooks of event with hc.
//
// A required hook that still fails after its retries stops the event and
// Fire returns a *domain.HookFailure; the hooks after it do not run. An
// optional hook's failure is logged and the event continues. The returned
// results cover every hook that ran.
func (e *Executor) Fire(ctx context.Context, event domain.HookEvent, hc domain.HookContext) ([]domain.HookExecutionResult, error) {
	defs := e.registry.Hooks(event)
	results := make([]domain.HookExecutionResult, 0, len(defs))

	for _, def := range defs {
		if err := ctx.Err(); err != nil {
			return results, fmt.Errorf("event %s interrupted: %w", event, err)
		}

		result, err := e.invoke(ctx, def, hc)
		results = append(results, result)
		if err == nil {
			continue
		}

		if def.Enforcement == domain.EnforcementRequired {
			e.logger.Error("required hook failed",
				"event", event,
				"hook_id", def.ID,
				"attempts", result.Attempts,
				"error", err,
			)
			return results, &domain.HookFailure{
				Event:    event,
				HookID:   def.ID,
				Attempts: result.Attempts,
				Err:      err,
			}
		}

		e.logger.Warn("optional hook failed",
			"event", event,
			"hook_id", def.ID,
			"attempts", result.Attempts,
			"error", err,
		)
	}
	return results, nil
}

func (e *Executor) invoke(ctx context.Context, def domain.HookDefinition, hc domain.HookContext) (domain.HookExecutionResult, error) {
	timeout := def.Timeout
	if timeout == 0 {
		timeout = e.config.DefaultTimeout
	}
	policy := retry.WithRetries(def.MaxRetries, e.config.RetryDelay, timeout)

	start := time.Now()
	var attempts int
	var err error

	handler, ok := e.handlers.Lookup(def.Handler)
	if !ok {
		attempts, err = 1, fmt.Errorf("%w %q", ErrUnknownHandler, def.Handler)
	} else {
		attempts, err = retry.Do(ctx, policy, func(ctx context.Context) error {
			_, err := handler.Execute(ctx, hc)
			return err
		})
	}

	result := domain.HookExecutionResult{
		ID:           uuid.New().String(),
		HookID:       def.ID,
		Event:        def.Event,
		DeploymentID: hc[domain.HookKeyDeploymentID],
		Success:      err == nil,
		Attempts:     attempts,
		Duration:     time.Since(start),
		ExecutedAt:   start.UTC(),
	}
	if err != nil {
		result.Error = err.Error()
	}

	// The audit row is written even when the event's context is already done.
	if serr := e.store.CreateHookExecution(context.WithoutCancel(ctx), &result); serr != nil {
		e.logger.Error("failed to record hook execution", "hook_id", def.ID, "error", serr)
	}
	e.metrics.RecordHook(string(def.Event), result.Success)

	e.logger.Debug("hook executed",
		"event", def.Event,
		"hook_id", def.ID,
		"success", result.Success,
		"attempts", attempts,
		"duration", result.Duration,
	)
	return result, err
}
