// Package pipeline drives deployments through their lifecycle.
//
// One pipeline run moves a queued deployment stage by stage to Running, or to
// Failed at the first stage that fails. Runs of different deployments proceed
// concurrently; a deployment never has more than one run at a time, and only
// its run writes its status.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/artpar/hostd/internal/core/command"
	"github.com/artpar/hostd/internal/core/domain"
	coresupervisor "github.com/artpar/hostd/internal/core/supervisor"
	"github.com/artpar/hostd/internal/shell/metrics"
	"github.com/artpar/hostd/internal/shell/store"
	"github.com/artpar/hostd/internal/shell/supervisor"
)

// =============================================================================
// Collaborators
// =============================================================================

// PortAllocator reserves deployment ports.
type PortAllocator interface {
	AllocateTx(ctx context.Context, tx store.Store, deploymentID string, desired int) (int, error)
	ReleaseDeployment(ctx context.Context, deploymentID string) error
	Refresh(ctx context.Context)
}

// Builder fetches sources and runs install/build commands.
type Builder interface {
	Fetch(ctx context.Context, d *domain.Deployment) error
	Run(ctx context.Context, d *domain.Deployment, argvs [][]string) error
	Workdir(d *domain.Deployment) string
	WriteEnvFile(d *domain.Deployment) (string, error)
	Remove(d *domain.Deployment) error
}

// Supervisor manages service units.
type Supervisor interface {
	Install(ctx context.Context, unit supervisor.Unit, definition string) error
	Uninstall(ctx context.Context, unit supervisor.Unit) error
	Enable(ctx context.Context, unit supervisor.Unit) error
	Disable(ctx context.Context, unit supervisor.Unit) error
	Start(ctx context.Context, unit supervisor.Unit) error
	Stop(ctx context.Context, unit supervisor.Unit) error
	Verify(ctx context.Context, unit supervisor.Unit) supervisor.VerifyResult
}

// Proxy publishes deployments behind the reverse proxy.
type Proxy interface {
	Configure(ctx context.Context, site string, port int) error
	Deactivate(ctx context.Context, site string) error
}

// HookFirer fires lifecycle events.
type HookFirer interface {
	Fire(ctx context.Context, event domain.HookEvent, hc domain.HookContext) ([]domain.HookExecutionResult, error)
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures the controller.
type Config struct {
	// StageTimeout bounds each stage.
	// Default: 10 minutes.
	StageTimeout time.Duration

	// CloneRetryDelay is the fixed wait before the single retry of the
	// Cloning and InstallingDependencies stages.
	// Default: 5 seconds.
	CloneRetryDelay time.Duration

	// ServiceUser runs the deployment processes. Empty means the
	// supervisor's default.
	ServiceUser string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		StageTimeout:    10 * time.Minute,
		CloneRetryDelay: 5 * time.Second,
	}
}

// Deps are the collaborators of a Controller. Metrics and Logger may be nil.
type Deps struct {
	Store      store.Store
	Ports      PortAllocator
	Builder    Builder
	Supervisor Supervisor
	Proxy      Proxy
	Hooks      HookFirer
	AllowList  *command.AllowList
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// =============================================================================
// Controller
// =============================================================================

// Controller owns every pipeline run of the process.
type Controller struct {
	store      store.Store
	ports      PortAllocator
	builder    Builder
	supervisor Supervisor
	proxy      Proxy
	hooks      HookFirer
	allow      *command.AllowList
	metrics    *metrics.Metrics
	config     Config
	logger     *slog.Logger

	mu     sync.Mutex
	active map[string]*run
	wg     sync.WaitGroup
}

// run is the bookkeeping of one in-flight pipeline run.
type run struct {
	stop atomic.Bool
	done chan struct{}
}

// NewController creates a controller.
func NewController(deps Deps, config Config) *Controller {
	if config.StageTimeout <= 0 {
		config.StageTimeout = 10 * time.Minute
	}
	if config.CloneRetryDelay < 0 {
		config.CloneRetryDelay = 0
	}
	allow := deps.AllowList
	if allow == nil {
		allow = command.NewAllowList(command.DefaultExecutables()...)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:      deps.Store,
		ports:      deps.Ports,
		builder:    deps.Builder,
		supervisor: deps.Supervisor,
		proxy:      deps.Proxy,
		hooks:      deps.Hooks,
		allow:      allow,
		metrics:    deps.Metrics,
		config:     config,
		logger:     logger.With("component", "pipeline"),
		active:     make(map[string]*run),
	}
}

// Submit validates a trigger and records a queued deployment together with its
// port reservation. Both are written in one transaction, so a full port range
// leaves nothing behind and nothing has been fetched or built.
func (c *Controller) Submit(ctx context.Context, trigger domain.Trigger) (*domain.Deployment, error) {
	d, err := domain.NewDeployment(trigger)
	if err != nil {
		return nil, err
	}
	plan, err := command.PlanFor(d)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(c.allow); err != nil {
		return nil, err
	}

	err = c.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.CreateDeployment(ctx, d); err != nil {
			return err
		}
		port, err := c.ports.AllocateTx(ctx, tx, d.ID, trigger.Port)
		if err != nil {
			return err
		}
		d.Port = port
		if err := tx.UpdateDeployment(ctx, d); err != nil {
			return err
		}
		return tx.AppendTransition(ctx, &domain.StageTransition{
			DeploymentID: d.ID,
			To:           domain.StatusQueued,
			Message:      "submitted",
			At:           d.CreatedAt,
		})
	})
	if err != nil {
		var exhausted *domain.PortExhaustionError
		if errors.As(err, &exhausted) {
			c.logger.Error("port range exhausted", "name", d.Name, "min", exhausted.Min, "max", exhausted.Max)
		}
		return nil, err
	}
	c.ports.Refresh(ctx)

	c.logger.Info("deployment submitted", "deployment_id", d.ID, "name", d.Name, "port", d.Port, "type", d.Type)
	return d, nil
}

// Start runs the pipeline of a queued deployment in the background. It
// returns domain.ErrDeploymentActive when a run is already in flight.
func (c *Controller) Start(ctx context.Context, id string) error {
	d, r, err := c.claim(ctx, id)
	if err != nil {
		return err
	}
	go func() {
		defer c.finish(id, r)
		c.execute(context.Background(), d, r)
	}()
	return nil
}

// Run runs the pipeline of a queued deployment and returns the deployment in
// its final state. A failed stage is reported on the returned deployment, not
// as an error; errors mean the pipeline could not run at all.
func (c *Controller) Run(ctx context.Context, id string) (*domain.Deployment, error) {
	d, r, err := c.claim(ctx, id)
	if err != nil {
		return nil, err
	}
	defer c.finish(id, r)
	c.execute(ctx, d, r)
	return d, nil
}

// Stop requests that a deployment stop. An in-flight run notices the request
// at its next stage boundary; the command it is running is left to finish. A
// running deployment has its unit stopped and disabled.
func (c *Controller) Stop(ctx context.Context, id string) error {
	c.mu.Lock()
	if r, ok := c.active[id]; ok {
		r.stop.Store(true)
		c.mu.Unlock()
		c.logger.Info("stop requested", "deployment_id", id)
		return nil
	}
	// Holding the slot keeps a concurrent Start out while we stop.
	r := &run{done: make(chan struct{})}
	c.active[id] = r
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.finish(id, r)

	d, err := c.store.GetDeployment(ctx, id)
	if err != nil {
		return err
	}
	switch d.Status {
	case domain.StatusRunning:
		unit := unitOf(d)
		if err := c.supervisor.Stop(ctx, unit); err != nil {
			return err
		}
		if err := c.supervisor.Disable(ctx, unit); err != nil {
			return err
		}
	case domain.StatusQueued:
	default:
		if d.Status.InProgress() {
			// Left behind by an earlier process; no run owns it.
			c.halt(ctx, d, unitOf(d), true, c.logger.With("deployment_id", d.ID, "name", d.Name))
			return nil
		}
		return fmt.Errorf("%w: cannot stop a %s deployment", domain.ErrInvalidTransition, d.Status)
	}
	return c.advance(ctx, d, domain.StatusStopped, "stop requested")
}

// Requeue moves a stopped or failed deployment back to Queued, keeping its
// port. The pipeline is not started.
func (c *Controller) Requeue(ctx context.Context, id string) (*domain.Deployment, error) {
	r, err := c.reserve(id)
	if err != nil {
		return nil, err
	}
	defer c.finish(id, r)

	d, err := c.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.advance(ctx, d, domain.StatusQueued, "redeploy requested"); err != nil {
		return nil, err
	}
	return d, nil
}

// Redeploy requeues a stopped or failed deployment and starts its pipeline in
// the background. Requeue gives up the slot before Start claims it again.
func (c *Controller) Redeploy(ctx context.Context, id string) (*domain.Deployment, error) {
	d, err := c.Requeue(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx, id); err != nil {
		return nil, err
	}
	return d, nil
}

// Remove tears down a stopped or failed deployment: its unit, virtual host,
// port and workspace. The record is kept with status Removed. Every teardown
// step is idempotent, so a failed Remove can be retried.
func (c *Controller) Remove(ctx context.Context, id string) (*domain.Deployment, error) {
	r, err := c.reserve(id)
	if err != nil {
		return nil, err
	}
	defer c.finish(id, r)

	d, err := c.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Removable() {
		return nil, fmt.Errorf("%w (status %s)", domain.ErrNotRemovable, d.Status)
	}

	logger := c.logger.With("deployment_id", d.ID, "name", d.Name)
	if err := c.supervisor.Uninstall(ctx, unitOf(d)); err != nil {
		return nil, fmt.Errorf("uninstall unit: %w", err)
	}
	if err := c.proxy.Deactivate(ctx, d.Name); err != nil {
		return nil, fmt.Errorf("deactivate proxy: %w", err)
	}
	if err := c.ports.ReleaseDeployment(ctx, d.ID); err != nil {
		return nil, fmt.Errorf("release port: %w", err)
	}
	if err := c.builder.Remove(d); err != nil {
		logger.Warn("failed to remove workspace", "error", err)
	}
	c.metrics.ForgetUnit(d.Name)

	if err := c.advance(ctx, d, domain.StatusRemoved, "removed"); err != nil {
		return nil, err
	}
	logger.Info("deployment removed")
	return d, nil
}

// RecoverInterrupted fails every deployment left in a pipeline stage by an
// earlier process. It must run before any pipeline is started.
func (c *Controller) RecoverInterrupted(ctx context.Context) (int, error) {
	n := 0
	for _, status := range []domain.DeploymentStatus{
		domain.StatusCloning,
		domain.StatusInstallingDependencies,
		domain.StatusBuilding,
		domain.StatusConfiguringService,
		domain.StatusConfiguringProxy,
		domain.StatusStarting,
		domain.StatusHealthChecking,
	} {
		deployments, err := c.store.ListDeploymentsByStatus(ctx, status)
		if err != nil {
			return n, err
		}
		for i := range deployments {
			d := &deployments[i]
			c.fail(ctx, d, errors.New("interrupted by service restart"), c.logger.With("deployment_id", d.ID, "name", d.Name))
			n++
		}
	}
	return n, nil
}

// Get returns a deployment by ID.
func (c *Controller) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	return c.store.GetDeployment(ctx, id)
}

// List returns deployments, newest first.
func (c *Controller) List(ctx context.Context, opts store.ListOptions) ([]domain.Deployment, error) {
	return c.store.ListDeployments(ctx, opts)
}

// Active reports whether a pipeline run of the deployment is in flight.
func (c *Controller) Active(id string) bool {
	return c.isActive(id)
}

// Wait blocks until the in-flight run of a deployment, if any, is done.
func (c *Controller) Wait(ctx context.Context, id string) error {
	c.mu.Lock()
	r, ok := c.active[id]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown asks every in-flight run to stop at its next stage boundary and
// waits for them, or for ctx.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, r := range c.active {
		r.stop.Store(true)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// Run bookkeeping
// =============================================================================

// claim reserves the run slot of a queued deployment.
// reserve takes the slot of a deployment so no other run, stop, requeue or
// remove touches it until finish.
func (c *Controller) reserve(id string) (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[id]; ok {
		return nil, domain.ErrDeploymentActive
	}
	r := &run{done: make(chan struct{})}
	c.active[id] = r
	c.wg.Add(1)
	return r, nil
}

func (c *Controller) claim(ctx context.Context, id string) (*domain.Deployment, *run, error) {
	r, err := c.reserve(id)
	if err != nil {
		return nil, nil, err
	}

	d, err := c.store.GetDeployment(ctx, id)
	if err != nil {
		c.finish(id, r)
		return nil, nil, err
	}
	if d.Status != domain.StatusQueued {
		c.finish(id, r)
		return nil, nil, fmt.Errorf("%w: deployment is %s, not queued", domain.ErrInvalidTransition, d.Status)
	}
	return d, r, nil
}

func (c *Controller) finish(id string, r *run) {
	c.mu.Lock()
	if c.active[id] == r {
		delete(c.active, id)
	}
	c.mu.Unlock()
	close(r.done)
	c.wg.Done()
}

func (c *Controller) isActive(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[id]
	return ok
}

// advance moves d to status and records the transition.
func (c *Controller) advance(ctx context.Context, d *domain.Deployment, to domain.DeploymentStatus, message string) error {
	from := d.Status
	if err := d.Transition(to); err != nil {
		return err
	}
	return c.persist(ctx, d, from, message)
}

// persist writes d and its latest transition. Records are written even when
// ctx is already cancelled so a shutdown never loses the final status.
func (c *Controller) persist(ctx context.Context, d *domain.Deployment, from domain.DeploymentStatus, message string) error {
	ctx = context.WithoutCancel(ctx)
	return c.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateDeployment(ctx, d); err != nil {
			return err
		}
		return tx.AppendTransition(ctx, &domain.StageTransition{
			DeploymentID: d.ID,
			From:         from,
			To:           d.Status,
			Message:      message,
			At:           d.UpdatedAt,
		})
	})
}

func unitOf(d *domain.Deployment) supervisor.Unit {
	return supervisor.Unit{DeploymentID: d.ID, Name: coresupervisor.UnitName(d.Name)}
}
