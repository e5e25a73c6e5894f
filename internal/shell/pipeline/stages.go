package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/hostd/internal/core/command"
	"github.com/artpar/hostd/internal/core/domain"
	"github.com/artpar/hostd/internal/core/retry"
	coresupervisor "github.com/artpar/hostd/internal/core/supervisor"
	"github.com/artpar/hostd/internal/shell/supervisor"
)

// stage is one step of the pipeline: the status it runs under, how it is
// retried and the operation itself.
type stage struct {
	status domain.DeploymentStatus
	policy retry.Policy
	run    func(ctx context.Context) error
}

// execute drives d from Queued to a final status.
func (c *Controller) execute(ctx context.Context, d *domain.Deployment, r *run) {
	logger := c.logger.With("deployment_id", d.ID, "name", d.Name)
	started := time.Now()

	plan, err := command.PlanFor(d)
	if err == nil {
		err = plan.Validate(c.allow)
	}
	if err != nil {
		c.fail(ctx, d, err, logger)
		return
	}

	if _, err := c.hooks.Fire(ctx, domain.EventPreDeployment, domain.NewHookContext(d, domain.StatusQueued)); err != nil {
		c.fail(ctx, d, err, logger)
		return
	}

	unit := unitOf(d)
	unitTouched := false

	for _, s := range c.stages(d, plan) {
		if r.stop.Load() {
			c.halt(ctx, d, unit, unitTouched, logger)
			return
		}
		if err := c.advance(ctx, d, s.status, ""); err != nil {
			logger.Error("failed to record stage", "stage", s.status, "error", err)
			return
		}
		if s.status == domain.StatusConfiguringService {
			unitTouched = true
		}

		logger.Info("stage started", "stage", s.status)
		t := time.Now()
		_, err := retry.Do(ctx, s.policy, s.run)
		c.metrics.RecordStage(string(s.status), err == nil, time.Since(t))
		if err != nil {
			c.fail(ctx, d, err, logger)
			return
		}
	}

	if r.stop.Load() {
		c.halt(ctx, d, unit, unitTouched, logger)
		return
	}
	if err := c.advance(ctx, d, domain.StatusRunning, ""); err != nil {
		logger.Error("failed to record running", "error", err)
		return
	}
	c.metrics.RecordDeployment(string(domain.StatusRunning))
	logger.Info("deployment running", "port", d.Port, "duration", time.Since(started))
}

// stages lists the stages a deployment goes through after Queued.
func (c *Controller) stages(d *domain.Deployment, plan command.Plan) []stage {
	timeout := c.config.StageTimeout
	flaky := retry.WithRetries(1, c.config.CloneRetryDelay, timeout)
	once := retry.Once(timeout)
	unit := unitOf(d)

	stages := []stage{
		{domain.StatusCloning, flaky, func(ctx context.Context) error {
			return c.builder.Fetch(ctx, d)
		}},
		{domain.StatusInstallingDependencies, flaky, func(ctx context.Context) error {
			return c.builder.Run(ctx, d, plan.Install)
		}},
	}
	if plan.HasBuild() {
		stages = append(stages, stage{domain.StatusBuilding, once, func(ctx context.Context) error {
			return c.builder.Run(ctx, d, plan.Build)
		}})
	}
	return append(stages,
		stage{domain.StatusConfiguringService, once, func(ctx context.Context) error {
			return c.configureService(ctx, d, plan, unit)
		}},
		stage{domain.StatusConfiguringProxy, once, func(ctx context.Context) error {
			return c.proxy.Configure(ctx, d.Name, d.Port)
		}},
		stage{domain.StatusStarting, once, func(ctx context.Context) error {
			if err := c.supervisor.Start(ctx, unit); err != nil {
				return err
			}
			_, err := c.hooks.Fire(ctx, domain.EventPostDeployment, domain.NewHookContext(d, domain.StatusStarting))
			return err
		}},
		stage{domain.StatusHealthChecking, once, func(ctx context.Context) error {
			if err := c.supervisor.Verify(ctx, unit).Err(unit); err != nil {
				return err
			}
			_, err := c.hooks.Fire(ctx, domain.EventServiceHealthCheck, domain.NewHookContext(d, domain.StatusHealthChecking))
			return err
		}},
	)
}

// configureService writes the environment file, installs the unit and
// enables it.
func (c *Controller) configureService(ctx context.Context, d *domain.Deployment, plan command.Plan, unit supervisor.Unit) error {
	envFile, err := c.builder.WriteEnvFile(d)
	if err != nil {
		return err
	}
	definition, err := coresupervisor.RenderUnit(coresupervisor.UnitParams{
		Description:      "hostd deployment " + d.Name,
		WorkingDirectory: c.builder.Workdir(d),
		ExecStart:        plan.Start,
		EnvironmentFile:  envFile,
		User:             c.config.ServiceUser,
	})
	if err != nil {
		return domain.NewValidationError("start", err.Error())
	}
	if err := c.supervisor.Install(ctx, unit, definition); err != nil {
		return err
	}
	return c.supervisor.Enable(ctx, unit)
}

// fail records the failure of the current stage.
func (c *Controller) fail(ctx context.Context, d *domain.Deployment, err error, logger *slog.Logger) {
	from := d.Status
	failure := stageFailure(err)
	if ferr := d.Fail(failure); ferr != nil {
		logger.Error("cannot fail deployment", "status", d.Status, "error", ferr)
		return
	}
	if perr := c.persist(ctx, d, from, failure.Message); perr != nil {
		logger.Error("failed to record failure", "error", perr)
	}
	c.metrics.RecordDeployment(string(domain.StatusFailed))
	logger.Error("stage failed",
		"stage", from,
		"error", err,
		"exit_code", failure.ExitCode,
	)
}

// halt ends a run on a stop request. A unit that may have been started is
// stopped and disabled on a best-effort basis.
func (c *Controller) halt(ctx context.Context, d *domain.Deployment, unit supervisor.Unit, unitTouched bool, logger *slog.Logger) {
	if unitTouched {
		ctx := context.WithoutCancel(ctx)
		if err := c.supervisor.Stop(ctx, unit); err != nil {
			logger.Warn("failed to stop unit", "error", err)
		}
		if err := c.supervisor.Disable(ctx, unit); err != nil {
			logger.Warn("failed to disable unit", "error", err)
		}
	}
	from := d.Status
	if err := c.advance(ctx, d, domain.StatusStopped, fmt.Sprintf("stopped during %s", from)); err != nil {
		logger.Error("failed to record stop", "error", err)
		return
	}
	c.metrics.RecordDeployment(string(domain.StatusStopped))
	logger.Info("deployment stopped", "after", from)
}

// stageFailure extracts command, exit status and output from a stage error.
func stageFailure(err error) domain.StageFailure {
	f := domain.StageFailure{Message: err.Error()}

	var cmdErr *domain.ExternalCommandError
	var timeoutErr *domain.TimeoutError
	var supErr *domain.SupervisorError
	var proxyErr *domain.ProxyConfigError
	switch {
	case errors.As(err, &supErr) && supErr.Diagnostic != "":
		f.Output = supErr.Diagnostic
	case errors.As(err, &cmdErr):
		f.Command = cmdErr.Command
		f.ExitCode = cmdErr.ExitCode
		f.Output = cmdErr.Output
	case errors.As(err, &timeoutErr):
		f.Command = timeoutErr.Command
		f.ExitCode = -1
		f.Output = timeoutErr.Output
	case errors.As(err, &proxyErr):
		f.Output = proxyErr.Output
	}
	return f
}
