// Package monitor periodically checks the service units of running
// deployments.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/hostd/internal/core/domain"
	coresupervisor "github.com/artpar/hostd/internal/core/supervisor"
	"github.com/artpar/hostd/internal/shell/metrics"
	"github.com/artpar/hostd/internal/shell/store"
	"github.com/artpar/hostd/internal/shell/supervisor"
)

// StatusChecker queries a unit's active state.
type StatusChecker interface {
	Status(ctx context.Context, unit supervisor.Unit) (domain.UnitState, error)
}

// Config configures the monitor.
type Config struct {
	// Interval is the time between check cycles.
	// Default: 30 seconds.
	Interval time.Duration

	// UnitTimeout bounds the check of a single unit.
	// Default: 10 seconds.
	UnitTimeout time.Duration

	// MaxConcurrent is the maximum number of units checked at once.
	// Default: 5.
	MaxConcurrent int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		UnitTimeout:   10 * time.Second,
		MaxConcurrent: 5,
	}
}

// Monitor refreshes the recorded state of every running deployment's unit.
// It only reports: deployment status is left to the pipeline.
type Monitor struct {
	store      store.Store
	supervisor StatusChecker
	metrics    *metrics.Metrics
	config     Config
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor. metrics may be nil.
func New(s store.Store, sup StatusChecker, m *metrics.Metrics, config Config, logger *slog.Logger) *Monitor {
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}
	if config.UnitTimeout == 0 {
		config.UnitTimeout = 10 * time.Second
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = 5
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		store:      s,
		supervisor: sup,
		metrics:    m,
		config:     config,
		logger:     logger.With("component", "monitor"),
	}
}

// Start runs a check cycle now and then on every interval.
func (m *Monitor) Start() {
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(1)
	go m.run()

	m.logger.Info("monitor started",
		"interval", m.config.Interval,
		"max_concurrent", m.config.MaxConcurrent,
	)
}

// Stop ends the loop and waits for the cycle in progress.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("monitor stopped")
}

func (m *Monitor) run() {
	defer m.wg.Done()

	m.RunCycle(m.ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.RunCycle(m.ctx)
		}
	}
}

// RunCycle checks every running deployment once and returns the number of
// units found healthy.
func (m *Monitor) RunCycle(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, m.config.Interval)
	defer cancel()

	deployments, err := m.store.ListDeploymentsByStatus(ctx, domain.StatusRunning)
	if err != nil {
		m.logger.Error("failed to list running deployments", "error", err)
		return 0
	}
	if len(deployments) == 0 {
		m.logger.Debug("no running deployments")
		return 0
	}

	sem := make(chan struct{}, m.config.MaxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	healthy := 0

	for i := range deployments {
		d := &deployments[i]

		wg.Add(1)
		go func(d *domain.Deployment) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			if m.check(ctx, d) {
				mu.Lock()
				healthy++
				mu.Unlock()
			}
		}(d)
	}

	wg.Wait()
	m.logger.Debug("completed check cycle", "deployments", len(deployments), "healthy", healthy)
	return healthy
}

func (m *Monitor) check(ctx context.Context, d *domain.Deployment) bool {
	ctx, cancel := context.WithTimeout(ctx, m.config.UnitTimeout)
	defer cancel()

	logger := m.logger.With("deployment_id", d.ID, "name", d.Name)
	unit := supervisor.Unit{DeploymentID: d.ID, Name: coresupervisor.UnitName(d.Name)}

	state, err := m.supervisor.Status(ctx, unit)
	if err != nil {
		logger.Warn("unit status query failed", "error", err)
		state = domain.UnitUnknown
	}
	healthy := state == domain.UnitActive

	if err := m.record(ctx, unit, state); err != nil {
		if store.IsNotFound(err) {
			// Stopped or removed since the cycle listed it.
			logger.Debug("unit no longer running, state not recorded", "unit", unit.Name)
			return false
		}
		logger.Error("failed to record unit state", "error", err)
	}
	m.metrics.RecordUnitHealth(d.Name, healthy)
	if !healthy {
		logger.Warn("running deployment has unhealthy unit", "unit", unit.Name, "state", state)
	}
	return healthy
}

// record updates the unit row the supervisor adapter owns. A unit that was
// stopped or removed while its status query was in flight is left alone.
func (m *Monitor) record(ctx context.Context, unit supervisor.Unit, state domain.UnitState) error {
	return m.store.RecordUnitHealth(ctx, unit.DeploymentID, state, time.Now())
}
