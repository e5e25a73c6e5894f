// Package portalloc reserves and releases deployment ports on top of the
// store. The choice of port is made by proxy.AllocatePort; this package only
// makes the choice and the reservation one transaction.
package portalloc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/artpar/hostd/internal/core/domain"
	"github.com/artpar/hostd/internal/core/proxy"
	"github.com/artpar/hostd/internal/shell/metrics"
	"github.com/artpar/hostd/internal/shell/store"
)

// Allocator hands out ports from a fixed range.
type Allocator struct {
	store   store.Store
	rng     proxy.PortRange
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an allocator. metrics may be nil.
func New(s store.Store, rng proxy.PortRange, m *metrics.Metrics, logger *slog.Logger) (*Allocator, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		store:   s,
		rng:     rng,
		metrics: m,
		logger:  logger.With("component", "port_allocator"),
	}, nil
}

// Range returns the configured port range.
func (a *Allocator) Range() proxy.PortRange {
	return a.rng
}

// Allocate reserves the lowest free port for deploymentID in its own
// transaction. A deployment that already holds a port gets the same port back.
func (a *Allocator) Allocate(ctx context.Context, deploymentID string) (int, error) {
	var port int
	err := a.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		port, err = a.AllocateTx(ctx, tx, deploymentID, 0)
		return err
	})
	if err != nil {
		return 0, err
	}
	a.refreshGauge(ctx)
	return port, nil
}

// AllocateTx reserves a port inside an existing transaction. A nonzero
// desired port is claimed exactly or rejected with a ValidationError; zero
// means the lowest free port. Returns *domain.PortExhaustionError when the
// range is full.
func (a *Allocator) AllocateTx(ctx context.Context, tx store.Store, deploymentID string, desired int) (int, error) {
	if existing, err := tx.GetPortAllocation(ctx, deploymentID); err == nil {
		return existing.Port, nil
	} else if !store.IsNotFound(err) {
		return 0, err
	}

	used, err := tx.ListAllocatedPorts(ctx)
	if err != nil {
		return 0, err
	}

	port := desired
	if desired != 0 {
		if err := proxy.ClaimPort(desired, used, a.rng); err != nil {
			return 0, err
		}
	} else {
		port, err = proxy.AllocatePort(used, a.rng)
		if err != nil {
			return 0, err
		}
	}

	if err := tx.CreatePortAllocation(ctx, &domain.PortAllocation{
		Port:         port,
		DeploymentID: deploymentID,
		AllocatedAt:  time.Now().UTC(),
	}); err != nil {
		return 0, err
	}

	a.logger.Info("port allocated", "deployment_id", deploymentID, "port", port)
	return port, nil
}

// Release frees port. Releasing a port that is not reserved is a no-op.
func (a *Allocator) Release(ctx context.Context, port int) error {
	err := a.store.DeletePortAllocation(ctx, port)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err == nil {
		a.logger.Info("port released", "port", port)
	}
	a.refreshGauge(ctx)
	return nil
}

// ReleaseDeployment frees whatever port deploymentID holds.
func (a *Allocator) ReleaseDeployment(ctx context.Context, deploymentID string) error {
	alloc, err := a.store.GetPortAllocation(ctx, deploymentID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	return a.Release(ctx, alloc.Port)
}

// Refresh recomputes the allocated-ports gauge, e.g. after a transaction
// that reserved a port through AllocateTx has committed.
func (a *Allocator) Refresh(ctx context.Context) {
	a.refreshGauge(ctx)
}

func (a *Allocator) refreshGauge(ctx context.Context) {
	if a.metrics == nil {
		return
	}
	used, err := a.store.ListAllocatedPorts(ctx)
	if err != nil {
		a.logger.Warn("failed to count allocated ports", "error", err)
		return
	}
	a.metrics.SetPortsAllocated(len(used))
}
