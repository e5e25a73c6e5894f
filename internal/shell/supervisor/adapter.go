// Package supervisor drives systemd through systemctl and journalctl on behalf
// of the deployment pipeline. Every lifecycle call is idempotent and is
// followed by an update of the deployment's ServiceUnit record.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/hostd/internal/core/command"
	"github.com/artpar/hostd/internal/core/domain"
	"github.com/artpar/hostd/internal/core/retry"
	shellcmd "github.com/artpar/hostd/internal/shell/command"
	"github.com/artpar/hostd/internal/shell/store"
)

// Config configures the adapter.
type Config struct {
	// UnitDir is where unit definitions are installed.
	// Default: /etc/systemd/system.
	UnitDir string

	// Systemctl and Journalctl are the executables invoked.
	Systemctl  string
	Journalctl string

	// VerifyAttempts is how many status queries Verify makes.
	// Default: 5.
	VerifyAttempts int

	// VerifyDelay is the wait between status queries.
	// Default: 2 seconds.
	VerifyDelay time.Duration

	// CommandTimeout bounds each systemctl/journalctl invocation.
	// Default: 30 seconds.
	CommandTimeout time.Duration

	// DiagnosticLines is how many journal lines are attached to a failed verify.
	// Default: 20.
	DiagnosticLines int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		UnitDir:         "/etc/systemd/system",
		Systemctl:       "systemctl",
		Journalctl:      "journalctl",
		VerifyAttempts:  5,
		VerifyDelay:     2 * time.Second,
		CommandTimeout:  30 * time.Second,
		DiagnosticLines: 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.UnitDir == "" {
		c.UnitDir = d.UnitDir
	}
	if c.Systemctl == "" {
		c.Systemctl = d.Systemctl
	}
	if c.Journalctl == "" {
		c.Journalctl = d.Journalctl
	}
	if c.VerifyAttempts <= 0 {
		c.VerifyAttempts = d.VerifyAttempts
	}
	if c.VerifyDelay < 0 {
		c.VerifyDelay = 0
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.DiagnosticLines <= 0 {
		c.DiagnosticLines = d.DiagnosticLines
	}
	return c
}

// Unit identifies a deployment's service unit.
type Unit struct {
	DeploymentID string
	Name         string // e.g. hostd-shop.service
}

// VerifyResult is the outcome of Verify.
type VerifyResult struct {
	Running    bool
	State      domain.UnitState
	Diagnostic string // recent journal output when not running
	Attempts   int
}

// Err returns nil for a running unit and a *domain.SupervisorError otherwise.
func (r VerifyResult) Err(unit Unit) error {
	if r.Running {
		return nil
	}
	return &domain.SupervisorError{
		Unit:       unit.Name,
		Op:         "verify",
		State:      string(r.State),
		Diagnostic: r.Diagnostic,
	}
}

var errNotActive = errors.New("unit not active")

// Adapter wraps the host's service supervisor.
type Adapter struct {
	runner shellcmd.Runner
	store  store.Store
	config Config
	logger *slog.Logger
}

// NewAdapter creates an adapter.
func NewAdapter(runner shellcmd.Runner, s store.Store, config Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		runner: runner,
		store:  s,
		config: config.withDefaults(),
		logger: logger.With("component", "supervisor"),
	}
}

// UnitPath returns where the definition of unit is installed.
func (a *Adapter) UnitPath(unit Unit) string {
	return filepath.Join(a.config.UnitDir, unit.Name)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Install writes the unit definition and reloads the supervisor. Installing
// an identical definition again changes nothing.
func (a *Adapter) Install(ctx context.Context, unit Unit, definition string) error {
	if err := validUnitName(unit.Name); err != nil {
		return err
	}
	path := a.UnitPath(unit)

	current, err := os.ReadFile(path)
	if err == nil && bytes.Equal(current, []byte(definition)) {
		a.logger.Debug("unit definition unchanged", "unit", unit.Name)
		return a.record(ctx, unit, nil)
	}
	if err != nil && !os.IsNotExist(err) {
		return &domain.SupervisorError{Unit: unit.Name, Op: "install", Err: err}
	}

	if err := writeFileAtomic(path, []byte(definition), 0o644); err != nil {
		return &domain.SupervisorError{Unit: unit.Name, Op: "install", Err: err}
	}
	if _, err := a.systemctl(ctx, "daemon-reload"); err != nil {
		return &domain.SupervisorError{Unit: unit.Name, Op: "install", Err: err}
	}

	a.logger.Info("unit installed", "unit", unit.Name, "path", path)
	return a.record(ctx, unit, nil)
}

// Uninstall stops and disables the unit, removes its definition and forgets
// its record. Missing pieces are skipped.
func (a *Adapter) Uninstall(ctx context.Context, unit Unit) error {
	if err := a.Stop(ctx, unit); err != nil {
		return err
	}
	if err := a.Disable(ctx, unit); err != nil {
		return err
	}

	err := os.Remove(a.UnitPath(unit))
	if err != nil && !os.IsNotExist(err) {
		return &domain.SupervisorError{Unit: unit.Name, Op: "uninstall", Err: err}
	}
	if err == nil {
		if _, err := a.systemctl(ctx, "daemon-reload"); err != nil {
			return &domain.SupervisorError{Unit: unit.Name, Op: "uninstall", Err: err}
		}
	}

	if err := a.store.DeleteServiceUnit(ctx, unit.DeploymentID); err != nil && !store.IsNotFound(err) {
		return err
	}
	a.logger.Info("unit uninstalled", "unit", unit.Name)
	return nil
}

// Enable marks the unit to start at boot. Enabling an enabled unit is a no-op.
func (a *Adapter) Enable(ctx context.Context, unit Unit) error {
	return a.setEnabled(ctx, unit, true)
}

// Disable reverses Enable. Disabling a disabled unit is a no-op.
func (a *Adapter) Disable(ctx context.Context, unit Unit) error {
	return a.setEnabled(ctx, unit, false)
}

func (a *Adapter) setEnabled(ctx context.Context, unit Unit, enabled bool) error {
	op := "enable"
	if !enabled {
		op = "disable"
	}

	current, err := a.IsEnabled(ctx, unit)
	if err != nil {
		return &domain.SupervisorError{Unit: unit.Name, Op: op, Err: err}
	}
	if current != enabled {
		if _, err := a.systemctl(ctx, op, unit.Name); err != nil {
			return &domain.SupervisorError{Unit: unit.Name, Op: op, Err: err}
		}
		a.logger.Info("unit "+op+"d", "unit", unit.Name)
	}

	return a.record(ctx, unit, func(u *domain.ServiceUnit) { u.Enabled = enabled })
}

// Start starts the unit. Starting an active unit is a no-op.
func (a *Adapter) Start(ctx context.Context, unit Unit) error {
	state, err := a.Status(ctx, unit)
	if err != nil {
		return &domain.SupervisorError{Unit: unit.Name, Op: "start", Err: err}
	}
	if state == domain.UnitActive || state == domain.UnitActivating {
		return a.record(ctx, unit, func(u *domain.ServiceUnit) { u.State = state })
	}
	return a.transition(ctx, unit, "start")
}

// Stop stops the unit. Stopping an inactive unit is a no-op.
func (a *Adapter) Stop(ctx context.Context, unit Unit) error {
	state, err := a.Status(ctx, unit)
	if err != nil {
		return &domain.SupervisorError{Unit: unit.Name, Op: "stop", Err: err}
	}
	if state == domain.UnitInactive || state == domain.UnitFailed || state == domain.UnitUnknown {
		return a.record(ctx, unit, func(u *domain.ServiceUnit) { u.State = state })
	}
	return a.transition(ctx, unit, "stop")
}

// Restart restarts the unit, starting it if it was stopped.
func (a *Adapter) Restart(ctx context.Context, unit Unit) error {
	return a.transition(ctx, unit, "restart")
}

func (a *Adapter) transition(ctx context.Context, unit Unit, op string) error {
	if _, err := a.systemctl(ctx, op, unit.Name); err != nil {
		return &domain.SupervisorError{Unit: unit.Name, Op: op, Err: err}
	}
	a.logger.Info("unit "+op+" requested", "unit", unit.Name)

	state, err := a.Status(ctx, unit)
	if err != nil {
		state = domain.UnitUnknown
	}
	return a.record(ctx, unit, func(u *domain.ServiceUnit) { u.State = state })
}

// =============================================================================
// Status & Verification
// =============================================================================

// Status queries the unit's active state. Units systemd does not know report
// UnitInactive or UnitUnknown rather than an error.
func (a *Adapter) Status(ctx context.Context, unit Unit) (domain.UnitState, error) {
	res, err := a.systemctl(ctx, "is-active", unit.Name)
	var cmdErr *domain.ExternalCommandError
	if err != nil && !errors.As(err, &cmdErr) {
		return domain.UnitUnknown, err
	}
	return domain.ParseUnitState(firstLine(res.Output)), nil
}

// IsEnabled reports whether the unit is enabled.
func (a *Adapter) IsEnabled(ctx context.Context, unit Unit) (bool, error) {
	res, err := a.systemctl(ctx, "is-enabled", unit.Name)
	var cmdErr *domain.ExternalCommandError
	if err != nil && !errors.As(err, &cmdErr) {
		return false, err
	}
	return err == nil && firstLine(res.Output) == "enabled", nil
}

// Verify polls the unit's state up to the configured number of attempts and
// reports whether it is running. It never returns an error: a unit that
// cannot be queried is reported as not running with the failure attached.
func (a *Adapter) Verify(ctx context.Context, unit Unit) VerifyResult {
	policy := retry.Policy{
		MaxAttempts: a.config.VerifyAttempts,
		Delay:       a.config.VerifyDelay,
	}

	state := domain.UnitUnknown
	attempts, err := retry.Do(ctx, policy, func(ctx context.Context) error {
		s, err := a.Status(ctx, unit)
		if err != nil {
			return err
		}
		state = s
		if s != domain.UnitActive {
			return fmt.Errorf("%w: %s", errNotActive, s)
		}
		return nil
	})

	result := VerifyResult{Running: err == nil, State: state, Attempts: attempts}
	if err != nil {
		result.Diagnostic = a.diagnostic(ctx, unit, err)
		a.logger.Warn("unit verification failed",
			"unit", unit.Name,
			"state", state,
			"attempts", attempts,
		)
	}

	now := time.Now().UTC()
	if recErr := a.record(ctx, unit, func(u *domain.ServiceUnit) {
		u.State = state
		u.VerifiedAt = &now
	}); recErr != nil {
		a.logger.Warn("failed to record verification", "unit", unit.Name, "error", recErr)
	}
	return result
}

// Logs returns the last n journal lines of the unit.
func (a *Adapter) Logs(ctx context.Context, unit Unit, n int) (string, error) {
	if n <= 0 {
		n = a.config.DiagnosticLines
	}
	res, err := a.run(ctx, a.config.Journalctl, "-u", unit.Name, "-n", strconv.Itoa(n), "--no-pager", "-o", "cat")
	if err != nil {
		return res.Output, err
	}
	return res.Output, nil
}

func (a *Adapter) diagnostic(ctx context.Context, unit Unit, verifyErr error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v\n", unit.Name, verifyErr)

	// The verify context may already be done; the journal is still worth reading.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.CommandTimeout)
	defer cancel()
	logs, err := a.Logs(logCtx, unit, a.config.DiagnosticLines)
	if err != nil {
		fmt.Fprintf(&b, "journal unavailable: %v\n", err)
		return b.String()
	}
	b.WriteString(logs)
	return b.String()
}

// =============================================================================
// Helpers
// =============================================================================

func (a *Adapter) systemctl(ctx context.Context, args ...string) (shellcmd.Result, error) {
	return a.run(ctx, a.config.Systemctl, args...)
}

func (a *Adapter) run(ctx context.Context, exe string, args ...string) (shellcmd.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.config.CommandTimeout)
	defer cancel()
	return a.runner.Run(ctx, command.Command{Argv: append([]string{exe}, args...)})
}

// record updates the unit's stored state. mutate may be nil to only touch
// the record.
func (a *Adapter) record(ctx context.Context, unit Unit, mutate func(*domain.ServiceUnit)) error {
	su, err := a.store.GetServiceUnit(ctx, unit.DeploymentID)
	if err != nil {
		if !store.IsNotFound(err) {
			return err
		}
		su = &domain.ServiceUnit{
			DeploymentID: unit.DeploymentID,
			State:        domain.UnitUnknown,
		}
	}
	su.Name = unit.Name
	if mutate != nil {
		mutate(su)
	}
	su.UpdatedAt = time.Now().UTC()
	return a.store.UpsertServiceUnit(ctx, su)
}

func validUnitName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\\x00") || !strings.HasSuffix(name, ".service") {
		return domain.NewValidationError("unit", fmt.Sprintf("invalid unit name %q", name))
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// writeFileAtomic writes data to a temporary file next to path and renames it
// into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
