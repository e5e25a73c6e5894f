// Package command runs external programs for the deployment pipeline, the
// service supervisor and the proxy configurator.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/artpar/hostd/internal/core/command"
	"github.com/artpar/hostd/internal/core/domain"
)

// DefaultOutputLimit is how much trailing output is kept per command.
const DefaultOutputLimit = 4096

// Result is the outcome of a command that ran to completion.
type Result struct {
	ExitCode int
	Output   string // combined stdout and stderr, truncated to the last bytes
	Duration time.Duration
}

// Runner runs one argument vector. Implementations return
// *domain.ExternalCommandError on a nonzero exit and *domain.TimeoutError when
// ctx's deadline stops the process.
type Runner interface {
	Run(ctx context.Context, cmd command.Command) (Result, error)
}

// ExecRunner runs commands with os/exec. Argument vectors are passed to the
// kernel directly, never to a shell.
type ExecRunner struct {
	allow       *command.AllowList
	outputLimit int
	waitDelay   time.Duration
	logger      *slog.Logger
}

// Option configures an ExecRunner.
type Option func(*ExecRunner)

// WithAllowList rejects executables that are not on the list.
func WithAllowList(allow *command.AllowList) Option {
	return func(r *ExecRunner) { r.allow = allow }
}

// WithOutputLimit sets how many trailing output bytes are kept.
func WithOutputLimit(n int) Option {
	return func(r *ExecRunner) {
		if n > 0 {
			r.outputLimit = n
		}
	}
}

// NewExecRunner creates a runner.
func NewExecRunner(logger *slog.Logger, opts ...Option) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &ExecRunner{
		outputLimit: DefaultOutputLimit,
		waitDelay:   5 * time.Second,
		logger:      logger.With("component", "command"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes cmd and waits for it to exit.
func (r *ExecRunner) Run(ctx context.Context, cmd command.Command) (Result, error) {
	if r.allow != nil {
		if err := r.allow.Validate(cmd.Argv); err != nil {
			return Result{ExitCode: -1}, err
		}
	} else if len(cmd.Argv) == 0 {
		return Result{ExitCode: -1}, domain.NewValidationError("command", "empty argument vector")
	}

	out := newTailBuffer(r.outputLimit)
	c := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.Env...)
	c.Stdout = out
	c.Stderr = out
	c.WaitDelay = r.waitDelay

	start := time.Now()
	err := c.Run()
	result := Result{
		ExitCode: exitCode(c, err),
		Output:   out.String(),
		Duration: time.Since(start),
	}

	r.logger.Debug("command finished",
		"command", cmd.String(),
		"dir", cmd.Dir,
		"exit_code", result.ExitCode,
		"duration", result.Duration,
	)

	if err == nil {
		return result, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return result, &domain.TimeoutError{
			Op:      "command " + cmd.Argv[0],
			Timeout: result.Duration.Round(time.Millisecond),
			Command: cmd.Argv,
			Output:  result.Output,
		}
	}
	if ctx.Err() != nil {
		return result, fmt.Errorf("command %q cancelled: %w", cmd.String(), ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return result, &domain.ExternalCommandError{
			Command:  cmd.Argv,
			ExitCode: result.ExitCode,
			Output:   result.Output,
			Err:      err,
		}
	}

	// The process never started: missing executable, bad working directory.
	return result, &domain.ExternalCommandError{
		Command:  cmd.Argv,
		ExitCode: -1,
		Output:   err.Error(),
		Err:      err,
	}
}

func exitCode(c *exec.Cmd, err error) int {
	if c.ProcessState != nil {
		return c.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// =============================================================================
// Output Capture
// =============================================================================

// tailBuffer keeps the last limit bytes written to it. It is used as both
// Stdout and Stderr, so os/exec serializes the writes.
type tailBuffer struct {
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= b.limit {
		b.buf = append(b.buf[:0], p[len(p)-b.limit:]...)
		return n, nil
	}
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
