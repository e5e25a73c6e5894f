// Package commandtest provides a scripted command.Runner for tests of the
// packages that drive git, systemctl, nginx and package managers.
package commandtest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/artpar/hostd/internal/core/command"
	"github.com/artpar/hostd/internal/core/domain"
	shellcmd "github.com/artpar/hostd/internal/shell/command"
)

// HandlerFunc answers one command.
type HandlerFunc func(ctx context.Context, cmd command.Command) (shellcmd.Result, error)

// Runner records every command and answers it from the handler registered for
// the longest matching prefix. Unmatched commands succeed with no output.
type Runner struct {
	mu       sync.Mutex
	calls    []command.Command
	handlers map[string]HandlerFunc
}

// New creates an empty Runner.
func New() *Runner {
	return &Runner{handlers: make(map[string]HandlerFunc)}
}

// On registers fn for commands whose space-joined argv starts with prefix.
func (r *Runner) On(prefix string, fn HandlerFunc) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = fn
	return r
}

// OnOutput makes matching commands succeed with output.
func (r *Runner) OnOutput(prefix, output string) *Runner {
	return r.On(prefix, func(context.Context, command.Command) (shellcmd.Result, error) {
		return shellcmd.Result{Output: output}, nil
	})
}

// OnExit makes matching commands exit with code and output.
func (r *Runner) OnExit(prefix string, code int, output string) *Runner {
	return r.On(prefix, func(_ context.Context, cmd command.Command) (shellcmd.Result, error) {
		return Exit(cmd, code, output)
	})
}

// OnSequence answers successive matching commands with fns in order. The last
// entry repeats once the sequence is used up.
func (r *Runner) OnSequence(prefix string, fns ...HandlerFunc) *Runner {
	var mu sync.Mutex
	next := 0
	return r.On(prefix, func(ctx context.Context, cmd command.Command) (shellcmd.Result, error) {
		mu.Lock()
		fn := fns[next]
		if next < len(fns)-1 {
			next++
		}
		mu.Unlock()
		return fn(ctx, cmd)
	})
}

// Exit builds the result and error a real runner returns for a nonzero exit.
func Exit(cmd command.Command, code int, output string) (shellcmd.Result, error) {
	res := shellcmd.Result{ExitCode: code, Output: output}
	if code == 0 {
		return res, nil
	}
	return res, &domain.ExternalCommandError{Command: cmd.Argv, ExitCode: code, Output: output}
}

// Output answers with a successful result.
func Output(output string) HandlerFunc {
	return func(context.Context, command.Command) (shellcmd.Result, error) {
		return shellcmd.Result{Output: output}, nil
	}
}

// Fail answers with a nonzero exit.
func Fail(code int, output string) HandlerFunc {
	return func(_ context.Context, cmd command.Command) (shellcmd.Result, error) {
		return Exit(cmd, code, output)
	}
}

// Block waits until ctx is done and reports a timeout, like a hung process.
func Block() HandlerFunc {
	return func(ctx context.Context, cmd command.Command) (shellcmd.Result, error) {
		<-ctx.Done()
		return shellcmd.Result{ExitCode: -1}, &domain.TimeoutError{Op: "command " + cmd.Argv[0], Command: cmd.Argv}
	}
}

// Run implements shellcmd.Runner.
func (r *Runner) Run(ctx context.Context, cmd command.Command) (shellcmd.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	fn := r.match(cmd.String())
	r.mu.Unlock()

	if fn == nil {
		return shellcmd.Result{}, nil
	}
	return fn(ctx, cmd)
}

func (r *Runner) match(line string) HandlerFunc {
	prefixes := make([]string, 0, len(r.handlers))
	for p := range r.handlers {
		if strings.HasPrefix(line, p) {
			prefixes = append(prefixes, p)
		}
	}
	if len(prefixes) == 0 {
		return nil
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	return r.handlers[prefixes[0]]
}

// Calls returns the commands run so far.
func (r *Runner) Calls() []command.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]command.Command, len(r.calls))
	copy(out, r.calls)
	return out
}

// Lines returns the space-joined argv of every command run so far.
func (r *Runner) Lines() []string {
	calls := r.Calls()
	lines := make([]string, len(calls))
	for i, c := range calls {
		lines[i] = c.String()
	}
	return lines
}

// Count returns how many commands started with prefix.
func (r *Runner) Count(prefix string) int {
	n := 0
	for _, line := range r.Lines() {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls but keeps handlers.
func (r *Runner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

var _ shellcmd.Runner = (*Runner)(nil)
