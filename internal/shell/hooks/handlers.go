// Package hooks runs the hooks registered for a lifecycle event.
//
// Handlers are resolved by name from a Handlers table built once at startup;
// a hook definition only ever refers to a handler by that name.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/artpar/hostd/internal/core/command"
	"github.com/artpar/hostd/internal/core/domain"
	shellcmd "github.com/artpar/hostd/internal/shell/command"
)

// Result is what a handler reports on success.
type Result struct {
	Output string
}

// Handler is the capability a hook invokes.
type Handler interface {
	Execute(ctx context.Context, hc domain.HookContext) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, hc domain.HookContext) (Result, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, hc domain.HookContext) (Result, error) {
	return f(ctx, hc)
}

// Handlers maps handler names to implementations.
type Handlers struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlers creates an empty handler table.
func NewHandlers() *Handlers {
	return &Handlers{handlers: make(map[string]Handler)}
}

// Register adds a handler under name.
func (h *Handlers) Register(name string, handler Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.NewValidationError("handler", "name is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.handlers[name]; dup {
		return domain.NewValidationError("handler", fmt.Sprintf("%q already registered", name))
	}
	h.handlers[name] = handler
	return nil
}

// Lookup returns the handler registered under name.
func (h *Handlers) Lookup(name string) (Handler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handler, ok := h.handlers[name]
	return handler, ok
}

// Names returns the registered handler names, sorted.
func (h *Handlers) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.handlers))
	for name := range h.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// Built-in Handlers
// =============================================================================

// ExecHandler runs a fixed argument vector. The hook context is passed as
// HOSTD_* environment variables, e.g. HOSTD_DEPLOYMENT_ID.
type ExecHandler struct {
	Runner shellcmd.Runner
	Argv   []string
	Dir    string
}

// Execute implements Handler.
func (h *ExecHandler) Execute(ctx context.Context, hc domain.HookContext) (Result, error) {
	env := make([]string, 0, len(hc))
	for k, v := range hc {
		env = append(env, "HOSTD_"+strings.ToUpper(k)+"="+v)
	}
	sort.Strings(env)

	res, err := h.Runner.Run(ctx, command.Command{Argv: h.Argv, Dir: h.Dir, Env: env})
	if err != nil {
		return Result{Output: res.Output}, err
	}
	return Result{Output: res.Output}, nil
}

// HTTPHandler posts the hook context as JSON to a URL. Any status outside
// 2xx is a failure.
type HTTPHandler struct {
	Client *http.Client
	URL    string
}

// Execute implements Handler.
func (h *HTTPHandler) Execute(ctx context.Context, hc domain.HookContext) (Result, error) {
	body, err := json.Marshal(hc)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{Output: string(out)}, fmt.Errorf("webhook %s returned %s", h.URL, resp.Status)
	}
	return Result{Output: string(out)}, nil
}
