package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/artpar/hostd/internal/core/command"
	corehooks "github.com/artpar/hostd/internal/core/hooks"
	coreproxy "github.com/artpar/hostd/internal/core/proxy"
	"github.com/artpar/hostd/internal/shell/api"
	"github.com/artpar/hostd/internal/shell/builder"
	shellcmd "github.com/artpar/hostd/internal/shell/command"
	"github.com/artpar/hostd/internal/shell/hooks"
	"github.com/artpar/hostd/internal/shell/metrics"
	"github.com/artpar/hostd/internal/shell/monitor"
	"github.com/artpar/hostd/internal/shell/pipeline"
	"github.com/artpar/hostd/internal/shell/portalloc"
	"github.com/artpar/hostd/internal/shell/proxy"
	"github.com/artpar/hostd/internal/shell/store"
	"github.com/artpar/hostd/internal/shell/supervisor"
	"github.com/artpar/hostd/internal/shell/workflow"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitHTTPServerError = 3
	ExitLoadError       = 4
)

// =============================================================================
// Server
// =============================================================================

// Server represents the hostd process: the trigger API and the engines behind it.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      store.Store
	controller *pipeline.Controller
	engine     *workflow.Engine
	monitor    *monitor.Monitor
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}

	srv, err := newServer(cfg, s, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	return srv, nil
}

func newServer(cfg *Config, s store.Store, logger *slog.Logger) (*Server, error) {
	ctx := context.Background()
	configErr := func(err error) error {
		return &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}
	loadErr := func(err error) error {
		return &ServerError{Op: "NewServer", Err: err, ExitCode: ExitLoadError}
	}

	m := metrics.New()
	allow := command.NewAllowList(cfg.Pipeline.AllowedCommands...)

	// systemctl and nginx are run by the adapters themselves, so the runner
	// is not restricted; deployment and workflow commands are checked against
	// the allow-list by their callers.
	runner := shellcmd.NewExecRunner(logger)

	ports, err := portalloc.New(s, coreproxy.PortRange{Min: cfg.Ports.Min, Max: cfg.Ports.Max}, m, logger)
	if err != nil {
		return nil, configErr(err)
	}

	workspace, err := filepath.Abs(cfg.Pipeline.WorkspaceDir)
	if err != nil {
		return nil, configErr(err)
	}
	build, err := builder.New(runner, allow, workspace, logger)
	if err != nil {
		return nil, configErr(err)
	}

	units := supervisor.NewAdapter(runner, s, supervisor.Config{
		UnitDir:         cfg.Supervisor.UnitDir,
		Systemctl:       cfg.Supervisor.Systemctl,
		Journalctl:      cfg.Supervisor.Journalctl,
		VerifyAttempts:  cfg.Supervisor.VerifyAttempts,
		VerifyDelay:     cfg.Supervisor.VerifyDelay,
		CommandTimeout:  cfg.Supervisor.CommandTimeout,
		DiagnosticLines: cfg.Supervisor.DiagnosticLines,
	}, logger)

	proxyConfig := proxy.Config{
		Nginx:          cfg.Proxy.Nginx,
		AvailableDir:   cfg.Proxy.AvailableDir,
		EnabledDir:     cfg.Proxy.EnabledDir,
		StagingDir:     cfg.Proxy.StagingDir,
		HTTPIncludes:   cfg.Proxy.HTTPIncludes,
		BaseDomain:     cfg.Proxy.BaseDomain,
		ListenPort:     cfg.Proxy.ListenPort,
		CommandTimeout: cfg.Supervisor.CommandTimeout,
	}
	if cfg.Proxy.TemplateFile != "" {
		tmpl, err := os.ReadFile(cfg.Proxy.TemplateFile)
		if err != nil {
			return nil, configErr(fmt.Errorf("read proxy template: %w", err))
		}
		proxyConfig.Template = string(tmpl)
	}
	vhosts, err := proxy.NewConfigurator(runner, proxyConfig, logger)
	if err != nil {
		return nil, configErr(err)
	}

	// Hook commands run through their own runner, limited to the
	// executables the operator configured for them.
	hookRunner := shellcmd.NewExecRunner(logger, shellcmd.WithAllowList(hookAllowList(cfg.Hooks)))
	handlers, err := buildHandlers(cfg.Hooks, hookRunner)
	if err != nil {
		return nil, configErr(err)
	}
	registry := corehooks.NewRegistry()
	n, err := hooks.LoadManifests(cfg.Hooks.ManifestDir, registry, corehooks.Defaults{
		Timeout: cfg.Hooks.DefaultTimeout,
	}, logger)
	if err != nil {
		return nil, loadErr(err)
	}
	logger.Info("hooks registered", "count", n, "handlers", handlers.Names())
	executor := hooks.NewExecutor(registry, handlers, s, m, hooks.ExecutorConfig{
		DefaultTimeout: cfg.Hooks.DefaultTimeout,
		RetryDelay:     cfg.Hooks.RetryDelay,
	}, logger)

	// Pipeline
	controller := pipeline.NewController(pipeline.Deps{
		Store:      s,
		Ports:      ports,
		Builder:    build,
		Supervisor: units,
		Proxy:      vhosts,
		Hooks:      executor,
		AllowList:  allow,
		Metrics:    m,
		Logger:     logger,
	}, pipeline.Config{
		StageTimeout:    cfg.Pipeline.StageTimeout,
		CloneRetryDelay: cfg.Pipeline.CloneRetryDelay,
		ServiceUser:     cfg.Pipeline.ServiceUser,
	})
	recovered, err := controller.RecoverInterrupted(ctx)
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDatabaseError}
	}
	if recovered > 0 {
		logger.Warn("deployments interrupted by restart marked failed", "count", recovered)
	}

	// Workflows
	engine := workflow.NewEngine(s, m, logger)
	if err := workflow.RegisterBuiltins(engine, workflow.Builtins{
		Deployer:    controller,
		Deployments: s,
		Hooks:       executor,
		Runner:      runner,
		AllowList:   allow,
	}); err != nil {
		return nil, configErr(err)
	}
	loaded, err := engine.LoadDir(ctx, cfg.Workflows.DefinitionsDir, environ())
	if err != nil {
		return nil, loadErr(err)
	}
	logger.Info("workflows loaded", "count", loaded, "dir", cfg.Workflows.DefinitionsDir)

	var mon *monitor.Monitor
	if cfg.Monitor.Enabled {
		mon = monitor.New(s, units, m, monitor.Config{
			Interval:      cfg.Monitor.Interval,
			UnitTimeout:   cfg.Monitor.UnitTimeout,
			MaxConcurrent: cfg.Monitor.MaxConcurrent,
		}, logger)
	} else {
		logger.Info("unit monitor disabled")
	}

	handler := api.NewHandler(controller, engine, s, m.Handler(), logger)
	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      s,
		controller: controller,
		engine:     engine,
		monitor:    mon,
		logger:     logger,
	}, nil
}

// buildHandlers registers the command and webhook handlers named in config.
func buildHandlers(cfg HooksConfig, runner shellcmd.Runner) (*hooks.Handlers, error) {
	handlers := hooks.NewHandlers()
	for name, argv := range cfg.Commands {
		if err := handlers.Register(name, &hooks.ExecHandler{Runner: runner, Argv: argv}); err != nil {
			return nil, fmt.Errorf("hook handler %q: %w", name, err)
		}
	}
	for name, url := range cfg.Webhooks {
		if err := handlers.Register(name, &hooks.HTTPHandler{
			Client: &http.Client{Timeout: cfg.DefaultTimeout},
			URL:    url,
		}); err != nil {
			return nil, fmt.Errorf("hook handler %q: %w", name, err)
		}
	}
	return handlers, nil
}

func hookAllowList(cfg HooksConfig) *command.AllowList {
	executables := make([]string, 0, len(cfg.Commands))
	for _, argv := range cfg.Commands {
		if len(argv) > 0 {
			executables = append(executables, argv[0])
		}
	}
	return command.NewAllowList(executables...)
}

// environ exposes the process environment to workflow files as env.NAME.
func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if s.monitor != nil {
		s.monitor.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		s.Shutdown(context.Background())
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown stops accepting triggers, then waits for in-flight pipelines and
// workflow runs. Commands already executing are never killed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	if s.monitor != nil {
		s.monitor.Stop()
	}

	if err := s.engine.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("workflow runs still active at shutdown", "error", err)
	}

	if err := s.controller.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("pipelines still active at shutdown", "error", err)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
