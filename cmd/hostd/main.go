package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	corehooks "github.com/artpar/hostd/internal/core/hooks"
	coreworkflow "github.com/artpar/hostd/internal/core/workflow"
	shellcmd "github.com/artpar/hostd/internal/shell/command"
	"github.com/artpar/hostd/internal/shell/hooks"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("hostd", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("HOSTD_CONFIG"), "Path to config file (default $HOSTD_CONFIG)")
	check := fs.Bool("check", false, "Validate config, hook manifests and workflow files, then exit")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return ExitConfigError
	}

	if *showVersion {
		fmt.Printf("hostd %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}
	logger := SetupLogger(cfg)

	if *check {
		if err := checkConfig(cfg, logger); err != nil {
			logger.Error("check failed", "error", err)
			return ExitLoadError
		}
		return ExitSuccess
	}

	logger.Info("starting hostd",
		"version", Version,
		"config", *configPath,
		"data_dir", cfg.DataDir,
		"ports", fmt.Sprintf("%d-%d", cfg.Ports.Min, cfg.Ports.Max),
	)

	server, err := NewServer(cfg, logger)
	if err != nil {
		return exitCode(logger, "failed to create server", err)
	}
	if err := server.Start(context.Background()); err != nil {
		return exitCode(logger, "server error", err)
	}
	return ExitSuccess
}

// exitCode logs err and maps it to the process exit status.
func exitCode(logger *slog.Logger, msg string, err error) int {
	var sErr *ServerError
	if errors.As(err, &sErr) {
		logger.Error(msg, "error", sErr.Err, "operation", sErr.Op)
		return sErr.ExitCode
	}
	logger.Error(msg, "error", err)
	return ExitConfigError
}

// checkConfig loads what the server would load at startup, without opening
// the database or touching systemd and nginx. Every problem found is
// reported, not just the first.
func checkConfig(cfg *Config, logger *slog.Logger) error {
	var errs []error

	handlers, err := buildHandlers(cfg.Hooks, shellcmd.NewExecRunner(logger))
	if err != nil {
		return err
	}
	registry := corehooks.NewRegistry()
	hookCount, err := hooks.LoadManifests(cfg.Hooks.ManifestDir, registry, corehooks.Defaults{
		Timeout: cfg.Hooks.DefaultTimeout,
	}, logger)
	if err != nil {
		errs = append(errs, err)
	}
	for _, event := range registry.Events() {
		for _, def := range registry.Hooks(event) {
			if _, ok := handlers.Lookup(def.Handler); !ok {
				errs = append(errs, fmt.Errorf("hook %s on %s: %w %q", def.ID, event, hooks.ErrUnknownHandler, def.Handler))
			}
		}
	}

	files, err := filepath.Glob(filepath.Join(cfg.Workflows.DefinitionsDir, "*.hcl"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	env := environ()
	workflowCount := 0
	for _, path := range files {
		src, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defs, err := coreworkflow.ParseHCL(path, src, env)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, def := range defs {
			if _, err := coreworkflow.Compile(def); err != nil {
				errs = append(errs, fmt.Errorf("workflow %q in %s: %w", def.Name, path, err))
				continue
			}
			workflowCount++
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Info("configuration ok",
		"hooks", hookCount,
		"handlers", handlers.Names(),
		"workflows", workflowCount,
		"ports", fmt.Sprintf("%d-%d", cfg.Ports.Min, cfg.Ports.Max),
	)
	return nil
}
