// Package builder fetches deployment sources and runs their install and build
// commands inside a per-deployment workspace.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/artpar/hostd/internal/core/command"
	"github.com/artpar/hostd/internal/core/domain"
	shellcmd "github.com/artpar/hostd/internal/shell/command"
	"github.com/joho/godotenv"
)

// Builder prepares the working tree of a deployment.
type Builder struct {
	runner       shellcmd.Runner
	allow        *command.AllowList
	workspaceDir string
	logger       *slog.Logger
}

// New creates a builder rooted at workspaceDir.
func New(runner shellcmd.Runner, allow *command.AllowList, workspaceDir string, logger *slog.Logger) (*Builder, error) {
	if !filepath.IsAbs(workspaceDir) {
		return nil, fmt.Errorf("workspace dir %q must be absolute", workspaceDir)
	}
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		runner:       runner,
		allow:        allow,
		workspaceDir: workspaceDir,
		logger:       logger.With("component", "builder"),
	}, nil
}

// Workdir returns the checkout directory of a deployment.
func (b *Builder) Workdir(d *domain.Deployment) string {
	return filepath.Join(b.workspaceDir, d.Name)
}

// EnvFilePath returns where the deployment's environment file is written. It
// lives beside the checkout so a fresh clone does not remove it.
func (b *Builder) EnvFilePath(d *domain.Deployment) string {
	return filepath.Join(b.workspaceDir, d.Name+".env")
}

// Fetch clones the deployment's source into a clean workdir. A leftover
// checkout from an earlier attempt is removed first so retries start fresh.
func (b *Builder) Fetch(ctx context.Context, d *domain.Deployment) error {
	if err := domain.ValidateSourceURL(d.Source.URL); err != nil {
		return err
	}
	dir := b.Workdir(d)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear workdir: %w", err)
	}

	argv := command.Clone(d.Source, dir)
	if err := b.allow.Validate(argv); err != nil {
		return err
	}
	_, err := b.runner.Run(ctx, command.Command{Argv: argv, Dir: b.workspaceDir})
	if err != nil {
		return err
	}
	b.logger.Info("source fetched", "deployment_id", d.ID, "url", d.Source.URL, "branch", d.Source.Branch)
	return nil
}

// Run executes argvs in order inside the workdir, stopping at the first
// failure. Every argument vector is checked against the allow-list before
// anything runs.
func (b *Builder) Run(ctx context.Context, d *domain.Deployment, argvs [][]string) error {
	for _, argv := range argvs {
		if err := b.allow.Validate(argv); err != nil {
			return err
		}
	}
	env, err := b.Environment(d)
	if err != nil {
		return err
	}
	for _, argv := range argvs {
		cmd := command.Command{Argv: argv, Dir: b.Workdir(d), Env: envList(env)}
		res, err := b.runner.Run(ctx, cmd)
		if err != nil {
			return err
		}
		b.logger.Info("command succeeded",
			"deployment_id", d.ID,
			"command", cmd.String(),
			"duration", res.Duration,
		)
	}
	return nil
}

// Environment merges the repository's .env file, the trigger's variables and
// PORT. Trigger variables override the repository file; PORT always wins.
func (b *Builder) Environment(d *domain.Deployment) (map[string]string, error) {
	env := map[string]string{}

	dotenv := filepath.Join(b.Workdir(d), ".env")
	if _, err := os.Stat(dotenv); err == nil {
		repoEnv, err := godotenv.Read(dotenv)
		if err != nil {
			return nil, domain.NewValidationError("env", fmt.Sprintf("unreadable .env in repository: %v", err))
		}
		maps.Copy(env, repoEnv)
	}
	maps.Copy(env, d.Env)
	if d.Port != 0 {
		env["PORT"] = strconv.Itoa(d.Port)
	}
	return env, nil
}

// WriteEnvFile writes the merged environment for the service unit and
// returns its path.
func (b *Builder) WriteEnvFile(d *domain.Deployment) (string, error) {
	env, err := b.Environment(d)
	if err != nil {
		return "", err
	}
	path := b.EnvFilePath(d)
	if err := godotenv.Write(env, path); err != nil {
		return "", fmt.Errorf("write env file: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return "", fmt.Errorf("chmod env file: %w", err)
	}
	return path, nil
}

// Remove deletes the workdir and environment file of a deployment.
func (b *Builder) Remove(d *domain.Deployment) error {
	if err := os.RemoveAll(b.Workdir(d)); err != nil {
		return err
	}
	if err := os.Remove(b.EnvFilePath(d)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func envList(env map[string]string) []string {
	keys := slices.Sorted(maps.Keys(env))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
