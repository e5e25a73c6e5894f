package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/artpar/hostd/internal/core/command"
	"github.com/artpar/hostd/internal/shell/command/commandtest"
	"github.com/artpar/hostd/internal/shell/hooks"
	"github.com/artpar/hostd/internal/shell/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Config Loading Tests
// =============================================================================

func TestLoadConfig_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "data/hostd.db", cfg.Database.DSN)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.Equal(t, 30000, cfg.Ports.Min)
	assert.Equal(t, 39999, cfg.Ports.Max)
	assert.Equal(t, 10*time.Minute, cfg.Pipeline.StageTimeout)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.CloneRetryDelay)
	assert.Equal(t, "data/workspaces", cfg.Pipeline.WorkspaceDir)
	assert.ElementsMatch(t, command.DefaultExecutables(), cfg.Pipeline.AllowedCommands)

	assert.Equal(t, "/etc/systemd/system", cfg.Supervisor.UnitDir)
	assert.Equal(t, 5, cfg.Supervisor.VerifyAttempts)
	assert.Equal(t, 2*time.Second, cfg.Supervisor.VerifyDelay)

	assert.Equal(t, "/etc/nginx/sites-available", cfg.Proxy.AvailableDir)
	assert.Equal(t, "data/nginx-staging", cfg.Proxy.StagingDir)
	assert.Equal(t, 80, cfg.Proxy.ListenPort)

	assert.Equal(t, "data/hooks", cfg.Hooks.ManifestDir)
	assert.Equal(t, 30*time.Second, cfg.Hooks.DefaultTimeout)
	assert.Equal(t, 2*time.Second, cfg.Hooks.RetryDelay)
	assert.Equal(t, "data/workflows", cfg.Workflows.DefinitionsDir)

	assert.True(t, cfg.Monitor.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 5, cfg.Monitor.MaxConcurrent)
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)

	configContent := `
server:
  host: "127.0.0.1"
  port: 9000
  shutdown_timeout: 15s

database:
  dsn: "/tmp/test.db"

log:
  level: "debug"
  format: "text"

ports:
  min: 31000
  max: 31099

pipeline:
  stage_timeout: 2m
  allowed_commands: [git, npm, node]

proxy:
  base_domain: apps.example.com

hooks:
  manifest_dir: /etc/hostd/hooks
  retry_delay: 1s
  commands:
    backup: ["/usr/local/bin/backup", "--quick"]
  webhooks:
    notify: https://hooks.example.com/deploy

workflows:
  definitions_dir: /etc/hostd/workflows

monitor:
  enabled: false
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(configContent), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "/tmp/test.db", cfg.Database.DSN)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 31000, cfg.Ports.Min)
	assert.Equal(t, 31099, cfg.Ports.Max)
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.StageTimeout)
	assert.Equal(t, []string{"git", "npm", "node"}, cfg.Pipeline.AllowedCommands)
	assert.Equal(t, "apps.example.com", cfg.Proxy.BaseDomain)
	assert.Equal(t, "/etc/hostd/hooks", cfg.Hooks.ManifestDir)
	assert.Equal(t, time.Second, cfg.Hooks.RetryDelay)
	assert.Equal(t, []string{"/usr/local/bin/backup", "--quick"}, cfg.Hooks.Commands["backup"])
	assert.Equal(t, "https://hooks.example.com/deploy", cfg.Hooks.Webhooks["notify"])
	assert.Equal(t, "/etc/hostd/workflows", cfg.Workflows.DefinitionsDir)
	assert.False(t, cfg.Monitor.Enabled)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)

	t.Setenv("HOSTD_SERVER_HOST", "192.168.1.1")
	t.Setenv("HOSTD_SERVER_PORT", "3000")
	t.Setenv("HOSTD_DATABASE_DSN", "/custom/path.db")
	t.Setenv("HOSTD_LOG_LEVEL", "warn")
	t.Setenv("HOSTD_PORTS_MIN", "40000")
	t.Setenv("HOSTD_PORTS_MAX", "40100")
	t.Setenv("HOSTD_MONITOR_INTERVAL", "1m")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.1", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "/custom/path.db", cfg.Database.DSN)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 40000, cfg.Ports.Min)
	assert.Equal(t, 40100, cfg.Ports.Max)
	assert.Equal(t, time.Minute, cfg.Monitor.Interval)
}

func TestLoadConfig_DataDirDerivesPaths(t *testing.T) {
	clearEnv(t)

	t.Setenv("HOSTD_DATA_DIR", "/var/lib/hostd")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/hostd/hostd.db", cfg.Database.DSN)
	assert.Equal(t, "/var/lib/hostd/workspaces", cfg.Pipeline.WorkspaceDir)
	assert.Equal(t, "/var/lib/hostd/nginx-staging", cfg.Proxy.StagingDir)
	assert.Equal(t, "/var/lib/hostd/hooks", cfg.Hooks.ManifestDir)
	assert.Equal(t, "/var/lib/hostd/workflows", cfg.Workflows.DefinitionsDir)
}

func TestLoadConfig_ExplicitDSNOverridesDataDir(t *testing.T) {
	clearEnv(t)

	t.Setenv("HOSTD_DATA_DIR", "/var/lib/hostd")
	t.Setenv("HOSTD_DATABASE_DSN", "/custom/path.db")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "/custom/path.db", cfg.Database.DSN)
	assert.Equal(t, "/var/lib/hostd/workspaces", cfg.Pipeline.WorkspaceDir)
}

func TestLoadConfig_FileNotFound_UsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	clearEnv(t)

	tmpFile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("invalid: yaml: content: [[["), 0644))

	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
}

// =============================================================================
// Config Validation Tests
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server: ServerConfig{Port: 8080},
			Ports:  PortsConfig{Min: 30000, Max: 39999},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "inverted range", mutate: func(c *Config) { c.Ports.Min, c.Ports.Max = 40000, 30000 }, wantErr: "invalid port range"},
		{name: "zero min", mutate: func(c *Config) { c.Ports.Min = 0 }, wantErr: "invalid port range"},
		{name: "max too large", mutate: func(c *Config) { c.Ports.Max = 70000 }, wantErr: "invalid port range"},
		{name: "server port in range", mutate: func(c *Config) { c.Server.Port = 30500 }, wantErr: "inside the deployment port range"},
		{
			name: "handler defined twice",
			mutate: func(c *Config) {
				c.Hooks.Commands = map[string][]string{"notify": {"true"}}
				c.Hooks.Webhooks = map[string]string{"notify": "http://localhost"}
			},
			wantErr: "both a command and a webhook",
		},
		{
			name:    "empty command",
			mutate:  func(c *Config) { c.Hooks.Commands = map[string][]string{"backup": nil} },
			wantErr: "has no argv",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Address(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
	}

	assert.Equal(t, "localhost:8080", cfg.Server.Address())
}

// =============================================================================
// Logger Setup Tests
// =============================================================================

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		level  string
		format string
	}{
		{"info", "json"},
		{"info", "text"},
		{"debug", "json"},
		{"warn", "json"},
		{"error", "json"},
		{"invalid", "json"},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			logger := SetupLogger(&Config{Log: LogConfig{Level: tt.level, Format: tt.format}})
			assert.NotNil(t, logger)
		})
	}
}

// =============================================================================
// Server Wiring Tests
// =============================================================================

func TestBuildHandlers(t *testing.T) {
	runner := commandtest.New()
	handlers, err := buildHandlers(HooksConfig{
		DefaultTimeout: time.Second,
		Commands:       map[string][]string{"backup": {"/usr/local/bin/backup"}},
		Webhooks:       map[string]string{"notify": "http://localhost:9/hook"},
	}, runner)
	require.NoError(t, err)

	assert.Equal(t, []string{"backup", "notify"}, handlers.Names())

	h, ok := handlers.Lookup("backup")
	require.True(t, ok)
	assert.IsType(t, &hooks.ExecHandler{}, h)

	h, ok = handlers.Lookup("notify")
	require.True(t, ok)
	assert.IsType(t, &hooks.HTTPHandler{}, h)
}

func TestHookAllowList(t *testing.T) {
	allow := hookAllowList(HooksConfig{
		Commands: map[string][]string{
			"backup": {"/usr/local/bin/backup", "--quick"},
			"empty":  nil,
		},
	})
	assert.True(t, allow.Allows("/usr/local/bin/backup"))
	assert.False(t, allow.Allows("git"))
}

func TestNewServer_Wiring(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("HOSTD_DATA_DIR", dir)

	hookDir := filepath.Join(dir, "hooks")
	require.NoError(t, os.MkdirAll(hookDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(hookDir, "ops.yaml"), []byte(`
name: ops
version: "1"
hooks:
  pre_deployment:
    - handler: backup
`), 0644))

	wfDir := filepath.Join(dir, "workflows")
	require.NoError(t, os.MkdirAll(wfDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(wfDir, "pause.hcl"), []byte(`
workflow "pause" {
  node "sleep" {
    type    = "wait"
    outputs = ["done"]
    config {
      duration = "1ms"
    }
  }
}
`), 0644))

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.Proxy.AvailableDir = filepath.Join(dir, "sites-available")
	cfg.Proxy.EnabledDir = filepath.Join(dir, "sites-enabled")
	cfg.Supervisor.UnitDir = filepath.Join(dir, "units")
	cfg.Hooks.Commands = map[string][]string{"backup": {"true"}}
	cfg.Monitor.Enabled = false

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)

	srv, err := newServer(cfg, s, SetupLogger(cfg))
	require.NoError(t, err)
	defer srv.store.Close()

	assert.Nil(t, srv.monitor)
	assert.Equal(t, cfg.Server.Address(), srv.httpServer.Addr)

	defs, err := s.ListWorkflowDefinitions(context.Background(), store.DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "pause", defs[0].Name)
}

func TestNewServer_BadManifest(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("HOSTD_DATA_DIR", dir)

	hookDir := filepath.Join(dir, "hooks")
	require.NoError(t, os.MkdirAll(hookDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(hookDir, "bad.yaml"), []byte("hooks: [[["), 0644))

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.Proxy.AvailableDir = filepath.Join(dir, "sites-available")
	cfg.Proxy.EnabledDir = filepath.Join(dir, "sites-enabled")

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = newServer(cfg, s, SetupLogger(cfg))
	require.Error(t, err)

	var sErr *ServerError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, ExitLoadError, sErr.ExitCode)
}

// =============================================================================
// Test Helpers
// =============================================================================

// =============================================================================
// Check Mode Tests
// =============================================================================

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

const cyclicWorkflow = `
workflow "loop" {
  node "a" {
    type    = "wait"
    inputs  = ["value"]
    outputs = ["done"]
  }
  node "b" {
    type    = "wait"
    inputs  = ["value"]
    outputs = ["done"]
  }
  connection {
    from = "a.done"
    to   = "b.value"
  }
  connection {
    from = "b.done"
    to   = "a.value"
  }
}
`

func TestCheckConfig(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("HOSTD_DATA_DIR", dir)
	writeFile(t, filepath.Join(dir, "hooks", "ops.yaml"), `
name: ops
version: "1"
hooks:
  pre_deployment:
    - handler: backup
`)
	writeFile(t, filepath.Join(dir, "workflows", "pause.hcl"), `
workflow "pause" {
  node "sleep" {
    type    = "wait"
    outputs = ["done"]
  }
}
`)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.Hooks.Commands = map[string][]string{"backup": {"true"}}

	require.NoError(t, checkConfig(cfg, SetupLogger(cfg)))

	_, err = os.Stat(filepath.Join(dir, "hostd.db"))
	assert.True(t, os.IsNotExist(err), "check does not open the database")
}

func TestCheckConfig_ReportsEveryProblem(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("HOSTD_DATA_DIR", dir)
	writeFile(t, filepath.Join(dir, "hooks", "ops.yaml"), `
name: ops
version: "1"
hooks:
  pre_deployment:
    - handler: backup
`)
	writeFile(t, filepath.Join(dir, "workflows", "broken.hcl"), `workflow "broken" {`)
	writeFile(t, filepath.Join(dir, "workflows", "loop.hcl"), cyclicWorkflow)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	err = checkConfig(cfg, SetupLogger(cfg))
	require.Error(t, err)
	assert.ErrorIs(t, err, hooks.ErrUnknownHandler)
	assert.Contains(t, err.Error(), "broken.hcl")
	assert.Contains(t, err.Error(), "loop")
}

func TestRun_Flags(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("HOSTD_DATA_DIR", dir)
	t.Setenv("HOSTD_CONFIG", "")

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"version", []string{"-version"}, ExitSuccess},
		{"unknown flag", []string{"-nope"}, ExitConfigError},
		{"check passes", []string{"-check"}, ExitSuccess},
		{"bad config file", []string{"-check", "-config", filepath.Join(dir, "bad.yaml")}, ExitConfigError},
	}
	writeFile(t, filepath.Join(dir, "bad.yaml"), "server: [")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, run(tt.args))
		})
	}

	writeFile(t, filepath.Join(dir, "workflows", "loop.hcl"), cyclicWorkflow)
	assert.Equal(t, ExitLoadError, run([]string{"-check"}))
}

func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"HOSTD_SERVER_HOST",
		"HOSTD_SERVER_PORT",
		"HOSTD_DATABASE_DSN",
		"HOSTD_DATA_DIR",
		"HOSTD_LOG_LEVEL",
		"HOSTD_LOG_FORMAT",
		"HOSTD_PORTS_MIN",
		"HOSTD_PORTS_MAX",
		"HOSTD_MONITOR_INTERVAL",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}
