package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/artpar/hostd/internal/core/command"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	DataDir    string           `mapstructure:"data_dir"`
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	Ports      PortsConfig      `mapstructure:"ports"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Hooks      HooksConfig      `mapstructure:"hooks"`
	Workflows  WorkflowsConfig  `mapstructure:"workflows"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PortsConfig is the inclusive range deployment ports are allocated from.
type PortsConfig struct {
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
}

// PipelineConfig holds deployment pipeline configuration.
type PipelineConfig struct {
	WorkspaceDir    string        `mapstructure:"workspace_dir"`
	StageTimeout    time.Duration `mapstructure:"stage_timeout"`
	CloneRetryDelay time.Duration `mapstructure:"clone_retry_delay"`
	ServiceUser     string        `mapstructure:"service_user"`

	// AllowedCommands are the executables deployments and workflows may run.
	AllowedCommands []string `mapstructure:"allowed_commands"`
}

// SupervisorConfig holds systemd configuration.
type SupervisorConfig struct {
	UnitDir         string        `mapstructure:"unit_dir"`
	Systemctl       string        `mapstructure:"systemctl"`
	Journalctl      string        `mapstructure:"journalctl"`
	VerifyAttempts  int           `mapstructure:"verify_attempts"`
	VerifyDelay     time.Duration `mapstructure:"verify_delay"`
	CommandTimeout  time.Duration `mapstructure:"command_timeout"`
	DiagnosticLines int           `mapstructure:"diagnostic_lines"`
}

// ProxyConfig holds nginx configuration.
type ProxyConfig struct {
	Nginx        string   `mapstructure:"nginx"`
	AvailableDir string   `mapstructure:"available_dir"`
	EnabledDir   string   `mapstructure:"enabled_dir"`
	StagingDir   string   `mapstructure:"staging_dir"`
	HTTPIncludes []string `mapstructure:"http_includes"`
	BaseDomain   string   `mapstructure:"base_domain"`
	ListenPort   int      `mapstructure:"listen_port"`

	// TemplateFile replaces the built-in virtual host template when set.
	TemplateFile string `mapstructure:"template_file"`
}

// HooksConfig holds hook configuration.
type HooksConfig struct {
	ManifestDir    string        `mapstructure:"manifest_dir"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`

	// Commands maps handler names to the argv they run.
	Commands map[string][]string `mapstructure:"commands"`

	// Webhooks maps handler names to the URL the hook context is posted to.
	Webhooks map[string]string `mapstructure:"webhooks"`
}

// WorkflowsConfig holds workflow configuration.
type WorkflowsConfig struct {
	DefinitionsDir string `mapstructure:"definitions_dir"`
}

// MonitorConfig holds unit health monitor configuration.
type MonitorConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	UnitTimeout   time.Duration `mapstructure:"unit_timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", "./data")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "60s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("ports.min", 30000)
	v.SetDefault("ports.max", 39999)

	v.SetDefault("pipeline.stage_timeout", "10m")
	v.SetDefault("pipeline.clone_retry_delay", "5s")
	v.SetDefault("pipeline.service_user", "")
	v.SetDefault("pipeline.allowed_commands", command.DefaultExecutables())

	v.SetDefault("supervisor.unit_dir", "/etc/systemd/system")
	v.SetDefault("supervisor.systemctl", "systemctl")
	v.SetDefault("supervisor.journalctl", "journalctl")
	v.SetDefault("supervisor.verify_attempts", 5)
	v.SetDefault("supervisor.verify_delay", "2s")
	v.SetDefault("supervisor.command_timeout", "30s")
	v.SetDefault("supervisor.diagnostic_lines", 20)

	v.SetDefault("proxy.nginx", "nginx")
	v.SetDefault("proxy.available_dir", "/etc/nginx/sites-available")
	v.SetDefault("proxy.enabled_dir", "/etc/nginx/sites-enabled")
	v.SetDefault("proxy.http_includes", []string{"/etc/nginx/mime.types"})
	v.SetDefault("proxy.base_domain", "apps.localhost")
	v.SetDefault("proxy.listen_port", 80)
	v.SetDefault("proxy.template_file", "")

	v.SetDefault("hooks.default_timeout", "30s")
	v.SetDefault("hooks.retry_delay", "2s")

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.interval", "30s")
	v.SetDefault("monitor.unit_timeout", "10s")
	v.SetDefault("monitor.max_concurrent", 5)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// A missing file falls back to defaults; a malformed one does not.
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("HOSTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Paths under the data directory follow HOSTD_DATA_DIR unless set explicitly.
	dataDir := v.GetString("data_dir")
	v.SetDefault("database.dsn", filepath.Join(dataDir, "hostd.db"))
	v.SetDefault("pipeline.workspace_dir", filepath.Join(dataDir, "workspaces"))
	v.SetDefault("proxy.staging_dir", filepath.Join(dataDir, "nginx-staging"))
	v.SetDefault("hooks.manifest_dir", filepath.Join(dataDir, "hooks"))
	v.SetDefault("workflows.definitions_dir", filepath.Join(dataDir, "workflows"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the components cannot start with.
func (c *Config) Validate() error {
	if c.Ports.Min < 1 || c.Ports.Max > 65535 || c.Ports.Min > c.Ports.Max {
		return fmt.Errorf("invalid port range %d-%d", c.Ports.Min, c.Ports.Max)
	}
	if c.Server.Port >= c.Ports.Min && c.Server.Port <= c.Ports.Max {
		return fmt.Errorf("server.port %d is inside the deployment port range", c.Server.Port)
	}
	for name := range c.Hooks.Commands {
		if _, dup := c.Hooks.Webhooks[name]; dup {
			return fmt.Errorf("hook handler %q is both a command and a webhook", name)
		}
	}
	for name, argv := range c.Hooks.Commands {
		if len(argv) == 0 {
			return fmt.Errorf("hook command %q has no argv", name)
		}
	}
	return nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
