// Package proxy manages the nginx virtual hosts that route public traffic to
// deployments.
//
// Sites follow the available/enabled convention: the definition lives in
// AvailableDir and a symlink in EnabledDir makes it live. A new definition is
// first written to StagingDir and checked together with every other enabled
// site; only a passing candidate is swapped in and nginx reloaded. A failed
// reload restores the previous definition.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/artpar/hostd/internal/core/command"
	"github.com/artpar/hostd/internal/core/domain"
	"github.com/artpar/hostd/internal/core/proxy"
	shellcmd "github.com/artpar/hostd/internal/shell/command"
)

// Config holds configurator settings.
type Config struct {
	Nginx          string        // nginx executable
	AvailableDir   string        // e.g., /etc/nginx/sites-available
	EnabledDir     string        // e.g., /etc/nginx/sites-enabled
	StagingDir     string        // candidate configs and check wrappers
	HTTPIncludes   []string      // included in the http block of the check wrapper, e.g. mime.types
	Template       string        // virtual host template; DefaultVirtualHostTemplate when empty
	BaseDomain     string        // e.g., apps.example.com
	ListenPort     int           // public port; 80 when zero
	CommandTimeout time.Duration // bound on each nginx invocation
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Nginx:          "nginx",
		AvailableDir:   "/etc/nginx/sites-available",
		EnabledDir:     "/etc/nginx/sites-enabled",
		StagingDir:     "/var/lib/hostd/nginx-staging",
		HTTPIncludes:   []string{"/etc/nginx/mime.types"},
		Template:       proxy.DefaultVirtualHostTemplate,
		ListenPort:     80,
		CommandTimeout: 30 * time.Second,
	}
}

var siteNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// Configurator renders, validates and activates virtual hosts. Activations are
// serialized so each candidate is checked against a stable set of live sites.
type Configurator struct {
	runner shellcmd.Runner
	config Config
	logger *slog.Logger
	mu     sync.Mutex
}

// NewConfigurator creates a configurator and ensures its directories exist.
func NewConfigurator(runner shellcmd.Runner, cfg Config, logger *slog.Logger) (*Configurator, error) {
	if cfg.Nginx == "" {
		cfg.Nginx = "nginx"
	}
	if cfg.Template == "" {
		cfg.Template = proxy.DefaultVirtualHostTemplate
	}
	if cfg.ListenPort == 0 {
		cfg.ListenPort = 80
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	for _, dir := range []string{cfg.AvailableDir, cfg.EnabledDir, cfg.StagingDir} {
		if dir == "" {
			return nil, fmt.Errorf("proxy directories must be configured")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Configurator{
		runner: runner,
		config: cfg,
		logger: logger.With("component", "proxy"),
	}, nil
}

// Render produces the virtual host of a site. It has no side effects.
func (c *Configurator) Render(site string, port int) (string, error) {
	text, err := proxy.Render(c.config.Template, proxy.VirtualHostParams{
		Name:       site,
		ServerName: proxy.ServerName(site, c.config.BaseDomain),
		Port:       port,
		ListenPort: c.config.ListenPort,
	})
	if err != nil {
		return "", &domain.ProxyConfigError{Site: site, Phase: "render", Err: err}
	}
	return text, nil
}

// ServerName returns the public hostname of a site.
func (c *Configurator) ServerName(site string) string {
	return proxy.ServerName(site, c.config.BaseDomain)
}

// Configure renders and activates the virtual host of a deployment.
func (c *Configurator) Configure(ctx context.Context, site string, port int) error {
	text, err := c.Render(site, port)
	if err != nil {
		return err
	}
	return c.Activate(ctx, site, text)
}

// Validate checks config on its own with nginx's syntax test.
func (c *Configurator) Validate(ctx context.Context, site, config string) error {
	if err := validSite(site); err != nil {
		return err
	}
	candidate, err := c.stage(site, config)
	if err != nil {
		return &domain.ProxyConfigError{Site: site, Phase: "validate", Err: err}
	}
	defer os.Remove(candidate)
	return c.check(ctx, site, []string{candidate})
}

// Activate makes config the live definition of site. The candidate is checked
// together with every other enabled site before anything live changes; on
// any failure the previously active definition stays in place.
func (c *Configurator) Activate(ctx context.Context, site, config string) error {
	if err := validSite(site); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	candidate, err := c.stage(site, config)
	if err != nil {
		return &domain.ProxyConfigError{Site: site, Phase: "validate", Err: err}
	}
	defer os.Remove(candidate)

	others, err := c.enabledExcept(site)
	if err != nil {
		return &domain.ProxyConfigError{Site: site, Phase: "validate", Err: err}
	}
	if err := c.check(ctx, site, append(others, candidate)); err != nil {
		c.logger.Warn("proxy config rejected", "site", site, "error", err)
		return err
	}

	available := c.availablePath(site)
	previous, readErr := os.ReadFile(available)
	hadPrevious := readErr == nil
	wasEnabled := c.isEnabled(site)

	if err := writeFileAtomic(available, []byte(config)); err != nil {
		return &domain.ProxyConfigError{Site: site, Phase: "activate", Err: err}
	}
	if err := c.link(site); err != nil {
		c.restore(site, previous, hadPrevious, wasEnabled)
		return &domain.ProxyConfigError{Site: site, Phase: "activate", Err: err}
	}

	if res, err := c.nginx(ctx, "-s", "reload"); err != nil {
		c.restore(site, previous, hadPrevious, wasEnabled)
		if _, rerr := c.nginx(context.WithoutCancel(ctx), "-s", "reload"); rerr != nil {
			c.logger.Error("reload after rollback failed", "site", site, "error", rerr)
		}
		return &domain.ProxyConfigError{Site: site, Phase: "reload", Output: res.Output, Err: err}
	}

	c.logger.Info("proxy config activated", "site", site, "path", available)
	return nil
}

// Deactivate takes site offline and removes its definition. Deactivating an
// unknown site is a no-op.
func (c *Configurator) Deactivate(ctx context.Context, site string) error {
	if err := validSite(site); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err := os.Remove(c.enabledPath(site))
	if err != nil && !os.IsNotExist(err) {
		return &domain.ProxyConfigError{Site: site, Phase: "deactivate", Err: err}
	}
	if err == nil {
		if res, err := c.nginx(ctx, "-s", "reload"); err != nil {
			return &domain.ProxyConfigError{Site: site, Phase: "reload", Output: res.Output, Err: err}
		}
	}
	if err := os.Remove(c.availablePath(site)); err != nil && !os.IsNotExist(err) {
		return &domain.ProxyConfigError{Site: site, Phase: "deactivate", Err: err}
	}
	c.logger.Info("proxy config deactivated", "site", site)
	return nil
}

// Active returns the live definition of site.
func (c *Configurator) Active(site string) (string, bool, error) {
	data, err := os.ReadFile(c.enabledPath(site))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(data), true, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (c *Configurator) availablePath(site string) string {
	return filepath.Join(c.config.AvailableDir, site+".conf")
}

func (c *Configurator) enabledPath(site string) string {
	return filepath.Join(c.config.EnabledDir, site+".conf")
}

func (c *Configurator) isEnabled(site string) bool {
	_, err := os.Lstat(c.enabledPath(site))
	return err == nil
}

func (c *Configurator) stage(site, config string) (string, error) {
	f, err := os.CreateTemp(c.config.StagingDir, site+"-*.conf")
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(config); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// enabledExcept lists the live site files other than site, sorted.
func (c *Configurator) enabledExcept(site string) ([]string, error) {
	entries, err := os.ReadDir(c.config.EnabledDir)
	if err != nil {
		return nil, err
	}
	skip := site + ".conf"
	var files []string
	for _, e := range entries {
		if e.Name() == skip || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		files = append(files, filepath.Join(c.config.EnabledDir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// check runs nginx's syntax test on a wrapper that includes files inside an
// http block, the way the main nginx.conf includes sites.
func (c *Configurator) check(ctx context.Context, site string, files []string) error {
	var b strings.Builder
	b.WriteString("events {}\nhttp {\n")
	for _, inc := range c.config.HTTPIncludes {
		fmt.Fprintf(&b, "    include %s;\n", inc)
	}
	for _, f := range files {
		fmt.Fprintf(&b, "    include %s;\n", f)
	}
	b.WriteString("}\n")

	wrapper, err := os.CreateTemp(c.config.StagingDir, ".check-*.conf")
	if err != nil {
		return &domain.ProxyConfigError{Site: site, Phase: "validate", Err: err}
	}
	defer os.Remove(wrapper.Name())
	if _, err := wrapper.WriteString(b.String()); err != nil {
		wrapper.Close()
		return &domain.ProxyConfigError{Site: site, Phase: "validate", Err: err}
	}
	if err := wrapper.Close(); err != nil {
		return &domain.ProxyConfigError{Site: site, Phase: "validate", Err: err}
	}

	res, err := c.nginx(ctx, "-t", "-q", "-c", wrapper.Name())
	if err != nil {
		return &domain.ProxyConfigError{Site: site, Phase: "validate", Output: res.Output, Err: err}
	}
	return nil
}

// link points the enabled symlink at the available file by renaming a fresh
// symlink over it.
func (c *Configurator) link(site string) error {
	target := c.availablePath(site)
	tmp := filepath.Join(c.config.EnabledDir, fmt.Sprintf(".%s.conf.%d", site, time.Now().UnixNano()))
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, c.enabledPath(site)); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (c *Configurator) restore(site string, previous []byte, hadPrevious, wasEnabled bool) {
	var errs []error
	if hadPrevious {
		errs = append(errs, writeFileAtomic(c.availablePath(site), previous))
	} else if err := os.Remove(c.availablePath(site)); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if !wasEnabled {
		if err := os.Remove(c.enabledPath(site)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.Error("failed to restore previous proxy config", "site", site, "error", err)
	}
}

func (c *Configurator) nginx(ctx context.Context, args ...string) (shellcmd.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
	defer cancel()
	return c.runner.Run(ctx, command.Command{Argv: append([]string{c.config.Nginx}, args...)})
}

func validSite(site string) error {
	if !siteNamePattern.MatchString(site) {
		return domain.NewValidationError("site", fmt.Sprintf("invalid site name %q", site))
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
