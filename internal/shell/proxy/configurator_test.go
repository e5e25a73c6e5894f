package proxy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/artpar/hostd/internal/core/command"
	"github.com/artpar/hostd/internal/core/domain"
	shellcmd "github.com/artpar/hostd/internal/shell/command"
	"github.com/artpar/hostd/internal/shell/command/commandtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

var includePattern = regexp.MustCompile(`include (\S+);`)

// fakeNginxCheck fails the syntax test when any included file contains the
// word "bogus", mimicking nginx's unknown-directive error.
func fakeNginxCheck(_ context.Context, cmd command.Command) (shellcmd.Result, error) {
	wrapper, err := os.ReadFile(cmd.Argv[len(cmd.Argv)-1])
	if err != nil {
		return commandtest.Exit(cmd, 1, "nginx: [emerg] open() failed")
	}
	for _, m := range includePattern.FindAllStringSubmatch(string(wrapper), -1) {
		data, err := os.ReadFile(m[1])
		if err != nil {
			return commandtest.Exit(cmd, 1, "nginx: [emerg] open() \""+m[1]+"\" failed")
		}
		if strings.Contains(string(data), "bogus") {
			return commandtest.Exit(cmd, 1, "nginx: [emerg] unknown directive \"bogus\" in "+m[1])
		}
	}
	return shellcmd.Result{}, nil
}

func setupConfigurator(t *testing.T) (*Configurator, *commandtest.Runner) {
	t.Helper()
	root := t.TempDir()
	runner := commandtest.New().On("nginx -t", fakeNginxCheck)

	cfg := DefaultConfig()
	cfg.AvailableDir = filepath.Join(root, "sites-available")
	cfg.EnabledDir = filepath.Join(root, "sites-enabled")
	cfg.StagingDir = filepath.Join(root, "staging")
	cfg.HTTPIncludes = nil
	cfg.BaseDomain = "apps.example.com"

	c, err := NewConfigurator(runner, cfg, nil)
	require.NoError(t, err)
	return c, runner
}

// =============================================================================
// Render Tests
// =============================================================================

func TestConfigurator_Render(t *testing.T) {
	c, runner := setupConfigurator(t)

	text, err := c.Render("shop", 30001)
	require.NoError(t, err)
	assert.Contains(t, text, "server_name shop.apps.example.com;")
	assert.Contains(t, text, "proxy_pass http://127.0.0.1:30001;")
	assert.Contains(t, text, "listen 80;")
	assert.Empty(t, runner.Calls(), "render has no side effects")
}

func TestConfigurator_RenderInvalidPort(t *testing.T) {
	c, _ := setupConfigurator(t)

	_, err := c.Render("shop", 0)
	var perr *domain.ProxyConfigError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "render", perr.Phase)
}

// =============================================================================
// Validate Tests
// =============================================================================

func TestConfigurator_Validate(t *testing.T) {
	c, _ := setupConfigurator(t)
	ctx := context.Background()

	assert.NoError(t, c.Validate(ctx, "shop", "server { listen 80; }"))

	err := c.Validate(ctx, "shop", "server { bogus on; }")
	var perr *domain.ProxyConfigError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "validate", perr.Phase)
	assert.Contains(t, perr.Output, "unknown directive")

	entries, err := os.ReadDir(c.config.StagingDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staging files are cleaned up")
}

// =============================================================================
// Activate Tests
// =============================================================================

func TestConfigurator_ActivateSwapsSymlinkAndReloads(t *testing.T) {
	c, runner := setupConfigurator(t)
	ctx := context.Background()

	require.NoError(t, c.Configure(ctx, "shop", 30001))

	link, err := os.Readlink(filepath.Join(c.config.EnabledDir, "shop.conf"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.config.AvailableDir, "shop.conf"), link)

	live, ok, err := c.Active("shop")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, live, "127.0.0.1:30001")
	assert.Equal(t, 1, runner.Count("nginx -s reload"))
	assert.Equal(t, 1, runner.Count("nginx -t -q -c"))
}

func TestConfigurator_InvalidCandidateLeavesLiveConfig(t *testing.T) {
	c, runner := setupConfigurator(t)
	ctx := context.Background()

	require.NoError(t, c.Configure(ctx, "shop", 30001))
	before, _, err := c.Active("shop")
	require.NoError(t, err)

	err = c.Activate(ctx, "shop", "server { bogus on; }")
	var perr *domain.ProxyConfigError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "validate", perr.Phase)

	after, ok, err := c.Active("shop")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, runner.Count("nginx -s reload"), "no reload for a rejected candidate")
}

func TestConfigurator_ChecksWholeConfiguration(t *testing.T) {
	c, _ := setupConfigurator(t)
	ctx := context.Background()

	// A broken site that is already live makes every candidate fail the check.
	broken := filepath.Join(c.config.AvailableDir, "legacy.conf")
	require.NoError(t, os.WriteFile(broken, []byte("bogus;"), 0o644))
	require.NoError(t, os.Symlink(broken, filepath.Join(c.config.EnabledDir, "legacy.conf")))

	err := c.Configure(ctx, "shop", 30001)
	var perr *domain.ProxyConfigError
	require.True(t, errors.As(err, &perr))
	assert.Contains(t, perr.Output, "legacy.conf")

	_, ok, err := c.Active("shop")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConfigurator_ReloadFailureRestoresPrevious(t *testing.T) {
	c, runner := setupConfigurator(t)
	ctx := context.Background()

	require.NoError(t, c.Configure(ctx, "shop", 30001))
	before, _, err := c.Active("shop")
	require.NoError(t, err)

	runner.OnSequence("nginx -s reload",
		commandtest.Fail(1, "nginx: [alert] kill(1234, 1) failed"),
		commandtest.Output(""),
	)

	err = c.Configure(ctx, "shop", 30002)
	var perr *domain.ProxyConfigError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "reload", perr.Phase)

	after, ok, err := c.Active("shop")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestConfigurator_ReloadFailureOnNewSiteRemovesIt(t *testing.T) {
	c, runner := setupConfigurator(t)
	runner.OnExit("nginx -s reload", 1, "nginx is not running")

	err := c.Configure(context.Background(), "shop", 30001)
	require.Error(t, err)

	_, ok, err := c.Active("shop")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = os.Stat(filepath.Join(c.config.AvailableDir, "shop.conf"))
	assert.True(t, os.IsNotExist(err))
}

func TestConfigurator_RejectsBadSiteName(t *testing.T) {
	c, _ := setupConfigurator(t)

	err := c.Activate(context.Background(), "../etc", "server {}")
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))
}

// =============================================================================
// Deactivate Tests
// =============================================================================

func TestConfigurator_Deactivate(t *testing.T) {
	c, runner := setupConfigurator(t)
	ctx := context.Background()

	require.NoError(t, c.Configure(ctx, "shop", 30001))
	require.NoError(t, c.Deactivate(ctx, "shop"))
	require.NoError(t, c.Deactivate(ctx, "shop"))

	_, ok, err := c.Active("shop")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, runner.Count("nginx -s reload"))
}
