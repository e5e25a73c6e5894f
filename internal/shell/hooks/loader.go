package hooks

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/artpar/hostd/internal/core/hooks"
)

// LoadManifests registers the hooks of every *.yaml, *.yml and *.json
// manifest in dir, in file name order. A missing dir loads nothing.
func LoadManifests(dir string, registry *hooks.Registry, defaults hooks.Defaults, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read manifest dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	count := 0
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return count, fmt.Errorf("read manifest %s: %w", path, err)
		}
		m, defs, err := hooks.ParseManifest(data, defaults)
		if err != nil {
			return count, fmt.Errorf("manifest %s: %w", path, err)
		}
		for _, def := range defs {
			if _, err := registry.Register(def); err != nil {
				return count, fmt.Errorf("manifest %s: %w", path, err)
			}
			count++
		}
		logger.Info("hook manifest loaded", "manifest", m.Name, "version", m.Version, "hooks", len(defs), "path", path)
	}
	return count, nil
}
