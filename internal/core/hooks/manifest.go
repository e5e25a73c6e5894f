package hooks

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/hostd/internal/core/domain"
	"gopkg.in/yaml.v3"
)

// Manifest is an extension's hook declaration file:
//
//	name: audit
//	version: 1.2.0
//	hooks:
//	  pre_deployment:
//	    - handler: snapshot-db
//	      priority: 10
//	      timeout: 30s
//	      retries: 2
//	      enforcement: required
type Manifest struct {
	Name    string                    `yaml:"name"`
	Version string                    `yaml:"version"`
	Hooks   map[string][]ManifestHook `yaml:"hooks"`
}

// ManifestHook is one hook entry of a manifest.
type ManifestHook struct {
	Handler     string `yaml:"handler"`
	Priority    int    `yaml:"priority"`
	Timeout     string `yaml:"timeout"`
	Retries     int    `yaml:"retries"`
	Enforcement string `yaml:"enforcement"`
}

// Defaults fill manifest fields left empty.
type Defaults struct {
	Timeout     time.Duration
	Enforcement domain.Enforcement
}

// ParseManifest decodes a YAML (or JSON) manifest into hook definitions.
// Events are emitted in name order and hooks in file order, so registering
// the result is deterministic.
func ParseManifest(data []byte, defaults Defaults) (*Manifest, []domain.HookDefinition, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Name == "" {
		return nil, nil, domain.NewValidationError("name", "manifest name is required")
	}
	if defaults.Enforcement == "" {
		defaults.Enforcement = domain.EnforcementOptional
	}

	source := m.Name
	if m.Version != "" {
		source += "@" + m.Version
	}

	events := make([]string, 0, len(m.Hooks))
	for event := range m.Hooks {
		events = append(events, event)
	}
	sort.Strings(events)

	var defs []domain.HookDefinition
	for _, event := range events {
		for i, h := range m.Hooks[event] {
			timeout, err := parseTimeout(h.Timeout, defaults.Timeout)
			if err != nil {
				return nil, nil, domain.NewValidationError("timeout", fmt.Sprintf("%s hook %d: %v", event, i, err))
			}
			enforcement := domain.Enforcement(strings.ToLower(h.Enforcement))
			if enforcement == "" {
				enforcement = defaults.Enforcement
			}
			def := domain.HookDefinition{
				ID:          fmt.Sprintf("%s/%s/%d", m.Name, event, i),
				Source:      source,
				Event:       domain.HookEvent(event),
				Handler:     h.Handler,
				Priority:    h.Priority,
				Timeout:     timeout,
				MaxRetries:  h.Retries,
				Enforcement: enforcement,
			}
			if err := def.Validate(); err != nil {
				return nil, nil, err
			}
			defs = append(defs, def)
		}
	}
	return &m, defs, nil
}

// parseTimeout accepts Go durations ("30s") and bare seconds ("30").
func parseTimeout(s string, fallback time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}
