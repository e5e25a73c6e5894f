// Package hooks keeps the hook registry: for every event, the hook
// definitions in the order they must run.
package hooks

import (
	"fmt"
	"sort"
	"sync"

	"github.com/artpar/hostd/internal/core/domain"
)

// Registry maps events to hook definitions sorted by ascending priority.
// Hooks with equal priority keep their registration order.
//
// A Registry is built once at process start and handed to its consumers; it is
// safe for concurrent readers.
type Registry struct {
	mu     sync.RWMutex
	events map[domain.HookEvent][]domain.HookDefinition
	ids    map[string]struct{}
	seq    int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		events: make(map[domain.HookEvent][]domain.HookDefinition),
		ids:    make(map[string]struct{}),
	}
}

// Register validates and adds a hook definition. A definition without an ID
// gets one derived from its source, event and registration sequence.
func (r *Registry) Register(def domain.HookDefinition) (domain.HookDefinition, error) {
	if err := def.Validate(); err != nil {
		return def, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	if def.ID == "" {
		source := def.Source
		if source == "" {
			source = "local"
		}
		def.ID = fmt.Sprintf("%s/%s/%d", source, def.Event, r.seq)
	}
	if _, dup := r.ids[def.ID]; dup {
		return def, domain.NewValidationError("id", fmt.Sprintf("hook %q already registered", def.ID))
	}
	r.ids[def.ID] = struct{}{}

	hooks := append(r.events[def.Event], def)
	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].Priority < hooks[j].Priority
	})
	r.events[def.Event] = hooks
	return def, nil
}

// Hooks returns a copy of the event's hooks in execution order.
func (r *Registry) Hooks(event domain.HookEvent) []domain.HookDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hooks := r.events[event]
	out := make([]domain.HookDefinition, len(hooks))
	copy(out, hooks)
	return out
}

// Events returns every event with at least one hook, sorted by name.
func (r *Registry) Events() []domain.HookEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := make([]domain.HookEvent, 0, len(r.events))
	for e := range r.events {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })
	return events
}

// Len returns the number of registered hooks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}
