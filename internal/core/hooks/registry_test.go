package hooks

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/artpar/hostd/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hook(handler string, priority int) domain.HookDefinition {
	return domain.HookDefinition{
		Event:       domain.EventPreDeployment,
		Handler:     handler,
		Priority:    priority,
		Timeout:     time.Second,
		Enforcement: domain.EnforcementOptional,
	}
}

func handlers(defs []domain.HookDefinition) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Handler
	}
	return out
}

// =============================================================================
// Ordering Tests
// =============================================================================

func TestRegistry_SortsByPriority(t *testing.T) {
	r := NewRegistry()
	for _, h := range []domain.HookDefinition{hook("p30", 30), hook("p10", 10), hook("p20", 20)} {
		_, err := r.Register(h)
		require.NoError(t, err)
	}

	got := r.Hooks(domain.EventPreDeployment)

	assert.Equal(t, []string{"p10", "p20", "p30"}, handlers(got))
}

func TestRegistry_TiesKeepRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	for _, h := range []domain.HookDefinition{hook("first", 5), hook("early", 1), hook("second", 5), hook("third", 5)} {
		_, err := r.Register(h)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"early", "first", "second", "third"}, handlers(r.Hooks(domain.EventPreDeployment)))
}

func TestRegistry_EventsAreIndependent(t *testing.T) {
	r := NewRegistry()
	post := hook("post", 1)
	post.Event = domain.EventPostDeployment
	_, err := r.Register(post)
	require.NoError(t, err)
	_, err = r.Register(hook("pre", 1))
	require.NoError(t, err)

	assert.Equal(t, []string{"pre"}, handlers(r.Hooks(domain.EventPreDeployment)))
	assert.Equal(t, []string{"post"}, handlers(r.Hooks(domain.EventPostDeployment)))
	assert.Empty(t, r.Hooks(domain.EventServiceHealthCheck))
	assert.Equal(t, []domain.HookEvent{domain.EventPostDeployment, domain.EventPreDeployment}, r.Events())
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_HooksReturnsCopy(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(hook("a", 1))
	require.NoError(t, err)

	got := r.Hooks(domain.EventPreDeployment)
	got[0].Handler = "mutated"

	assert.Equal(t, "a", r.Hooks(domain.EventPreDeployment)[0].Handler)
}

// =============================================================================
// Registration Tests
// =============================================================================

func TestRegistry_AssignsIDs(t *testing.T) {
	r := NewRegistry()
	def, err := r.Register(hook("a", 1))
	require.NoError(t, err)
	assert.Equal(t, "local/pre_deployment/1", def.ID)

	h := hook("b", 1)
	h.Source = "audit@1.0"
	def, err = r.Register(h)
	require.NoError(t, err)
	assert.Equal(t, "audit@1.0/pre_deployment/2", def.ID)
}

func TestRegistry_RejectsDuplicateID(t *testing.T) {
	r := NewRegistry()
	h := hook("a", 1)
	h.ID = "same"
	_, err := r.Register(h)
	require.NoError(t, err)

	_, err = r.Register(h)
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	r := NewRegistry()
	h := hook("", 1)
	_, err := r.Register(h)
	assert.Error(t, err)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ConcurrentReaders(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 10; i++ {
		_, err := r.Register(hook("h", 10-i))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := r.Hooks(domain.EventPreDeployment)
			for j := 1; j < len(got); j++ {
				assert.LessOrEqual(t, got[j-1].Priority, got[j].Priority)
			}
		}()
	}
	wg.Wait()
}
