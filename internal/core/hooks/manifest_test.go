package hooks

import (
	"errors"
	"testing"
	"time"

	"github.com/artpar/hostd/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const auditManifest = `
name: audit
version: 1.2.0
hooks:
  pre_deployment:
    - handler: snapshot-db
      priority: 10
      timeout: 30s
      retries: 2
      enforcement: required
    - handler: announce
      priority: 20
  post_deployment:
    - handler: announce
      timeout: 5
`

func TestParseManifest(t *testing.T) {
	m, defs, err := ParseManifest([]byte(auditManifest), Defaults{Timeout: time.Minute})
	require.NoError(t, err)

	assert.Equal(t, "audit", m.Name)
	require.Len(t, defs, 3)

	// post_deployment sorts before pre_deployment.
	assert.Equal(t, domain.HookDefinition{
		ID:          "audit/post_deployment/0",
		Source:      "audit@1.2.0",
		Event:       domain.EventPostDeployment,
		Handler:     "announce",
		Timeout:     5 * time.Second,
		Enforcement: domain.EnforcementOptional,
	}, defs[0])

	assert.Equal(t, domain.HookDefinition{
		ID:          "audit/pre_deployment/0",
		Source:      "audit@1.2.0",
		Event:       domain.EventPreDeployment,
		Handler:     "snapshot-db",
		Priority:    10,
		Timeout:     30 * time.Second,
		MaxRetries:  2,
		Enforcement: domain.EnforcementRequired,
	}, defs[1])

	assert.Equal(t, time.Minute, defs[2].Timeout)
}

func TestParseManifest_JSON(t *testing.T) {
	data := `{"name": "ci", "hooks": {"pre_deployment": [{"handler": "lint", "priority": 1}]}}`

	_, defs, err := ParseManifest([]byte(data), Defaults{Enforcement: domain.EnforcementRequired})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "ci", defs[0].Source)
	assert.Equal(t, domain.EnforcementRequired, defs[0].Enforcement)
}

func TestParseManifest_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not yaml", "name: [unterminated"},
		{"missing name", "hooks: {}"},
		{"bad timeout", "name: x\nhooks:\n  pre_deployment:\n    - handler: a\n      timeout: soon\n"},
		{"missing handler", "name: x\nhooks:\n  pre_deployment:\n    - priority: 1\n"},
		{"bad enforcement", "name: x\nhooks:\n  pre_deployment:\n    - handler: a\n      enforcement: maybe\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseManifest([]byte(tt.data), Defaults{})
			assert.Error(t, err)
		})
	}
}

func TestParseManifest_RegistersInOrder(t *testing.T) {
	_, defs, err := ParseManifest([]byte(auditManifest), Defaults{Timeout: time.Second})
	require.NoError(t, err)

	r := NewRegistry()
	for _, d := range defs {
		_, err := r.Register(d)
		require.NoError(t, err)
	}

	pre := r.Hooks(domain.EventPreDeployment)
	assert.Equal(t, []string{"snapshot-db", "announce"}, handlers(pre))

	_, err = r.Register(defs[0])
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr), "re-registering a manifest hook is a duplicate")
}
