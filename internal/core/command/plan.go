package command

import (
	"fmt"

	"github.com/artpar/hostd/internal/core/domain"
)

// Plan is the ordered set of commands a deployment type needs.
type Plan struct {
	Install [][]string
	Build   [][]string
	Start   []string
}

// HasBuild reports whether the Building stage has anything to run.
func (p Plan) HasBuild() bool {
	return len(p.Build) > 0
}

// PlanFor returns the command plan of a deployment.
//
// Example:
//
//	PlanFor(&domain.Deployment{Type: domain.TypePython})
//	// Install: [[python3 -m venv .venv] [.venv/bin/pip install -r requirements.txt]]
//	// Build:   []
//	// Start:   [.venv/bin/python app.py]
func PlanFor(d *domain.Deployment) (Plan, error) {
	switch d.Type {
	case domain.TypeNode:
		return Plan{
			Install: [][]string{{"npm", "install", "--no-audit", "--no-fund"}},
			Build:   [][]string{{"npm", "run", "build", "--if-present"}},
			Start:   []string{"npm", "start"},
		}, nil
	case domain.TypePython:
		return Plan{
			Install: [][]string{
				{"python3", "-m", "venv", ".venv"},
				{".venv/bin/pip", "install", "-r", "requirements.txt"},
			},
			Start: []string{".venv/bin/python", "app.py"},
		}, nil
	case domain.TypeGo:
		return Plan{
			Install: [][]string{{"go", "mod", "download"}},
			Build:   [][]string{{"go", "build", "-o", "app", "."}},
			Start:   []string{"./app"},
		}, nil
	case domain.TypeCustom:
		return Plan{
			Install: d.Install,
			Build:   d.Build,
			Start:   d.Start,
		}, nil
	default:
		return Plan{}, domain.NewValidationError("type", fmt.Sprintf("unknown deployment type %q", d.Type))
	}
}

// Validate checks every command of the plan against the allow-list.
func (p Plan) Validate(allow *AllowList) error {
	for _, argv := range p.Install {
		if err := allow.Validate(argv); err != nil {
			return err
		}
	}
	for _, argv := range p.Build {
		if err := allow.Validate(argv); err != nil {
			return err
		}
	}
	return allow.Validate(p.Start)
}

// Clone returns the fetch command for a source. "--" keeps the URL and
// directory from ever being parsed as options.
func Clone(source domain.Source, dir string) []string {
	return []string{"git", "clone", "--depth", "1", "--branch", source.Branch, "--single-branch", "--", source.URL, dir}
}
