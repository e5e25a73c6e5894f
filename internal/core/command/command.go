// Package command describes the external programs a deployment runs as plain
// argument vectors and checks them against an allow-list. Nothing here is
// ever passed to a shell.
package command

import (
	"fmt"
	"strings"

	"github.com/artpar/hostd/internal/core/domain"
)

// Command is an argument vector plus the working directory and extra
// environment it runs with.
type Command struct {
	Argv []string
	Dir  string
	Env  []string // KEY=VALUE pairs appended to the inherited environment
}

// String renders the command for logs and error records.
func (c Command) String() string {
	return strings.Join(c.Argv, " ")
}

// DefaultExecutables is the allow-list used when none is configured.
func DefaultExecutables() []string {
	return []string{
		"git",
		"npm", "yarn", "pnpm", "node",
		"python3", "pip3", ".venv/bin/pip", ".venv/bin/python",
		"go", "./app",
		"make",
		"systemctl", "journalctl",
		"nginx",
	}
}

// AllowList is the set of executables that may be run.
type AllowList struct {
	allowed map[string]struct{}
}

// NewAllowList builds an allow-list from executable names. Entries are
// matched exactly against argv[0].
func NewAllowList(executables ...string) *AllowList {
	allowed := make(map[string]struct{}, len(executables))
	for _, e := range executables {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = struct{}{}
		}
	}
	return &AllowList{allowed: allowed}
}

// Allows reports whether executable is on the list.
func (a *AllowList) Allows(executable string) bool {
	_, ok := a.allowed[executable]
	return ok
}

// Validate checks an argument vector.
func (a *AllowList) Validate(argv []string) error {
	if len(argv) == 0 {
		return domain.NewValidationError("command", "empty argument vector")
	}
	exe := argv[0]
	if strings.Contains(exe, "..") {
		return domain.NewValidationError("command", fmt.Sprintf("executable %q escapes the working directory", exe))
	}
	if !a.Allows(exe) {
		return domain.NewValidationError("command", fmt.Sprintf("executable %q is not allowed", exe))
	}
	for _, arg := range argv {
		if strings.ContainsRune(arg, 0) {
			return domain.NewValidationError("command", "argument contains a NUL byte")
		}
	}
	return nil
}
