// Package supervisor renders the service unit a deployment runs under.
package supervisor

import (
	"fmt"
	"path/filepath"
	"strings"
)

// UnitPrefix namespaces every unit this service manages.
const UnitPrefix = "hostd-"

// UnitName returns the unit identifier of a deployment.
func UnitName(deploymentName string) string {
	return UnitPrefix + deploymentName + ".service"
}

// UnitParams are the inputs of a unit definition.
type UnitParams struct {
	Description      string
	WorkingDirectory string
	ExecStart        []string
	EnvironmentFile  string
	User             string
	RestartSec       int
}

// RenderUnit renders a systemd service definition.
//
// Relative executables such as "./app" or ".venv/bin/python" resolve against
// WorkingDirectory. Arguments are quoted for systemd's own word splitting;
// no shell is involved.
func RenderUnit(p UnitParams) (string, error) {
	if !filepath.IsAbs(p.WorkingDirectory) {
		return "", fmt.Errorf("working directory %q must be absolute", p.WorkingDirectory)
	}
	if len(p.ExecStart) == 0 {
		return "", fmt.Errorf("exec start is empty")
	}
	for _, v := range append([]string{p.Description, p.WorkingDirectory, p.EnvironmentFile, p.User}, p.ExecStart...) {
		if strings.ContainsAny(v, "\n\r\x00") {
			return "", fmt.Errorf("unit value %q contains a control character", v)
		}
	}
	restartSec := p.RestartSec
	if restartSec <= 0 {
		restartSec = 5
	}

	var b strings.Builder
	b.WriteString("[Unit]\n")
	fmt.Fprintf(&b, "Description=%s\n", p.Description)
	b.WriteString("After=network.target\n\n")

	b.WriteString("[Service]\n")
	b.WriteString("Type=simple\n")
	fmt.Fprintf(&b, "WorkingDirectory=%s\n", p.WorkingDirectory)
	if p.EnvironmentFile != "" {
		fmt.Fprintf(&b, "EnvironmentFile=%s\n", p.EnvironmentFile)
	}
	fmt.Fprintf(&b, "ExecStart=%s\n", execLine(p.WorkingDirectory, p.ExecStart))
	b.WriteString("Restart=on-failure\n")
	fmt.Fprintf(&b, "RestartSec=%d\n", restartSec)
	if p.User != "" {
		fmt.Fprintf(&b, "User=%s\n", p.User)
	}
	b.WriteString("\n[Install]\n")
	b.WriteString("WantedBy=multi-user.target\n")
	return b.String(), nil
}

func execLine(workDir string, argv []string) string {
	exe := argv[0]
	if !filepath.IsAbs(exe) && strings.Contains(exe, "/") {
		exe = filepath.Join(workDir, exe)
	}
	words := make([]string, 0, len(argv))
	words = append(words, quote(exe))
	for _, arg := range argv[1:] {
		words = append(words, quote(arg))
	}
	return strings.Join(words, " ")
}

// quote escapes a word for systemd command lines: specifiers (%) and
// variable expansion ($) are doubled, and words with blanks or quotes are
// wrapped in double quotes.
func quote(s string) string {
	s = strings.ReplaceAll(s, "%", "%%")
	s = strings.ReplaceAll(s, "$", "$$")
	if s != "" && !strings.ContainsAny(s, " \t\"';\\") {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
