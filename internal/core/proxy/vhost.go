package proxy

import (
	"bytes"
	"fmt"
	"regexp"
	"text/template"
)

// DefaultVirtualHostTemplate is an nginx server block forwarding every request
// for ServerName to the deployment's local port.
const DefaultVirtualHostTemplate = `# Managed by hostd. Deployment: {{.Name}}
server {
    listen {{.ListenPort}};
    server_name {{.ServerName}};

    location / {
        proxy_pass http://127.0.0.1:{{.Port}};
        proxy_http_version 1.1;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
    }
}
`

// VirtualHostParams are the values a virtual host template can reference.
type VirtualHostParams struct {
	Name       string
	ServerName string
	Port       int
	ListenPort int
}

var hostnamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)*$`)

// ServerName builds the public hostname of a deployment.
func ServerName(deploymentName, baseDomain string) string {
	if baseDomain == "" {
		return deploymentName
	}
	return deploymentName + "." + baseDomain
}

// Render executes the template against params. It has no side effects; the
// result still has to pass the proxy's own syntax check before activation.
func Render(tmpl string, params VirtualHostParams) (string, error) {
	if params.ListenPort == 0 {
		params.ListenPort = 80
	}
	if !hostnamePattern.MatchString(params.ServerName) {
		return "", fmt.Errorf("invalid server name %q", params.ServerName)
	}
	if params.Port < 1 || params.Port > 65535 {
		return "", fmt.Errorf("invalid upstream port %d", params.Port)
	}

	t, err := template.New("vhost").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}
