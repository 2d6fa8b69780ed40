// Package connection parses the connection descriptor a front end writes
// before launching the kernel.
package connection

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Parameters describes where the five channels live and how messages are
// signed. It is read once at startup and never mutated.
type Parameters struct {
	Transport       string `json:"transport"`
	IP              string `json:"ip"`
	ShellPort       int    `json:"shell_port"`
	ControlPort     int    `json:"control_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	HeartbeatPort   int    `json:"hb_port"`
	LSPPort         *int   `json:"lsp_port,omitempty"`
	SignatureScheme string `json:"signature_scheme"`
	Key             string `json:"key"`
}

// FromFile reads and validates a connection descriptor.
func FromFile(path string) (*Parameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read connection file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a connection descriptor.
func Parse(data []byte) (*Parameters, error) {
	var p Parameters
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse connection file: %w", err)
	}
	if p.Transport == "" {
		p.Transport = "tcp"
	}
	if p.SignatureScheme == "" {
		p.SignatureScheme = "hmac-sha256"
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the fields the kernel cannot start without.
func (p *Parameters) Validate() error {
	switch p.Transport {
	case "tcp", "ipc":
	default:
		return fmt.Errorf("unsupported transport %q", p.Transport)
	}
	if strings.TrimSpace(p.IP) == "" {
		return fmt.Errorf("connection file has no ip")
	}
	if p.Transport == "tcp" {
		ports := map[string]int{
			"shell_port":   p.ShellPort,
			"control_port": p.ControlPort,
			"iopub_port":   p.IOPubPort,
			"stdin_port":   p.StdinPort,
			"hb_port":      p.HeartbeatPort,
		}
		for name, port := range ports {
			if port <= 0 || port > 65535 {
				return fmt.Errorf("invalid %s %d", name, port)
			}
		}
		if p.LSPPort != nil && (*p.LSPPort <= 0 || *p.LSPPort > 65535) {
			return fmt.Errorf("invalid lsp_port %d", *p.LSPPort)
		}
	}
	return nil
}

// Endpoint formats the transport address for port. For the ipc transport
// the port becomes a file suffix, matching the front-end convention.
func (p *Parameters) Endpoint(port int) string {
	if p.Transport == "ipc" {
		return fmt.Sprintf("ipc://%s-%d", p.IP, port)
	}
	return fmt.Sprintf("%s://%s:%d", p.Transport, p.IP, port)
}

// ShellEndpoint returns the shell channel address.
func (p *Parameters) ShellEndpoint() string { return p.Endpoint(p.ShellPort) }

// ControlEndpoint returns the control channel address.
func (p *Parameters) ControlEndpoint() string { return p.Endpoint(p.ControlPort) }

// IOPubEndpoint returns the iopub channel address.
func (p *Parameters) IOPubEndpoint() string { return p.Endpoint(p.IOPubPort) }

// StdinEndpoint returns the stdin channel address.
func (p *Parameters) StdinEndpoint() string { return p.Endpoint(p.StdinPort) }

// HeartbeatEndpoint returns the heartbeat channel address.
func (p *Parameters) HeartbeatEndpoint() string { return p.Endpoint(p.HeartbeatPort) }

// LSPAddress returns the editor-tooling address and whether it was requested.
func (p *Parameters) LSPAddress() (string, bool) {
	if p.LSPPort == nil {
		return "", false
	}
	return fmt.Sprintf("%s:%d", p.IP, *p.LSPPort), true
}
