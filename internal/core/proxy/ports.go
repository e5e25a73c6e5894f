// Package proxy holds the pure parts of port allocation and reverse proxy
// configuration: choosing a free port and rendering a virtual host.
package proxy

import (
	"fmt"

	"github.com/artpar/hostd/internal/core/domain"
)

// PortRange is the inclusive range deployments draw their ports from.
type PortRange struct {
	Min int // Inclusive, e.g., 30000
	Max int // Inclusive, e.g., 39999
}

// DefaultPortRange returns the default port range.
func DefaultPortRange() PortRange {
	return PortRange{Min: 30000, Max: 39999}
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int {
	if r.Max < r.Min {
		return 0
	}
	return r.Max - r.Min + 1
}

// Validate checks that the range is usable.
func (r PortRange) Validate() error {
	if r.Min < 1 || r.Max > 65535 {
		return fmt.Errorf("port range %d-%d outside 1-65535", r.Min, r.Max)
	}
	if r.Max < r.Min {
		return fmt.Errorf("port range %d-%d is empty", r.Min, r.Max)
	}
	return nil
}

// AllocatePort returns the lowest port in the range not present in usedPorts.
// Pure function: the caller supplies the used ports and persists the result.
func AllocatePort(usedPorts []int, portRange PortRange) (int, error) {
	used := make(map[int]struct{}, len(usedPorts))
	for _, p := range usedPorts {
		used[p] = struct{}{}
	}

	for port := portRange.Min; port <= portRange.Max; port++ {
		if _, taken := used[port]; !taken {
			return port, nil
		}
	}

	return 0, &domain.PortExhaustionError{Min: portRange.Min, Max: portRange.Max}
}

// ClaimPort checks that a specifically requested port can be reserved.
func ClaimPort(port int, usedPorts []int, portRange PortRange) error {
	if !ValidatePort(port, portRange) {
		return domain.NewValidationError("port", fmt.Sprintf("%d outside range %d-%d", port, portRange.Min, portRange.Max))
	}
	for _, p := range usedPorts {
		if p == port {
			return domain.NewValidationError("port", fmt.Sprintf("%d is already allocated", port))
		}
	}
	return nil
}

// ValidatePort checks if a port is within the allowed range.
func ValidatePort(port int, portRange PortRange) bool {
	return port >= portRange.Min && port <= portRange.Max
}
