package domain

import "time"

// UnitState is the state reported by the service supervisor.
type UnitState string

const (
	UnitActive       UnitState = "active"
	UnitActivating   UnitState = "activating"
	UnitDeactivating UnitState = "deactivating"
	UnitInactive     UnitState = "inactive"
	UnitFailed       UnitState = "failed"
	UnitUnknown      UnitState = "unknown"
)

// ParseUnitState maps supervisor output to a UnitState.
func ParseUnitState(s string) UnitState {
	switch UnitState(s) {
	case UnitActive, UnitActivating, UnitDeactivating, UnitInactive, UnitFailed:
		return UnitState(s)
	}
	return UnitUnknown
}

// ServiceUnit is the supervisor-side record of a deployment's process.
type ServiceUnit struct {
	DeploymentID string     `json:"deployment_id"`
	Name         string     `json:"name"`
	Enabled      bool       `json:"enabled"`
	State        UnitState  `json:"state"`
	VerifiedAt   *time.Time `json:"verified_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// PortAllocation reserves one port for one deployment.
type PortAllocation struct {
	Port         int       `json:"port"`
	DeploymentID string    `json:"deployment_id"`
	AllocatedAt  time.Time `json:"allocated_at"`
}
