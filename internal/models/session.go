package models

import "time"

// Migration workflow statuses. The machine is re-entrant: "migrated" is a
// resting point that still allows a restart cycle.
const (
	MigrationIdle          = "idle"
	MigrationGraceShutdown = "grace_shutdown"
	MigrationShuttingDown  = "shutting_down"
	MigrationInMigration   = "in_migration"
	MigrationRestarting    = "restarting"
	MigrationMigrated      = "migrated"
	MigrationFailed        = "failed"
)

// Discovery workflow statuses. All three terminals allow a fresh start.
const (
	DiscoveryIdle        = "idle"
	DiscoveryStarting    = "starting"
	DiscoveryDiscovering = "discovering"
	DiscoveryCompleted   = "completed"
	DiscoveryError       = "error"
	DiscoveryCancelled   = "cancelled"
)

// DiscoveredVM is one virtual machine reported by a VMware host scan.
type DiscoveredVM struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ServerID   string `json:"serverId"`
	PowerState string `json:"powerState,omitempty"`
	CPUs       int    `json:"cpus,omitempty"`
	MemoryMB   int    `json:"memoryMb,omitempty"`
	OSType     string `json:"osType,omitempty"`
}

// UnitOutcome is the per-unit result of a session step: one server
// migrated or scanned.
type UnitOutcome struct {
	UnitID string         `json:"unitId"`
	Name   string         `json:"name,omitempty"`
	Status string         `json:"status"` // "success" or "failed"
	Detail string         `json:"detail,omitempty"`
	VMs    []DiscoveredVM `json:"vms,omitempty"`
}

// SessionState is the shared snapshot shape for migration and discovery
// sessions. It is mutated only by transport event handlers (plus the
// explicit pending-start bookkeeping in the session stores).
type SessionState struct {
	SessionID      string        `json:"sessionId,omitempty"`
	Status         string        `json:"status"`
	Progress       int           `json:"progress"`
	ProcessedCount int           `json:"processedCount"`
	TotalCount     int           `json:"totalCount"`
	Results        []UnitOutcome `json:"results,omitempty"`
	Operation      string        `json:"operation,omitempty"`
	Error          string        `json:"error,omitempty"`
	StartedAt      *time.Time    `json:"startedAt,omitempty"`
	UpdatedAt      *time.Time    `json:"updatedAt,omitempty"`
}

// ActiveDiscoveryResponse is the recovery answer for the discovery workflow.
type ActiveDiscoveryResponse struct {
	Active  bool          `json:"active"`
	Session *SessionState `json:"session,omitempty"`
}

// StartDiscoveryResponse acknowledges a discovery start request.
type StartDiscoveryResponse struct {
	SessionID   string `json:"sessionId"`
	ServerCount int    `json:"serverCount"`
}
