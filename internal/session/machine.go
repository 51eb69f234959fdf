// Package session implements the workflow state machines driven by the
// realtime event stream: live migration and VMware discovery. Status is
// mutated only by event handlers; the rest of the service reads snapshots.
package session

import (
	"log/slog"
	"sync"
)

// Transition is one expected edge in a workflow state machine.
type Transition struct {
	From string
	To   string
}

// Machine tracks the server-confirmed status of one workflow. The edge
// table describes the expected flow; a server-announced jump outside the
// table is still applied, because the server is authoritative and an
// intermediate event may have been missed across a reconnect. Only unknown
// status values are rejected.
type Machine struct {
	mu      sync.Mutex
	status  string
	initial string
	known   map[string]bool
	edges   map[Transition]bool
	logger  *slog.Logger
}

// NewMachine builds a machine resting at initial. Every state named in the
// table plus the initial state is a known state.
func NewMachine(initial string, table []Transition, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		status:  initial,
		initial: initial,
		known:   map[string]bool{initial: true},
		edges:   make(map[Transition]bool, len(table)),
		logger:  logger,
	}
	for _, tr := range table {
		m.known[tr.From] = true
		m.known[tr.To] = true
		m.edges[tr] = true
	}
	return m
}

// Status returns the current status.
func (m *Machine) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Is reports whether the current status is one of the given values.
func (m *Machine) Is(statuses ...string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range statuses {
		if m.status == s {
			return true
		}
	}
	return false
}

// Apply moves to the server-announced status. Unknown statuses are logged
// and ignored, preserving the last valid state. An off-table edge is
// applied anyway (snapshot pulls bound how stale we can be) but logged,
// since it usually means an intermediate event was missed.
func (m *Machine) Apply(to string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.known[to] {
		m.logger.Warn("ignoring transition to unknown status", "from", m.status, "to", to)
		return false
	}
	if to == m.status {
		return true
	}
	if !m.edges[Transition{From: m.status, To: to}] {
		m.logger.Debug("applying off-table transition", "from", m.status, "to", to)
	}
	m.status = to
	return true
}

// Set force-sets the status during rehydration from a server snapshot.
// Unknown statuses fall back to the initial state.
func (m *Machine) Set(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.known[status] {
		m.logger.Warn("snapshot carries unknown status, resetting", "status", status)
		m.status = m.initial
		return
	}
	m.status = status
}

// Reset returns the machine to its initial state.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = m.initial
}
