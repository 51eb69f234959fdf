package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rackdesk/rackdesk/internal/models"
)

// NamespaceMigration is the realtime namespace for the migration workflow.
const NamespaceMigration = "migration"

// migrationTransitions is the expected migration flow. "migrated" is a
// resting point, not a terminal: a further restart cycle is allowed.
var migrationTransitions = []Transition{
	{From: models.MigrationIdle, To: models.MigrationGraceShutdown},
	{From: models.MigrationGraceShutdown, To: models.MigrationShuttingDown},
	{From: models.MigrationShuttingDown, To: models.MigrationInMigration},
	{From: models.MigrationInMigration, To: models.MigrationRestarting},
	{From: models.MigrationRestarting, To: models.MigrationMigrated},
	{From: models.MigrationMigrated, To: models.MigrationRestarting},

	{From: models.MigrationGraceShutdown, To: models.MigrationFailed},
	{From: models.MigrationShuttingDown, To: models.MigrationFailed},
	{From: models.MigrationInMigration, To: models.MigrationFailed},
	{From: models.MigrationRestarting, To: models.MigrationFailed},

	{From: models.MigrationMigrated, To: models.MigrationIdle},
	{From: models.MigrationFailed, To: models.MigrationIdle},

	// A confirmed cancel drops any active state back to idle.
	{From: models.MigrationGraceShutdown, To: models.MigrationIdle},
	{From: models.MigrationShuttingDown, To: models.MigrationIdle},
	{From: models.MigrationInMigration, To: models.MigrationIdle},
	{From: models.MigrationRestarting, To: models.MigrationIdle},
}

// migrationActive are the statuses during which the transport stays
// connected. Idle, migrated and failed are resting states with no
// connection.
var migrationActive = map[string]bool{
	models.MigrationGraceShutdown: true,
	models.MigrationShuttingDown:  true,
	models.MigrationInMigration:   true,
	models.MigrationRestarting:    true,
}

// MigrationAPI is the upstream pull surface used for recovery.
type MigrationAPI interface {
	MigrationStatus(ctx context.Context) (*models.SessionState, error)
}

// Migration owns the live-migration session state. All mutation flows
// through transport events; user actions only emit frames plus the
// explicit optimistic pending-start flag, which a rejected start rolls
// back.
type Migration struct {
	mu        sync.Mutex
	machine   *Machine
	state     models.SessionState
	pending   bool // start or restart requested, server ack outstanding
	connected bool
	lastError string
	version   uint64

	transport Transport
	factory   TransportFactory
	api       MigrationAPI
	logger    *slog.Logger
}

// NewMigration creates the migration session store at rest.
func NewMigration(api MigrationAPI, factory TransportFactory, logger *slog.Logger) *Migration {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Migration{
		machine: NewMachine(models.MigrationIdle, migrationTransitions, logger),
		state:   models.SessionState{Status: models.MigrationIdle},
		factory: factory,
		api:     api,
		logger:  logger,
	}
	return m
}

// Snapshot returns the current session state.
func (m *Migration) Snapshot() models.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.state
	state.Status = m.machine.Status()
	state.Results = append([]models.UnitOutcome(nil), m.state.Results...)
	return state
}

// Version increments on every state change; the UI relay polls it.
func (m *Migration) Version() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// LastError returns the store-local error banner text, if any.
func (m *Migration) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// InProgress reports whether a migration cycle is running or requested.
func (m *Migration) InProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending || migrationActive[m.machine.Status()]
}

// CanStart reports whether a new migration may be requested.
func (m *Migration) CanStart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.pending && m.machine.Is(models.MigrationIdle, models.MigrationFailed)
}

// CanRestart reports whether the restart cycle may be requested.
func (m *Migration) CanRestart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.pending && m.machine.Is(models.MigrationMigrated)
}

// CanCancel reports whether a cancel request makes sense right now.
func (m *Migration) CanCancel() bool {
	return m.machine.Is(
		models.MigrationGraceShutdown,
		models.MigrationShuttingDown,
		models.MigrationInMigration,
		models.MigrationRestarting,
	)
}

// Start requests a new migration. The only optimistic local change is the
// pending flag; the status moves when the server pushes stateChange.
func (m *Migration) Start(ctx context.Context, payload interface{}) error {
	if !m.CanStart() {
		return fmt.Errorf("migration cannot start from status %q", m.machine.Status())
	}
	return m.request(ctx, models.FrameStart, payload)
}

// Restart requests the restart cycle after a completed migration.
func (m *Migration) Restart(ctx context.Context) error {
	if !m.CanRestart() {
		return fmt.Errorf("migration cannot restart from status %q", m.machine.Status())
	}
	return m.request(ctx, models.FrameRestart, nil)
}

func (m *Migration) request(ctx context.Context, frame string, payload interface{}) error {
	m.mu.Lock()
	m.pending = true
	m.lastError = ""
	m.version++
	m.mu.Unlock()

	if err := m.ensureConnected(ctx); err != nil {
		m.rollbackPending("connecting: " + err.Error())
		return err
	}
	if err := m.transportSend(frame, payload); err != nil {
		m.rollbackPending(err.Error())
		return err
	}
	return nil
}

// Cancel asks the server to abort the running migration. There is no local
// status change until the server confirms.
func (m *Migration) Cancel(ctx context.Context) error {
	if !m.CanCancel() {
		return fmt.Errorf("migration cannot be cancelled from status %q", m.machine.Status())
	}
	return m.transportSend(models.FrameCancel, nil)
}

// Reset returns a resting session (migrated or failed) to idle and drops
// the connection.
func (m *Migration) Reset() error {
	if !m.machine.Is(models.MigrationMigrated, models.MigrationFailed, models.MigrationIdle) {
		return fmt.Errorf("migration cannot be reset from status %q", m.machine.Status())
	}
	m.mu.Lock()
	transport := m.transport
	m.transport = nil
	m.connected = false
	m.pending = false
	m.lastError = ""
	m.state = models.SessionState{Status: models.MigrationIdle}
	m.machine.Reset()
	m.version++
	m.mu.Unlock()

	if transport != nil {
		transport.Disconnect()
	}
	return nil
}

// Recover pulls the server-side session at mount time. An active session
// is rehydrated and its transport reopened; a resting or missing session
// leaves the store at rest. A failed or malformed pull is treated as "no
// active session".
func (m *Migration) Recover(ctx context.Context) {
	snapshot, err := m.api.MigrationStatus(ctx)
	if err != nil || snapshot == nil {
		m.logger.Debug("no migration session to recover", "error", err)
		return
	}

	m.rehydrate(*snapshot)

	if !migrationActive[m.machine.Status()] {
		return
	}
	if err := m.ensureConnected(ctx); err != nil {
		m.setError("reconnecting to migration session: " + err.Error())
		return
	}
	if snapshot.SessionID != "" {
		if err := m.transportSend(models.FrameJoin, map[string]string{"sessionId": snapshot.SessionID}); err != nil {
			m.setError(err.Error())
		}
	}
}

func (m *Migration) rehydrate(snapshot models.SessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.machine.Set(snapshot.Status)
	snapshot.Status = m.machine.Status()
	m.state = snapshot
	m.pending = false
	m.version++
}

// HandleEvent applies one transport event. Never panics: malformed input
// is logged and dropped, preserving the last valid state. When an event
// lands the session in a resting state, the transport is torn down after
// the lock is released; the next Start or Restart re-dials.
func (m *Migration) HandleEvent(ev models.Event) {
	if teardown := m.applyEvent(ev); teardown != nil {
		teardown.Disconnect()
	}
}

func (m *Migration) applyEvent(ev models.Event) Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version++

	switch e := ev.(type) {
	case models.StatusEvent:
		m.machine.Set(e.State.Status)
		e.State.Status = m.machine.Status()
		m.state = e.State
		if !m.pending && !migrationActive[m.machine.Status()] {
			return m.detachLocked()
		}
	case models.StateChangeEvent:
		if !m.machine.Apply(e.State) {
			return nil
		}
		m.state.Status = m.machine.Status()
		if e.Error != "" {
			m.state.Error = e.Error
		}
		if !migrationActive[m.machine.Status()] {
			// Resting states hold no connection.
			m.pending = false
			return m.detachLocked()
		}
	case models.UnitEvent:
		m.state.Results = append(m.state.Results, e.Outcome)
		m.state.ProcessedCount++
		if m.state.TotalCount > 0 {
			m.state.Progress = m.state.ProcessedCount * 100 / m.state.TotalCount
		}
	case models.OperationChangeEvent:
		m.state.Operation = e.Operation
	case models.ErrorEvent:
		m.state.Error = e.Message
		m.lastError = e.Message
	case models.AckEvent:
		return m.applyAck(e)
	case models.RefreshTokenEvent:
		// Handled inside the transport.
	default:
		m.logger.Warn("dropping unhandled migration event", "type", fmt.Sprintf("%T", ev))
	}
	return nil
}

func (m *Migration) applyAck(e models.AckEvent) Transport {
	switch e.Action {
	case "started", "restarted":
		if e.Success {
			m.pending = false
			if e.SessionID != "" {
				m.state.SessionID = e.SessionID
			}
			return nil
		}
		// Rejected start: roll back the optimistic pending flag, the
		// confirmed status was never touched, so the session is resting
		// again and holds no connection.
		m.pending = false
		m.lastError = e.Message
		return m.detachLocked()
	case "cancelled":
		if !e.Success {
			m.lastError = e.Message
			return nil
		}
		m.machine.Set(models.MigrationIdle)
		m.state = models.SessionState{Status: models.MigrationIdle}
		m.pending = false
		return m.detachLocked()
	}
	return nil
}

// detachLocked hands the transport to the caller for teardown once m.mu
// is released. Resting sessions hold no connection.
func (m *Migration) detachLocked() Transport {
	transport := m.transport
	m.transport = nil
	m.connected = false
	return transport
}

// handleConnError surfaces exhausted reconnects as a banner without
// discarding session state.
func (m *Migration) handleConnError(err error) {
	m.setError("migration stream: " + err.Error())
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
}

func (m *Migration) setError(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastError = msg
	m.version++
}

func (m *Migration) rollbackPending(msg string) {
	m.mu.Lock()
	m.pending = false
	m.lastError = msg
	m.version++
	teardown := m.detachLocked()
	m.mu.Unlock()
	if teardown != nil {
		teardown.Disconnect()
	}
}

func (m *Migration) ensureConnected(ctx context.Context) error {
	m.mu.Lock()
	if m.connected && m.transport != nil {
		m.mu.Unlock()
		return nil
	}
	if m.transport == nil {
		m.transport = m.factory(NamespaceMigration, m.HandleEvent, m.handleConnError)
	}
	transport := m.transport
	m.mu.Unlock()

	if err := transport.Connect(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

func (m *Migration) transportSend(frame string, data interface{}) error {
	m.mu.Lock()
	transport := m.transport
	m.mu.Unlock()
	if transport == nil {
		return fmt.Errorf("migration transport not connected")
	}
	return transport.Send(frame, data)
}

// Connected reports whether the transport is currently attached.
func (m *Migration) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Close tears down the transport, keeping the last known state.
func (m *Migration) Close() {
	m.mu.Lock()
	transport := m.transport
	m.transport = nil
	m.connected = false
	m.mu.Unlock()
	if transport != nil {
		transport.Disconnect()
	}
}
