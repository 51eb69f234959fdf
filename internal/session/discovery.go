package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rackdesk/rackdesk/internal/models"
)

// NamespaceDiscovery is the realtime namespace for VMware discovery.
const NamespaceDiscovery = "discovery"

var discoveryTransitions = []Transition{
	{From: models.DiscoveryIdle, To: models.DiscoveryStarting},
	{From: models.DiscoveryStarting, To: models.DiscoveryDiscovering},
	{From: models.DiscoveryDiscovering, To: models.DiscoveryCompleted},
	{From: models.DiscoveryDiscovering, To: models.DiscoveryError},
	{From: models.DiscoveryDiscovering, To: models.DiscoveryCancelled},
	{From: models.DiscoveryStarting, To: models.DiscoveryError},
	{From: models.DiscoveryStarting, To: models.DiscoveryCancelled},

	// All terminals allow a fresh start.
	{From: models.DiscoveryCompleted, To: models.DiscoveryStarting},
	{From: models.DiscoveryError, To: models.DiscoveryStarting},
	{From: models.DiscoveryCancelled, To: models.DiscoveryStarting},
}

var discoveryTerminal = map[string]bool{
	models.DiscoveryCompleted: true,
	models.DiscoveryError:     true,
	models.DiscoveryCancelled: true,
}

// DiscoveryAPI is the upstream REST surface for the discovery workflow.
type DiscoveryAPI interface {
	ActiveDiscovery(ctx context.Context) (*models.ActiveDiscoveryResponse, error)
	StartDiscovery(ctx context.Context, serverIDs []string) (*models.StartDiscoveryResponse, error)
	CancelDiscovery(ctx context.Context, sessionID string) error
}

// SessionMemory remembers the active discovery session id across restarts
// so recovery can short-circuit. Implemented by the setup store.
type SessionMemory interface {
	SetActiveDiscoverySession(id string) error
	ClearActiveDiscoverySession() error
}

// Discovery owns the VMware discovery session state: a scan fan-out over
// the fleet's VM hosts whose per-host outcomes stream in over the
// transport.
type Discovery struct {
	mu        sync.Mutex
	machine   *Machine
	state     models.SessionState
	pending   bool
	connected bool
	lastError string
	version   uint64

	transport Transport
	factory   TransportFactory
	api       DiscoveryAPI
	memory    SessionMemory // optional
	logger    *slog.Logger
}

// NewDiscovery creates the discovery session store at rest. memory may be
// nil.
func NewDiscovery(api DiscoveryAPI, factory TransportFactory, memory SessionMemory, logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{
		machine: NewMachine(models.DiscoveryIdle, discoveryTransitions, logger),
		state:   models.SessionState{Status: models.DiscoveryIdle},
		factory: factory,
		api:     api,
		memory:  memory,
		logger:  logger,
	}
}

// Snapshot returns the current session state.
func (d *Discovery) Snapshot() models.SessionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	state := d.state
	state.Status = d.machine.Status()
	state.Results = append([]models.UnitOutcome(nil), d.state.Results...)
	return state
}

// Version increments on every state change; the UI relay polls it.
func (d *Discovery) Version() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// LastError returns the store-local error banner text, if any.
func (d *Discovery) LastError() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastError
}

// InProgress reports whether a scan is running or requested.
func (d *Discovery) InProgress() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending || d.machine.Is(models.DiscoveryStarting, models.DiscoveryDiscovering)
}

// CanStart reports whether a new scan may be requested: at rest or in any
// terminal state, with no request outstanding.
func (d *Discovery) CanStart() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.pending &&
		(d.machine.Is(models.DiscoveryIdle) || discoveryTerminal[d.machine.Status()])
}

// DiscoveredVMs flattens the per-host results into one VM list, the
// derived view the UI renders.
func (d *Discovery) DiscoveredVMs() []models.DiscoveredVM {
	d.mu.Lock()
	defer d.mu.Unlock()
	var vms []models.DiscoveredVM
	for _, r := range d.state.Results {
		vms = append(vms, r.VMs...)
	}
	return vms
}

// FailedServerIDs lists the hosts whose scan failed in the current
// session's results.
func (d *Discovery) FailedServerIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for _, r := range d.state.Results {
		if r.Status == "failed" {
			ids = append(ids, r.UnitID)
		}
	}
	return ids
}

// Start requests a scan of the given hosts (all VM hosts when empty). The
// session is created over REST; the event stream is then joined over the
// transport. The optimistic "starting" status rolls back if the backend
// rejects the request.
func (d *Discovery) Start(ctx context.Context, serverIDs []string) error {
	if !d.CanStart() {
		return fmt.Errorf("discovery cannot start from status %q", d.machine.Status())
	}

	// The optimistic transition touches only the status and the pending
	// flag; the previous session's results stay intact so a rejected
	// request rolls back without losing them.
	d.mu.Lock()
	prev := d.machine.Status()
	d.pending = true
	d.lastError = ""
	d.machine.Set(models.DiscoveryStarting)
	d.state.Status = models.DiscoveryStarting
	d.version++
	d.mu.Unlock()

	resp, err := d.api.StartDiscovery(ctx, serverIDs)
	if err != nil {
		d.mu.Lock()
		d.pending = false
		d.machine.Set(prev)
		d.state.Status = prev
		d.lastError = err.Error()
		d.version++
		d.mu.Unlock()
		return fmt.Errorf("starting discovery: %w", err)
	}

	// Confirmed: the new session replaces the old one's accounting.
	d.mu.Lock()
	d.pending = false
	d.state = models.SessionState{
		SessionID:  resp.SessionID,
		Status:     models.DiscoveryStarting,
		TotalCount: resp.ServerCount,
	}
	d.version++
	d.mu.Unlock()

	d.remember(resp.SessionID)

	if err := d.ensureConnected(ctx); err != nil {
		d.setError("connecting to discovery stream: " + err.Error())
		return nil // the session is running server-side regardless
	}
	if err := d.transportSend(models.FrameJoin, map[string]string{"sessionId": resp.SessionID}); err != nil {
		d.setError(err.Error())
	}
	return nil
}

// RetryFailed starts a brand-new session scoped to the hosts that failed.
// The original session's successes are not carried into the new session's
// own progress accounting; merging the two result sets is a presentation
// concern.
func (d *Discovery) RetryFailed(ctx context.Context) error {
	failed := d.FailedServerIDs()
	if len(failed) == 0 {
		return fmt.Errorf("no failed servers to retry")
	}
	return d.Start(ctx, failed)
}

// Cancel asks the server to stop the running scan. Local status moves only
// when the server confirms over the stream.
func (d *Discovery) Cancel(ctx context.Context) error {
	d.mu.Lock()
	sessionID := d.state.SessionID
	d.mu.Unlock()
	if sessionID == "" || !d.machine.Is(models.DiscoveryStarting, models.DiscoveryDiscovering) {
		return fmt.Errorf("no discovery session to cancel")
	}
	if err := d.api.CancelDiscovery(ctx, sessionID); err != nil {
		return fmt.Errorf("cancelling discovery: %w", err)
	}
	return nil
}

// Reset clears a resting session back to idle and drops the connection.
func (d *Discovery) Reset() error {
	if d.machine.Is(models.DiscoveryStarting, models.DiscoveryDiscovering) {
		return fmt.Errorf("discovery is running, cancel it first")
	}
	d.mu.Lock()
	transport := d.transport
	d.transport = nil
	d.connected = false
	d.pending = false
	d.lastError = ""
	d.state = models.SessionState{Status: models.DiscoveryIdle}
	d.machine.Reset()
	d.version++
	d.mu.Unlock()

	if transport != nil {
		transport.Disconnect()
	}
	d.forget()
	return nil
}

// Recover pulls the active-session answer at mount time. An in-progress
// scan is rehydrated (including the derived VM list, which recomputes
// automatically from results) and its stream rejoined; a terminal session
// is rehydrated without opening the transport. A failed or malformed pull
// means "no active session".
func (d *Discovery) Recover(ctx context.Context) {
	resp, err := d.api.ActiveDiscovery(ctx)
	if err != nil || resp == nil || !resp.Active || resp.Session == nil {
		if err != nil {
			d.logger.Debug("no discovery session to recover", "error", err)
		}
		d.forget()
		return
	}

	snapshot := *resp.Session
	d.mu.Lock()
	d.machine.Set(snapshot.Status)
	snapshot.Status = d.machine.Status()
	d.state = snapshot
	d.pending = false
	d.version++
	d.mu.Unlock()

	if discoveryTerminal[d.machine.Status()] || d.machine.Is(models.DiscoveryIdle) {
		d.forget()
		return
	}

	d.remember(snapshot.SessionID)
	if err := d.ensureConnected(ctx); err != nil {
		d.setError("reconnecting to discovery session: " + err.Error())
		return
	}
	if snapshot.SessionID != "" {
		if err := d.transportSend(models.FrameJoin, map[string]string{"sessionId": snapshot.SessionID}); err != nil {
			d.setError(err.Error())
		}
	}
}

// HandleEvent applies one transport event in arrival order. A terminal
// event tears the transport down after the lock is released; a fresh
// start re-dials.
func (d *Discovery) HandleEvent(ev models.Event) {
	if teardown := d.applyEvent(ev); teardown != nil {
		teardown.Disconnect()
	}
}

func (d *Discovery) applyEvent(ev models.Event) Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version++

	switch e := ev.(type) {
	case models.StatusEvent:
		d.machine.Set(e.State.Status)
		e.State.Status = d.machine.Status()
		d.state = e.State
		if !d.pending && (discoveryTerminal[d.machine.Status()] || d.machine.Is(models.DiscoveryIdle)) {
			d.forgetLocked()
			return d.detachLocked()
		}
	case models.StateChangeEvent:
		if !d.machine.Apply(e.State) {
			return nil
		}
		d.state.Status = d.machine.Status()
		if e.Error != "" {
			d.state.Error = e.Error
		}
		if discoveryTerminal[d.machine.Status()] {
			d.pending = false
			d.forgetLocked()
			return d.detachLocked()
		}
	case models.UnitEvent:
		d.state.Results = append(d.state.Results, e.Outcome)
		d.state.ProcessedCount++
		if d.state.TotalCount > 0 {
			d.state.Progress = d.state.ProcessedCount * 100 / d.state.TotalCount
		}
	case models.OperationChangeEvent:
		d.state.Operation = e.Operation
	case models.ErrorEvent:
		d.state.Error = e.Message
		d.lastError = e.Message
	case models.AckEvent:
		if e.Action == "cancelled" && !e.Success {
			d.lastError = e.Message
		}
	case models.RefreshTokenEvent:
		// Handled inside the transport.
	default:
		d.logger.Warn("dropping unhandled discovery event", "type", fmt.Sprintf("%T", ev))
	}
	return nil
}

// detachLocked hands the transport to the caller for teardown once d.mu
// is released.
func (d *Discovery) detachLocked() Transport {
	transport := d.transport
	d.transport = nil
	d.connected = false
	return transport
}

func (d *Discovery) handleConnError(err error) {
	d.setError("discovery stream: " + err.Error())
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
}

func (d *Discovery) setError(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastError = msg
	d.version++
}

func (d *Discovery) remember(sessionID string) {
	if d.memory == nil || sessionID == "" {
		return
	}
	if err := d.memory.SetActiveDiscoverySession(sessionID); err != nil {
		d.logger.Warn("remembering discovery session", "error", err)
	}
}

func (d *Discovery) forget() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forgetLocked()
}

func (d *Discovery) forgetLocked() {
	if d.memory == nil {
		return
	}
	if err := d.memory.ClearActiveDiscoverySession(); err != nil {
		d.logger.Warn("clearing remembered discovery session", "error", err)
	}
}

func (d *Discovery) ensureConnected(ctx context.Context) error {
	d.mu.Lock()
	if d.connected && d.transport != nil {
		d.mu.Unlock()
		return nil
	}
	if d.transport == nil {
		d.transport = d.factory(NamespaceDiscovery, d.HandleEvent, d.handleConnError)
	}
	transport := d.transport
	d.mu.Unlock()

	if err := transport.Connect(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	return nil
}

func (d *Discovery) transportSend(frame string, data interface{}) error {
	d.mu.Lock()
	transport := d.transport
	d.mu.Unlock()
	if transport == nil {
		return fmt.Errorf("discovery transport not connected")
	}
	return transport.Send(frame, data)
}

// Connected reports whether the transport is currently attached.
func (d *Discovery) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Close tears down the transport, keeping the last known state.
func (d *Discovery) Close() {
	d.mu.Lock()
	transport := d.transport
	d.transport = nil
	d.connected = false
	d.mu.Unlock()
	if transport != nil {
		transport.Disconnect()
	}
}
