package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rackdesk/rackdesk/internal/models"
)

// fakeDiscoveryAPI serves canned answers and records start requests.
type fakeDiscoveryAPI struct {
	mu         sync.Mutex
	active     *models.ActiveDiscoveryResponse
	activeErr  error
	startResp  *models.StartDiscoveryResponse
	startErr   error
	cancelErr  error
	startCalls [][]string
	cancelled  []string
}

func (f *fakeDiscoveryAPI) ActiveDiscovery(ctx context.Context) (*models.ActiveDiscoveryResponse, error) {
	return f.active, f.activeErr
}

func (f *fakeDiscoveryAPI) StartDiscovery(ctx context.Context, serverIDs []string) (*models.StartDiscoveryResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls = append(f.startCalls, serverIDs)
	if f.startErr != nil {
		return nil, f.startErr
	}
	if f.startResp != nil {
		return f.startResp, nil
	}
	return &models.StartDiscoveryResponse{SessionID: "disc-1", ServerCount: len(serverIDs)}, nil
}

func (f *fakeDiscoveryAPI) CancelDiscovery(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, sessionID)
	return f.cancelErr
}

// fakeMemory implements SessionMemory in memory.
type fakeMemory struct {
	mu sync.Mutex
	id string
}

func (f *fakeMemory) SetActiveDiscoverySession(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id = id
	return nil
}

func (f *fakeMemory) ClearActiveDiscoverySession() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id = ""
	return nil
}

func (f *fakeMemory) current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

func newTestDiscovery(transport *fakeTransport, api *fakeDiscoveryAPI, memory *fakeMemory) *Discovery {
	if api == nil {
		api = &fakeDiscoveryAPI{}
	}
	var mem SessionMemory
	if memory != nil {
		mem = memory
	}
	return NewDiscovery(api, fakeFactory(transport), mem, nil)
}

func TestDiscovery_StartJoinsStream(t *testing.T) {
	transport := &fakeTransport{}
	api := &fakeDiscoveryAPI{startResp: &models.StartDiscoveryResponse{SessionID: "disc-7", ServerCount: 3}}
	memory := &fakeMemory{}
	d := newTestDiscovery(transport, api, memory)

	if err := d.Start(context.Background(), []string{"s1", "s2", "s3"}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	state := d.Snapshot()
	if state.Status != models.DiscoveryStarting {
		t.Errorf("Status = %s, want starting", state.Status)
	}
	if state.SessionID != "disc-7" || state.TotalCount != 3 {
		t.Errorf("state = %+v, want session disc-7 with 3 units", state)
	}
	frames := transport.sent()
	if len(frames) != 1 || frames[0] != models.FrameJoin {
		t.Errorf("frames = %v, want [join]", frames)
	}
	if memory.current() != "disc-7" {
		t.Errorf("remembered session = %q, want disc-7", memory.current())
	}
}

func TestDiscovery_RejectedStartRollsBack(t *testing.T) {
	t.Run("from idle", func(t *testing.T) {
		api := &fakeDiscoveryAPI{startErr: errors.New("no VM hosts configured")}
		d := newTestDiscovery(&fakeTransport{}, api, nil)

		if err := d.Start(context.Background(), nil); err == nil {
			t.Fatal("Start should surface the backend rejection")
		}
		if d.Snapshot().Status != models.DiscoveryIdle {
			t.Errorf("Status = %s, want rollback to idle", d.Snapshot().Status)
		}
		if d.InProgress() {
			t.Error("rejected start must clear the pending flag")
		}
		if d.LastError() == "" {
			t.Error("rejection should surface as the store error")
		}
	})

	t.Run("from completed keeps results", func(t *testing.T) {
		api := &fakeDiscoveryAPI{startErr: errors.New("controller busy")}
		d := newTestDiscovery(&fakeTransport{}, api, nil)

		d.HandleEvent(models.StatusEvent{State: models.SessionState{
			SessionID:      "disc-2",
			Status:         models.DiscoveryCompleted,
			ProcessedCount: 2,
			TotalCount:     2,
			Results: []models.UnitOutcome{
				{UnitID: "srv-1", Status: "success", VMs: []models.DiscoveredVM{{ID: "vm-1", Name: "db01"}}},
				{UnitID: "srv-2", Status: "failed"},
			},
		}})

		if err := d.RetryFailed(context.Background()); err == nil {
			t.Fatal("RetryFailed should surface the backend rejection")
		}

		state := d.Snapshot()
		if state.Status != models.DiscoveryCompleted {
			t.Errorf("Status = %s, want rollback to completed", state.Status)
		}
		if state.SessionID != "disc-2" || len(state.Results) != 2 {
			t.Errorf("state = %+v, want the completed session intact", state)
		}
		if vms := d.DiscoveredVMs(); len(vms) != 1 || vms[0].Name != "db01" {
			t.Errorf("DiscoveredVMs = %+v, rollback must not lose results", vms)
		}
		if failed := d.FailedServerIDs(); len(failed) != 1 || failed[0] != "srv-2" {
			t.Errorf("FailedServerIDs = %v, want [srv-2] after rollback", failed)
		}
	})
}

func TestDiscovery_CanStartFromTerminals(t *testing.T) {
	for _, status := range []string{
		models.DiscoveryIdle,
		models.DiscoveryCompleted,
		models.DiscoveryError,
		models.DiscoveryCancelled,
	} {
		d := newTestDiscovery(&fakeTransport{}, nil, nil)
		d.machine.Set(status)
		if !d.CanStart() {
			t.Errorf("CanStart from %s = false, want true", status)
		}
	}
	for _, status := range []string{models.DiscoveryStarting, models.DiscoveryDiscovering} {
		d := newTestDiscovery(&fakeTransport{}, nil, nil)
		d.machine.Set(status)
		if d.CanStart() {
			t.Errorf("CanStart from %s = true, want false", status)
		}
	}
}

func TestDiscovery_UnitEventsBuildDerivedVMList(t *testing.T) {
	d := newTestDiscovery(&fakeTransport{}, nil, nil)
	d.HandleEvent(models.StatusEvent{State: models.SessionState{
		Status:     models.DiscoveryDiscovering,
		TotalCount: 2,
	}})

	d.HandleEvent(models.UnitEvent{Outcome: models.UnitOutcome{
		UnitID: "srv-1", Status: "success",
		VMs: []models.DiscoveredVM{
			{ID: "vm-1", Name: "db01", ServerID: "srv-1"},
			{ID: "vm-2", Name: "web01", ServerID: "srv-1"},
		},
	}})
	d.HandleEvent(models.UnitEvent{Outcome: models.UnitOutcome{
		UnitID: "srv-2", Status: "failed", Detail: "esxi auth failed",
	}})

	state := d.Snapshot()
	if state.ProcessedCount != 2 || state.Progress != 100 {
		t.Errorf("processed/progress = %d/%d, want 2/100", state.ProcessedCount, state.Progress)
	}
	vms := d.DiscoveredVMs()
	if len(vms) != 2 || vms[1].Name != "web01" {
		t.Errorf("DiscoveredVMs = %+v, want the two VMs from srv-1", vms)
	}
	failed := d.FailedServerIDs()
	if len(failed) != 1 || failed[0] != "srv-2" {
		t.Errorf("FailedServerIDs = %v, want [srv-2]", failed)
	}
}

func TestDiscovery_TerminalStateForgetsSession(t *testing.T) {
	transport := &fakeTransport{}
	memory := &fakeMemory{}
	d := newTestDiscovery(transport, &fakeDiscoveryAPI{}, memory)

	if err := d.Start(context.Background(), []string{"s1"}); err != nil {
		t.Fatal(err)
	}
	d.HandleEvent(models.StateChangeEvent{State: models.DiscoveryDiscovering})
	d.HandleEvent(models.StateChangeEvent{State: models.DiscoveryCompleted})

	if d.Snapshot().Status != models.DiscoveryCompleted {
		t.Errorf("Status = %s, want completed", d.Snapshot().Status)
	}
	if memory.current() != "" {
		t.Error("terminal session must clear the remembered session id")
	}
	if d.InProgress() {
		t.Error("completed is terminal")
	}
	if d.Connected() {
		t.Error("terminal session must not hold a connection")
	}
	if transport.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", transport.disconnects)
	}
}

func TestDiscovery_RetryFailedStartsNewSession(t *testing.T) {
	transport := &fakeTransport{}
	api := &fakeDiscoveryAPI{}
	d := newTestDiscovery(transport, api, nil)

	d.HandleEvent(models.StatusEvent{State: models.SessionState{
		Status: models.DiscoveryCompleted,
		Results: []models.UnitOutcome{
			{UnitID: "srv-1", Status: "success"},
			{UnitID: "srv-2", Status: "failed"},
			{UnitID: "srv-3", Status: "failed"},
		},
	}})

	if err := d.RetryFailed(context.Background()); err != nil {
		t.Fatalf("RetryFailed returned error: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.startCalls) != 1 {
		t.Fatalf("start calls = %d, want 1", len(api.startCalls))
	}
	got := api.startCalls[0]
	if len(got) != 2 || got[0] != "srv-2" || got[1] != "srv-3" {
		t.Errorf("retry scoped to %v, want [srv-2 srv-3]", got)
	}
	// The new session's progress accounting starts from scratch.
	if d.Snapshot().ProcessedCount != 0 {
		t.Error("retry must not inherit the original session's processed count")
	}
}

func TestDiscovery_RetryFailedWithNoFailures(t *testing.T) {
	d := newTestDiscovery(&fakeTransport{}, nil, nil)
	if err := d.RetryFailed(context.Background()); err == nil {
		t.Error("RetryFailed with no failed units should error")
	}
}

func TestDiscovery_CancelIsRemoteOnly(t *testing.T) {
	transport := &fakeTransport{}
	api := &fakeDiscoveryAPI{}
	d := newTestDiscovery(transport, api, nil)

	if err := d.Start(context.Background(), []string{"s1"}); err != nil {
		t.Fatal(err)
	}
	d.HandleEvent(models.StateChangeEvent{State: models.DiscoveryDiscovering})

	if err := d.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if d.Snapshot().Status != models.DiscoveryDiscovering {
		t.Error("cancel must not mutate local status before confirmation")
	}

	d.HandleEvent(models.StateChangeEvent{State: models.DiscoveryCancelled})
	if d.Snapshot().Status != models.DiscoveryCancelled {
		t.Errorf("Status = %s, want cancelled", d.Snapshot().Status)
	}
}

func TestDiscovery_Recover(t *testing.T) {
	t.Run("active session at 40 percent", func(t *testing.T) {
		transport := &fakeTransport{}
		api := &fakeDiscoveryAPI{active: &models.ActiveDiscoveryResponse{
			Active: true,
			Session: &models.SessionState{
				SessionID:      "disc-4",
				Status:         models.DiscoveryDiscovering,
				Progress:       40,
				ProcessedCount: 2,
				TotalCount:     5,
				Results: []models.UnitOutcome{
					{UnitID: "srv-1", Status: "success", VMs: []models.DiscoveredVM{{ID: "vm-1", Name: "db01"}}},
					{UnitID: "srv-2", Status: "success"},
				},
			},
		}}
		d := newTestDiscovery(transport, api, nil)

		d.Recover(context.Background())

		state := d.Snapshot()
		if state.Status != models.DiscoveryDiscovering {
			t.Errorf("Status = %s, want discovering", state.Status)
		}
		if state.Progress != 40 {
			t.Errorf("Progress = %d, want 40", state.Progress)
		}
		if !d.Connected() {
			t.Error("transport should be connected after recovering an active session")
		}
		if vms := d.DiscoveredVMs(); len(vms) != 1 || vms[0].Name != "db01" {
			t.Errorf("derived VM list = %+v, want recomputed from results", vms)
		}
		frames := transport.sent()
		if len(frames) != 1 || frames[0] != models.FrameJoin {
			t.Errorf("frames = %v, want [join]", frames)
		}
	})

	t.Run("terminal session skips transport", func(t *testing.T) {
		transport := &fakeTransport{}
		api := &fakeDiscoveryAPI{active: &models.ActiveDiscoveryResponse{
			Active:  true,
			Session: &models.SessionState{SessionID: "disc-5", Status: models.DiscoveryCompleted, Progress: 100},
		}}
		d := newTestDiscovery(transport, api, nil)

		d.Recover(context.Background())

		if d.Snapshot().Status != models.DiscoveryCompleted {
			t.Errorf("Status = %s, want completed", d.Snapshot().Status)
		}
		if d.Connected() {
			t.Error("no transport for a terminal session")
		}
	})

	t.Run("no active session", func(t *testing.T) {
		api := &fakeDiscoveryAPI{active: &models.ActiveDiscoveryResponse{Active: false}}
		d := newTestDiscovery(&fakeTransport{}, api, nil)

		d.Recover(context.Background())
		if d.Snapshot().Status != models.DiscoveryIdle {
			t.Errorf("Status = %s, want idle", d.Snapshot().Status)
		}
	})

	t.Run("malformed answer treated as absence", func(t *testing.T) {
		api := &fakeDiscoveryAPI{active: &models.ActiveDiscoveryResponse{Active: true, Session: nil}}
		d := newTestDiscovery(&fakeTransport{}, api, nil)

		d.Recover(context.Background())
		if d.Snapshot().Status != models.DiscoveryIdle {
			t.Errorf("Status = %s, want idle", d.Snapshot().Status)
		}
	})

	t.Run("pull failure treated as absence", func(t *testing.T) {
		api := &fakeDiscoveryAPI{activeErr: errors.New("timeout")}
		d := newTestDiscovery(&fakeTransport{}, api, nil)

		d.Recover(context.Background())
		if d.Snapshot().Status != models.DiscoveryIdle {
			t.Errorf("Status = %s, want idle", d.Snapshot().Status)
		}
	})
}

func TestDiscovery_ResetWhileRunningRejected(t *testing.T) {
	d := newTestDiscovery(&fakeTransport{}, nil, nil)
	d.machine.Set(models.DiscoveryDiscovering)
	if err := d.Reset(); err == nil {
		t.Error("Reset must be rejected while a scan runs")
	}

	d.machine.Set(models.DiscoveryCompleted)
	if err := d.Reset(); err != nil {
		t.Fatalf("Reset from completed returned error: %v", err)
	}
	if d.Snapshot().Status != models.DiscoveryIdle {
		t.Errorf("Status = %s, want idle", d.Snapshot().Status)
	}
}
