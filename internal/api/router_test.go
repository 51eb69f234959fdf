package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rackdesk/rackdesk/internal/draft"
	"github.com/rackdesk/rackdesk/internal/models"
	"github.com/rackdesk/rackdesk/internal/session"
	"github.com/rackdesk/rackdesk/internal/validate"
)

type fakeBackend struct {
	validateResp *models.ValidationResponse
	commitResp   *models.BulkCreateResponse
}

func (f *fakeBackend) ValidateSetup(ctx context.Context, req models.BulkCreateRequest, checkConnectivity bool) (*models.ValidationResponse, error) {
	if f.validateResp != nil {
		return f.validateResp, nil
	}
	return &models.ValidationResponse{Valid: true}, nil
}

func (f *fakeBackend) BulkCreate(ctx context.Context, req models.BulkCreateRequest) (*models.BulkCreateResponse, error) {
	if f.commitResp != nil {
		return f.commitResp, nil
	}
	return &models.BulkCreateResponse{Success: true}, nil
}

type fakeUniquenessAPI struct {
	exists bool
}

func (f *fakeUniquenessAPI) CheckIP(ctx context.Context, value string) (*models.UniquenessResult, error) {
	return &models.UniquenessResult{Exists: f.exists, ConflictsWith: value}, nil
}

func (f *fakeUniquenessAPI) CheckName(ctx context.Context, kind, value string) (*models.UniquenessResult, error) {
	return &models.UniquenessResult{Exists: f.exists, ConflictsWith: value}, nil
}

type fakeSessionAPI struct{}

func (fakeSessionAPI) MigrationStatus(ctx context.Context) (*models.SessionState, error) {
	return &models.SessionState{Status: models.MigrationIdle}, nil
}

func (fakeSessionAPI) ActiveDiscovery(ctx context.Context) (*models.ActiveDiscoveryResponse, error) {
	return &models.ActiveDiscoveryResponse{}, nil
}

func (fakeSessionAPI) StartDiscovery(ctx context.Context, serverIDs []string) (*models.StartDiscoveryResponse, error) {
	return &models.StartDiscoveryResponse{SessionID: "disc-1", ServerCount: len(serverIDs)}, nil
}

func (fakeSessionAPI) CancelDiscovery(ctx context.Context, sessionID string) error { return nil }

type nullTransport struct{}

func (nullTransport) Connect(ctx context.Context) error         { return nil }
func (nullTransport) Send(event string, data interface{}) error { return nil }
func (nullTransport) Disconnect()                               {}

func nullFactory(namespace string, onEvent func(models.Event), onConnError func(error)) session.Transport {
	return nullTransport{}
}

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	graph := draft.NewGraph(&fakeBackend{}, nil, nil)
	checker := validate.NewChecker(&fakeUniquenessAPI{}, graph, nil)
	t.Cleanup(checker.Stop)
	s := &Server{
		Graph:     graph,
		Checker:   checker,
		Migration: session.NewMigration(fakeSessionAPI{}, nullFactory, nil),
		Discovery: session.NewDiscovery(fakeSessionAPI{}, nullFactory, nil, nil),
	}
	return s, NewRouter(s)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAddAndListResources(t *testing.T) {
	_, h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/setup/resources/room", map[string]string{"name": "Server Room A"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var room models.Room
	if err := json.Unmarshal(rec.Body.Bytes(), &room); err != nil {
		t.Fatalf("decoding created room: %v", err)
	}
	if room.TempID == "" || room.Name != "Server Room A" {
		t.Errorf("created room = %+v", room)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/setup/resources", nil)
	var state models.SetupState
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	if len(state.Rooms) != 1 {
		t.Errorf("rooms = %d, want 1", len(state.Rooms))
	}
}

func TestAddResource_UnknownKind(t *testing.T) {
	_, h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/api/setup/resources/switch", map[string]string{"name": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRemoveRoomCascades(t *testing.T) {
	_, h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/setup/resources/room", map[string]string{"name": "R1"})
	var room models.Room
	json.Unmarshal(rec.Body.Bytes(), &room)

	doJSON(t, h, http.MethodPost, "/api/setup/resources/server",
		map[string]string{"name": "S1", "roomId": room.TempID})

	rec = doJSON(t, h, http.MethodDelete, fmt.Sprintf("/api/setup/resources/room/%s", room.TempID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var state models.SetupState
	json.Unmarshal(rec.Body.Bytes(), &state)
	if len(state.Rooms) != 0 || len(state.Servers) != 0 {
		t.Errorf("cascade left rooms=%d servers=%d", len(state.Rooms), len(state.Servers))
	}
}

func TestDuplicateResource_NotFound(t *testing.T) {
	_, h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/api/setup/resources/room/tmp-missing/duplicate", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestValidateAndCommit(t *testing.T) {
	_, h := newTestServer(t)
	doJSON(t, h, http.MethodPost, "/api/setup/resources/room", map[string]string{"name": "R1"})

	rec := doJSON(t, h, http.MethodPost, "/api/setup/validate", map[string]bool{"checkConnectivity": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("validate status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/setup/commit", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("commit status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// Draft is cleared after a successful commit.
	rec = doJSON(t, h, http.MethodGet, "/api/setup/resources", nil)
	var state models.SetupState
	json.Unmarshal(rec.Body.Bytes(), &state)
	if len(state.Rooms) != 0 {
		t.Errorf("rooms after commit = %d, want 0", len(state.Rooms))
	}
}

func TestCheckUniqueness(t *testing.T) {
	_, h := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/api/validation/check?kind=ip&value=10.0.0.1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var res validate.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if !res.IsValid {
		t.Errorf("result = %+v, want valid", res)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/validation/check?kind=bogus&value=x", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for unknown kind", rec.Code)
	}
}

func TestMigrationStatusAndGuards(t *testing.T) {
	_, h := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/api/migration", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var view migrationView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decoding view: %v", err)
	}
	if view.State.Status != models.MigrationIdle || !view.CanStart {
		t.Errorf("view = %+v", view)
	}

	// Restart is only legal from a resumable state.
	rec = doJSON(t, h, http.MethodPost, "/api/migration/restart", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("restart from idle: status = %d, want 409", rec.Code)
	}
}

func TestStartDiscovery(t *testing.T) {
	_, h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/api/discovery/start", map[string][]string{"serverIds": {"srv-1", "srv-2"}})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var view discoveryView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decoding view: %v", err)
	}
	if view.State.Status != models.DiscoveryStarting {
		t.Errorf("status = %s, want starting", view.State.Status)
	}
}
