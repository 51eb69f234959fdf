package api

import (
	"encoding/json"
	"net/http"

	"github.com/rackdesk/rackdesk/internal/models"
)

// migrationView is the status payload relayed to the UI, both over REST
// and on the session WebSocket.
type migrationView struct {
	State      models.SessionState `json:"state"`
	Connected  bool                `json:"connected"`
	LastError  string              `json:"lastError,omitempty"`
	CanStart   bool                `json:"canStart"`
	CanRestart bool                `json:"canRestart"`
	CanCancel  bool                `json:"canCancel"`
}

type discoveryView struct {
	State           models.SessionState   `json:"state"`
	Connected       bool                  `json:"connected"`
	LastError       string                `json:"lastError,omitempty"`
	CanStart        bool                  `json:"canStart"`
	VMs             []models.DiscoveredVM `json:"vms"`
	FailedServerIDs []string              `json:"failedServerIds"`
}

func (s *Server) migrationView() migrationView {
	return migrationView{
		State:      s.Migration.Snapshot(),
		Connected:  s.Migration.Connected(),
		LastError:  s.Migration.LastError(),
		CanStart:   s.Migration.CanStart(),
		CanRestart: s.Migration.CanRestart(),
		CanCancel:  s.Migration.CanCancel(),
	}
}

func (s *Server) discoveryView() discoveryView {
	return discoveryView{
		State:           s.Discovery.Snapshot(),
		Connected:       s.Discovery.Connected(),
		LastError:       s.Discovery.LastError(),
		CanStart:        s.Discovery.CanStart(),
		VMs:             s.Discovery.DiscoveredVMs(),
		FailedServerIDs: s.Discovery.FailedServerIDs(),
	}
}

func (s *Server) MigrationStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.migrationView())
}

func (s *Server) StartMigration(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&payload)
	}
	if err := s.Migration.Start(r.Context(), payload); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, s.migrationView())
}

func (s *Server) RestartMigration(w http.ResponseWriter, r *http.Request) {
	if err := s.Migration.Restart(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, s.migrationView())
}

func (s *Server) CancelMigration(w http.ResponseWriter, r *http.Request) {
	if err := s.Migration.Cancel(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	// State does not change yet; the confirmation arrives as an event.
	writeJSON(w, http.StatusAccepted, s.migrationView())
}

func (s *Server) ResetMigration(w http.ResponseWriter, r *http.Request) {
	if err := s.Migration.Reset(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.migrationView())
}

func (s *Server) DiscoveryStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.discoveryView())
}

func (s *Server) StartDiscovery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServerIDs []string `json:"serverIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	// An empty list means "scan every VM host".
	if err := s.Discovery.Start(r.Context(), req.ServerIDs); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, s.discoveryView())
}

func (s *Server) RetryDiscovery(w http.ResponseWriter, r *http.Request) {
	if err := s.Discovery.RetryFailed(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, s.discoveryView())
}

func (s *Server) CancelDiscovery(w http.ResponseWriter, r *http.Request) {
	if err := s.Discovery.Cancel(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, s.discoveryView())
}

func (s *Server) ResetDiscovery(w http.ResponseWriter, r *http.Request) {
	if err := s.Discovery.Reset(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.discoveryView())
}
