package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rackdesk/rackdesk/internal/models"
	"github.com/rackdesk/rackdesk/internal/validate"
)

// setupStatus is the full setup view: the draft plus wizard bookkeeping.
type setupStatus struct {
	Resources   models.SetupState `json:"resources"`
	CurrentStep string            `json:"currentStep,omitempty"`
	Completed   bool              `json:"completed"`
	Skipped     bool              `json:"skipped"`
}

func (s *Server) GetSetup(w http.ResponseWriter, r *http.Request) {
	status := setupStatus{Resources: s.Graph.Snapshot()}
	if s.Store != nil {
		status.CurrentStep, _ = s.Store.CurrentStep()
		status.Completed, _ = s.Store.Completed()
		status.Skipped, _ = s.Store.Skipped()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) GetResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Graph.Snapshot())
}

func (s *Server) AddResource(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(chi.URLParam(r, "kind"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown resource kind")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	created, err := s.Graph.Add(kind, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) UpdateResource(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(chi.URLParam(r, "kind"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown resource kind")
		return
	}
	id := chi.URLParam(r, "id")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	if err := s.Graph.Update(kind, id, body); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.Graph.Snapshot())
}

func (s *Server) RemoveResource(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(chi.URLParam(r, "kind"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown resource kind")
		return
	}
	// Removal cascades to dependents and is idempotent for unknown ids.
	s.Graph.Remove(kind, chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, s.Graph.Snapshot())
}

func (s *Server) DuplicateResource(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(chi.URLParam(r, "kind"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown resource kind")
		return
	}
	dup := s.Graph.Duplicate(kind, chi.URLParam(r, "id"))
	if dup == nil {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	writeJSON(w, http.StatusCreated, dup)
}

func (s *Server) AddFromTemplate(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(chi.URLParam(r, "kind"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown resource kind")
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	created := s.Graph.AddFromTemplate(kind, req.Name)
	if created == nil {
		writeError(w, http.StatusNotFound, "template not found")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) ImportSetup(w http.ResponseWriter, r *http.Request) {
	var data models.SetupState
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.Graph.ImportBulk(data); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.Graph.Snapshot())
}

func (s *Server) ValidateSetup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CheckConnectivity bool `json:"checkConnectivity"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	resp, err := s.Graph.Validate(r.Context(), req.CheckConnectivity)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) CommitSetup(w http.ResponseWriter, r *http.Request) {
	resp, err := s.Graph.Commit(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) ResetSetup(w http.ResponseWriter, r *http.Request) {
	s.Graph.Reset()
	writeJSON(w, http.StatusOK, s.Graph.Snapshot())
}

func (s *Server) SetStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Step string `json:"step"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.Store.SetCurrentStep(req.Step); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"currentStep": req.Step})
}

func (s *Server) CompleteSetup(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.SetCompleted(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"completed": true})
}

func (s *Server) SkipSetup(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.SetSkipped(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"skipped": true})
}

// CheckUniqueness answers a single field-level uniqueness query. The
// answer is advisory; commit-time validation is authoritative.
func (s *Server) CheckUniqueness(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := validate.Kind(q.Get("kind"))
	switch kind {
	case validate.KindIP, validate.KindRoom, validate.KindUPS, validate.KindServer:
	default:
		writeError(w, http.StatusBadRequest, "unknown check kind")
		return
	}
	result := s.Checker.Check(r.Context(), kind, q.Get("value"), q.Get("currentId"))
	writeJSON(w, http.StatusOK, result)
}
