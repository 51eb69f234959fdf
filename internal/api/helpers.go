package api

import (
	"encoding/json"
	"net/http"

	"github.com/rackdesk/rackdesk/internal/models"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseKind(s string) (models.ResourceKind, bool) {
	switch models.ResourceKind(s) {
	case models.KindRoom, models.KindUPS, models.KindServer:
		return models.ResourceKind(s), true
	}
	return "", false
}
