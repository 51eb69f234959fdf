package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rackdesk/rackdesk/internal/models"
	"github.com/rackdesk/rackdesk/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamSession pushes session state to the UI over WebSocket. The store
// bumps its version on every applied event; the relay polls the counter
// and sends a fresh view whenever it moved.
func (s *Server) StreamSession(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")

	var version func() uint64
	var view func() interface{}
	switch namespace {
	case session.NamespaceMigration:
		version = s.Migration.Version
		view = func() interface{} { return s.migrationView() }
	case session.NamespaceDiscovery:
		version = s.Discovery.Version
		view = func() interface{} { return s.discoveryView() }
	default:
		http.Error(w, "unknown session namespace", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Each UI subscriber gets an id so its lifetime can be traced in logs.
	subscriber := uuid.NewString()
	slog.Debug("ui subscriber connected", "namespace", namespace, "subscriber", subscriber)
	defer slog.Debug("ui subscriber disconnected", "namespace", namespace, "subscriber", subscriber)

	// Detect client disconnect; the UI never sends frames here.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func() error {
		frame, err := models.NewFrame("status", view())
		if err != nil {
			return err
		}
		return conn.WriteJSON(frame)
	}

	// Initial snapshot, then deltas as the version moves.
	if err := send(); err != nil {
		return
	}
	last := version()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if v := version(); v != last {
				last = v
				if err := send(); err != nil {
					return
				}
			}
		}
	}
}
