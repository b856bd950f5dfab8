package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"github.com/gorilla/websocket"

	"polyarb/internal/config"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	provider SnapshotProvider
	cfg      config.Config
	hub      *Hub
	logger   *slog.Logger
}

// NewHandlers creates the handler set backing the dashboard routes.
func NewHandlers(provider SnapshotProvider, cfg config.Config, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		provider: provider,
		cfg:      cfg,
		hub:      hub,
		logger:   logger.With("component", "dashboard-handlers"),
	}
}

// HandleHealth returns a simple liveness response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleSnapshot returns the full dashboard state.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot := BuildSnapshot(h.provider, h.cfg)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		h.logger.Error("encode snapshot", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// HandleWebSocket upgrades the connection, registers the client with the
// hub, and sends it an initial snapshot.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), h.cfg.Dashboard, r.Host)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	evt := DashboardEvent{
		Type: "snapshot",
		Data: BuildSnapshot(h.provider, h.cfg),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("marshal initial snapshot", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("could not queue initial snapshot")
	}
}

// isOriginAllowed applies the dashboard's origin policy: non-browser
// requests (no Origin) and same-host or loopback origins are always fine;
// when an allowlist is configured only its exact entries pass.
func isOriginAllowed(origin string, cfg config.DashboardConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		return slices.Contains(cfg.AllowedOrigins, origin)
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return u.Host == reqHost
}
