// Package api serves the read-only web dashboard: a JSON snapshot of engine
// state over HTTP and a WebSocket stream relaying every engine event to
// connected browsers.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"polyarb/internal/config"
	"polyarb/internal/events"
)

// Server runs the HTTP/WebSocket dashboard.
type Server struct {
	cfg      config.DashboardConfig
	provider SnapshotProvider
	emitter  *events.Emitter
	fullCfg  config.Config
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger

	cancelSub func()
}

// NewServer wires the dashboard routes. Nothing listens until Start.
func NewServer(
	cfg config.DashboardConfig,
	provider SnapshotProvider,
	emitter *events.Emitter,
	fullCfg config.Config,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, fullCfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	mux.Handle("/", http.FileServer(http.Dir("web")))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		provider: provider,
		emitter:  emitter,
		fullCfg:  fullCfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "dashboard"),
	}
}

// Start runs the hub, bridges the engine's event stream to it, and serves
// until Stop. Blocks; run it in a goroutine.
func (s *Server) Start() error {
	go s.hub.Run()

	ch, cancel := s.emitter.Subscribe(256)
	s.cancelSub = cancel
	go s.relayEvents(ch)

	s.logger.Info("dashboard listening", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Stop drains the server, the event bridge, and the hub.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard")

	if s.cancelSub != nil {
		s.cancelSub()
	}
	s.hub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// relayEvents pushes every engine event to the dashboard clients. Returns
// when the emitter subscription is cancelled.
func (s *Server) relayEvents(ch <-chan events.Event) {
	for ev := range ch {
		s.hub.BroadcastEvent(fromEmitter(ev))
	}
}
