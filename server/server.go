// server is the simulation host's network face: a websocket hub with channel
// subscriptions and a small HTTP API for stats and display configuration.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"pacview/protocol"
	"pacview/stats"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// Time allowed for in-flight http requests on shutdown.
const shutdownGrace = 5 * time.Second

// Server serves the websocket endpoint and the http API for one hub.
type Server struct {
	addr     string
	hub      *Hub
	router   *mux.Router
	logger   *slog.Logger
	progress func() protocol.Metrics

	mu      sync.RWMutex
	display protocol.DisplayConfig
}

// NewServer builds the routes. Nothing listens until Serve.
func NewServer(addr string, hub *Hub, opts ...func(*Server)) *Server {
	server := &Server{
		addr:     addr,
		hub:      hub,
		logger:   slog.Default(),
		progress: func() protocol.Metrics { return protocol.Metrics{} },
		display:  protocol.DefaultDisplayConfig(),
	}
	for _, opt := range opts {
		opt(server)
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws", server.serveWebsocket).Methods(http.MethodGet)
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/ws/info", server.serveWebsocketInfo).Methods(http.MethodGet)
	api.HandleFunc("/stats", server.serveStats).Methods(http.MethodGet)
	api.HandleFunc("/visualization/config", server.serveDisplayConfig).Methods(http.MethodGet)
	api.HandleFunc("/visualization/config", server.updateDisplayConfig).Methods(http.MethodPost)
	api.HandleFunc("/broadcast/test", server.broadcastTest).Methods(http.MethodPost)
	server.router = router

	return server
}

func WithLogger(logger *slog.Logger) func(*Server) {
	return func(server *Server) { server.logger = logger }
}

// WithProgress supplies the simulation progress reported by /api/stats.
func WithProgress(fn func() protocol.Metrics) func(*Server) {
	return func(server *Server) { server.progress = fn }
}

// WithDisplayConfig sets the initial display flags.
func WithDisplayConfig(cfg protocol.DisplayConfig) func(*Server) {
	return func(server *Server) { server.display = cfg }
}

// Handler returns the router, e.g. for httptest.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Serve listens until ctx is done, then drops websocket clients and shuts down.
func (server *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              server.addr,
		Handler:           server.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errs := make(chan error, 1)
	go func() {
		server.logger.Info("host listening", "addr", server.addr)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	server.hub.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// serveWebsocket runs one viewer connection until it ends.
func (server *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an http error.
		server.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	cli := server.hub.register(ws)
	defer server.hub.unregister(cli)

	if err := cli.Sync(r.Context()); err != nil {
		server.logger.Warn("client connection ended", "client", cli.id, "err", err)
	}
}

type websocketInfo struct {
	Endpoint     string             `json:"websocket_endpoint"`
	Channels     []protocol.Channel `json:"available_channels"`
	MessageTypes []protocol.Kind    `json:"message_types"`
	Connections  ConnectionStats    `json:"connection_stats"`
}

func (server *Server) serveWebsocketInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, websocketInfo{
		Endpoint: "/ws",
		Channels: protocol.Channels,
		MessageTypes: []protocol.Kind{
			protocol.KindSubscribe,
			protocol.KindUnsubscribe,
			protocol.KindPing,
		},
		Connections: server.hub.ConnectionStats(),
	})
}

type hostStats struct {
	Traffic     stats.Statistics `json:"traffic"`
	Simulation  protocol.Metrics `json:"simulation"`
	Connections ConnectionStats  `json:"connections"`
}

func (server *Server) serveStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hostStats{
		Traffic:     server.hub.Stats(),
		Simulation:  server.progress(),
		Connections: server.hub.ConnectionStats(),
	})
}

// DisplayConfig returns the current display flags.
func (server *Server) DisplayConfig() protocol.DisplayConfig {
	server.mu.RLock()
	defer server.mu.RUnlock()
	return server.display
}

func (server *Server) serveDisplayConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, server.DisplayConfig())
}

// updateDisplayConfig replaces the display flags and notifies every connected viewer.
func (server *Server) updateDisplayConfig(w http.ResponseWriter, r *http.Request) {
	cfg := server.DisplayConfig()
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, fmt.Sprintf("bad config: %v", err), http.StatusBadRequest)
		return
	}
	if err := cfg.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	server.mu.Lock()
	server.display = cfg
	server.mu.Unlock()

	n := server.hub.Broadcast(protocol.VisualizationConfig{Config: cfg})
	server.logger.Info("display config updated", "config", cfg, "notified", n)
	writeJSON(w, http.StatusOK, cfg)
}

type testBroadcast struct {
	Broadcasted  bool   `json:"broadcasted"`
	Message      string `json:"message"`
	ClientsCount int    `json:"clients_count"`
}

// broadcastTest sends a test_message to every client. Viewers log and ignore it.
func (server *Server) broadcastTest(w http.ResponseWriter, r *http.Request) {
	message := r.URL.Query().Get("message")
	if message == "" {
		message = "Test message from API"
	}
	data, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	n := server.hub.Broadcast(protocol.Unknown{Type: "test_message", Data: data})
	writeJSON(w, http.StatusOK, testBroadcast{
		Broadcasted:  true,
		Message:      message,
		ClientsCount: n,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
