package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shadowmesh/kaddht/pkg/dht"
	"github.com/shadowmesh/kaddht/pkg/logging"
)

// APIServer exposes a debug/admin HTTP surface over a running
// dht.Controller: peer lookup, value/provider queries, table dump/stats,
// and a websocket feed pushing live stats.
type APIServer struct {
	ctrl       *dht.Controller
	httpServer *http.Server
	upgrader   websocket.Upgrader
	port       int
	startedAt  time.Time
	log        *logging.Logger
}

// NewAPIServer wires an HTTP mux over ctrl, to be served on port once
// Start is called.
func NewAPIServer(port int, ctrl *dht.Controller, log *logging.Logger) *APIServer {
	if log == nil {
		log = logging.GetDefaultLogger()
	}
	server := &APIServer{
		ctrl:      ctrl,
		port:      port,
		startedAt: time.Now(),
		log:       log,
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/peers/lookup", server.handlePeerLookup)
	mux.HandleFunc("/api/peers/", server.handlePeerEndpoint)
	mux.HandleFunc("/api/peers/add", server.handleAddAddress)
	mux.HandleFunc("/api/value/get", server.handleGetValue)
	mux.HandleFunc("/api/value/put", server.handlePutValue)
	mux.HandleFunc("/api/providers/get", server.handleGetProviders)
	mux.HandleFunc("/api/providers/add", server.handleAddProvider)
	mux.HandleFunc("/api/table/dump", server.handleDump)
	mux.HandleFunc("/health", server.handleHealth)
	mux.HandleFunc("/stats", server.handleStats)
	mux.HandleFunc("/stats/ws", server.handleStatsWebsocket)

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server
}

// Start starts the HTTP server, blocking until it stops.
func (s *APIServer) Start() error {
	s.log.Info("starting API server", logging.Fields{"port": s.port})
	return s.httpServer.ListenAndServe()
}

// Stop closes the HTTP server immediately, dropping any open connections.
func (s *APIServer) Stop() error {
	s.log.Info("stopping API server", logging.Fields{})
	return s.httpServer.Close()
}

// handlePeerLookup finds the closest known peers to a target peer ID.
// GET /api/peers/lookup?peer_id=<peer-id>
func (s *APIServer) handlePeerLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	peerID := r.URL.Query().Get("peer_id")
	if peerID == "" {
		s.writeError(w, http.StatusBadRequest, "missing peer_id parameter")
		return
	}

	peers, err := s.ctrl.FindPeer(r.Context(), dht.PeerID(peerID))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"target_peer_id": peerID,
		"count":          len(peers),
		"peers":          peers,
	})
}

// handlePeerEndpoint handles DELETE for a specific peer.
// DELETE /api/peers/<peer-id>
func (s *APIServer) handlePeerEndpoint(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.URL.Path, "/")
	if len(parts) < 4 || parts[3] == "" {
		s.writeError(w, http.StatusBadRequest, "invalid URL path")
		return
	}
	peerID := dht.PeerID(parts[3])

	if r.Method != http.MethodDelete {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := s.ctrl.RemovePeer(r.Context(), peerID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "peer removed"})
}

// handleAddAddress seeds the routing table with a known peer address.
// POST /api/peers/add
// Body: {"peer_id": "...", "addrs": ["/ip4/1.2.3.4/udp/4001"]}
func (s *APIServer) handleAddAddress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		PeerID string   `json:"peer_id"`
		Addrs  []string `json:"addrs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PeerID == "" || len(req.Addrs) == 0 {
		s.writeError(w, http.StatusBadRequest, "peer_id and addrs required")
		return
	}

	if err := s.ctrl.AddAddress(r.Context(), dht.PeerID(req.PeerID), req.Addrs); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleGetValue looks up a value record by key.
// GET /api/value/get?key=<key> (the key string is used as raw bytes)
func (s *APIServer) handleGetValue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeError(w, http.StatusBadRequest, "missing key parameter")
		return
	}

	record, err := s.ctrl.GetValue(r.Context(), []byte(key))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

// handlePutValue stores a value record.
// POST /api/value/put
// Body: {"key": "...", "value": "..."}
func (s *APIServer) handlePutValue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.ctrl.PutValue(r.Context(), []byte(req.Key), []byte(req.Value)); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleGetProviders looks up the providers known for a key.
// GET /api/providers/get?key=<key>
func (s *APIServer) handleGetProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeError(w, http.StatusBadRequest, "missing key parameter")
		return
	}

	providers, err := s.ctrl.FindProviders(r.Context(), []byte(key))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"key": key, "providers": providers})
}

// handleAddProvider announces this node as a provider of a key.
// POST /api/providers/add
// Body: {"key": "...", "addrs": ["/ip4/1.2.3.4/udp/4001"]}
func (s *APIServer) handleAddProvider(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Key   string   `json:"key"`
		Addrs []string `json:"addrs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.ctrl.AddProvider(r.Context(), []byte(req.Key), req.Addrs); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleDump returns the full routing table snapshot.
// GET /api/table/dump
func (s *APIServer) handleDump(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	dump, err := s.ctrl.Dump(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, dump)
}

// handleHealth returns health check status.
// GET /health
func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var tableSize int
	if stats, err := s.ctrl.Stats(r.Context()); err == nil {
		tableSize = stats.TableSize
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"uptime":      time.Since(s.startedAt).String(),
		"total_peers": tableSize,
	})
}

// handleStats returns DHT statistics.
// GET /stats
func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats, err := s.ctrl.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleStatsWebsocket upgrades to a websocket connection and pushes
// Stats as JSON on a fixed interval, grounded on the teacher's
// writeLoop/pingLoop split (shared/networking/transport.go) applied to a
// server-side one-way feed instead of a bidirectional client transport.
func (s *APIServer) handleStatsWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logging.Fields{"error": err.Error()})
		return
	}
	defer conn.Close()

	const pushInterval = 2 * time.Second
	const pingInterval = 20 * time.Second

	pushTicker := time.NewTicker(pushInterval)
	pingTicker := time.NewTicker(pingInterval)
	defer pushTicker.Stop()
	defer pingTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-pushTicker.C:
			stats, err := s.ctrl.Stats(ctx)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(stats); err != nil {
				return
			}

		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				return
			}
		}
	}
}

// writeJSON writes a JSON response.
func (s *APIServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *APIServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{"error": message})
}
