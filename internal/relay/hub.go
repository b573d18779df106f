package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// registerDeadline bounds how long a fresh websocket may sit silent before
// sending its registration envelope.
const registerDeadline = 10 * time.Second

// TokenValidator resolves an access token to the owning user id.
type TokenValidator func(token string) (userID string, err error)

// Hub terminates websocket connections from local nodes and exposes the
// forwarding surface callers use to reach them.
type Hub struct {
	manager  *Manager
	validate TokenValidator
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHub creates a hub over a relay manager.
func NewHub(manager *Manager, validate TokenValidator, logger *slog.Logger) *Hub {
	return &Hub{
		manager:  manager,
		validate: validate,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Nodes connect from anywhere; auth happens via token.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Manager returns the underlying relay manager.
func (h *Hub) Manager() *Manager { return h.manager }

// ServeWS upgrades a node connection. The first envelope must be a
// registration carrying a valid token; anything else closes the socket.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	_ = ws.SetReadDeadline(time.Now().Add(registerDeadline))
	var reg Envelope
	if err := ws.ReadJSON(&reg); err != nil || reg.Type != TypeRegister {
		_ = ws.WriteJSON(Envelope{Type: TypeError, Reason: "expected registration"})
		_ = ws.Close()
		return
	}

	// Token and display name may ride on the connection URL instead of the
	// registration envelope.
	if reg.Token == "" {
		reg.Token = r.URL.Query().Get("token")
	}
	if reg.MachineName == "" {
		reg.MachineName = r.URL.Query().Get("name")
	}

	userID, err := h.validate(reg.Token)
	if err != nil {
		h.logger.Warn("relay registration rejected", "machine_id", reg.MachineID, "error", err)
		_ = ws.WriteJSON(Envelope{Type: TypeError, Status: http.StatusUnauthorized, Reason: "invalid token"})
		_ = ws.Close()
		return
	}

	_ = ws.SetReadDeadline(time.Time{})
	conn := h.manager.Register(ws, userID, reg.MachineID, reg.MachineName, reg.Capabilities)
	if err := ws.WriteJSON(Envelope{Type: TypeConnected, MachineID: reg.MachineID}); err != nil {
		h.manager.Unregister(conn)
		_ = ws.Close()
		return
	}

	for {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			break
		}
		h.manager.HandleMessage(reg.MachineID, env)
	}

	h.manager.Unregister(conn)
	_ = ws.Close()
}

// forwardRequest is the REST body for relaying one call to a machine.
type forwardRequest struct {
	MachineID string          `json:"machine_id"`
	Method    string          `json:"method"`
	Path      string          `json:"path"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// HandleForward relays one request/response RPC to a node.
// POST /api/relay/forward
func (h *Hub) HandleForward(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var req forwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeHubError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	body, err := h.manager.SendRequest(r.Context(), userID, req.MachineID, req.Method, req.Path, req.Body, nil)
	if err != nil {
		switch {
		case strings.Contains(err.Error(), ErrNoConnection.Error()):
			writeHubError(w, http.StatusBadGateway, err.Error())
		case strings.Contains(err.Error(), ErrTimeout.Error()):
			writeHubError(w, http.StatusGatewayTimeout, err.Error())
		default:
			writeHubError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	_, _ = w.Write(body)
}

// HandleStream relays a streaming request and forwards its events as
// server-sent events until the stream ends or the caller disconnects.
// POST /api/relay/stream
func (h *Hub) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var req forwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeHubError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	_, ch, cancel, err := h.manager.StartStream(userID, req.MachineID, req.Method, req.Path, req.Body)
	if err != nil {
		writeHubError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer cancel()

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case env, open := <-ch:
			if !open {
				return
			}
			payload, _ := json.Marshal(env)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			if canFlush {
				flusher.Flush()
			}
			if env.Type == TypeStreamEnd {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// HandleConnections lists the caller's live machine connections.
// GET /api/relay/connections
func (h *Hub) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	infos := h.manager.Connections(userID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"connections": infos})
}

// HandleDisconnect tells a machine to drop its relay link.
// POST /api/relay/disconnect
func (h *Hub) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var req struct {
		MachineID string `json:"machine_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MachineID == "" {
		writeHubError(w, http.StatusBadRequest, "machine_id required")
		return
	}
	if _, err := h.manager.Connection(userID, req.MachineID); err != nil {
		writeHubError(w, http.StatusNotFound, err.Error())
		return
	}

	h.manager.SendDisconnect(req.MachineID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "disconnect_sent"})
}

// Routes registers the hub's HTTP surface on a mux.
func (h *Hub) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/relay", h.ServeWS)
	mux.HandleFunc("POST /api/relay/forward", h.HandleForward)
	mux.HandleFunc("POST /api/relay/stream", h.HandleStream)
	mux.HandleFunc("GET /api/relay/connections", h.HandleConnections)
	mux.HandleFunc("POST /api/relay/disconnect", h.HandleDisconnect)
}

func (h *Hub) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	userID, err := h.validate(token)
	if err != nil {
		writeHubError(w, http.StatusUnauthorized, "invalid token")
		return "", false
	}
	return userID, true
}

func writeHubError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
