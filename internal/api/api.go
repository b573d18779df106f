// Package api provides the REST surface of the local node: agent session
// control, dev-server supervision, proxy routing, and relay status.
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/branchmonkey/bridge/internal/agent"
	"github.com/branchmonkey/bridge/internal/devserver"
	"github.com/branchmonkey/bridge/internal/models"
	"github.com/branchmonkey/bridge/internal/proxy"
)

// Server provides the REST API handlers.
type Server struct {
	agents     *agent.Manager
	devServers *devserver.Manager
	router     *proxy.Router
	relay      *RelayTracker
	logger     *slog.Logger
	version    string
	startedAt  time.Time
}

// NewServer creates a new API server.
func NewServer(agents *agent.Manager, devServers *devserver.Manager, router *proxy.Router, version string, logger *slog.Logger) *Server {
	return &Server{
		agents:     agents,
		devServers: devServers,
		router:     router,
		relay:      NewRelayTracker(),
		logger:     logger,
		version:    version,
		startedAt:  time.Now().UTC(),
	}
}

// Relay returns the tracker the relay client reports heartbeats into.
func (s *Server) Relay() *RelayTracker { return s.relay }

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/agents", s.createAgent)
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.killAgent)
	mux.HandleFunc("POST /api/agents/{id}/input", s.sendAgentInput)
	mux.HandleFunc("GET /api/agents/{id}/output", s.getAgentOutput)
	mux.HandleFunc("GET /api/agents/{id}/stream", s.streamAgent)

	mux.HandleFunc("POST /api/dev-server", s.startDevServer)
	mux.HandleFunc("GET /api/dev-server", s.listDevServers)
	// Stop accepts both path and query forms of the run id.
	mux.HandleFunc("DELETE /api/dev-server/{runId}", s.stopDevServer)
	mux.HandleFunc("DELETE /api/dev-server", s.stopDevServer)

	mux.HandleFunc("GET /api/dev-proxy", s.proxyStatus)
	mux.HandleFunc("POST /api/dev-proxy", s.setProxyTarget)
	mux.HandleFunc("DELETE /api/dev-proxy", s.clearProxyTarget)
	mux.HandleFunc("PUT /api/dev-proxy/port", s.setProxyPort)

	mux.HandleFunc("GET /api/health", s.health)
	mux.HandleFunc("GET /api/status", s.statusOverview)

	mux.HandleFunc("GET /api/relay/status", s.relayStatus)
	mux.HandleFunc("POST /api/relay/heartbeat", s.relayHeartbeat)
	mux.HandleFunc("POST /api/relay/disconnect", s.relayDisconnect)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAgentError maps agent manager errors onto HTTP statuses.
func writeAgentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agent.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agent.ErrCapacity):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, agent.ErrBusy), errors.Is(err, agent.ErrNoResume):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Agents ---

func (s *Server) createAgent(w http.ResponseWriter, r *http.Request) {
	var spec agent.CreateSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	info, err := s.agents.Create(spec)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.agents.List()})
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	info, err := s.agents.Get(r.PathValue("id"))
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) killAgent(w http.ResponseWriter, r *http.Request) {
	cleanup, _ := strconv.ParseBool(r.URL.Query().Get("cleanup_worktree"))
	if err := s.agents.Kill(r.PathValue("id"), cleanup); err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// imageAttachment carries one inline base64 image with a follow-up message.
type imageAttachment struct {
	Data      string `json:"data"`
	MediaType string `json:"media_type,omitempty"`
}

type agentInputRequest struct {
	Message string            `json:"message"`
	Images  []imageAttachment `json:"images,omitempty"`
}

func (s *Server) sendAgentInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req agentInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Message == "" && len(req.Images) == 0 {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	message := req.Message
	for _, img := range req.Images {
		path, err := saveImageAttachment(img)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid image attachment: %v", err))
			return
		}
		message += fmt.Sprintf("\n\n[Image: %s]", path)
	}

	if err := s.agents.SendInput(id, message); err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// saveImageAttachment decodes a base64 image to a temp file so the agent
// process can read it by path.
func saveImageAttachment(img imageAttachment) (string, error) {
	data, err := base64.StdEncoding.DecodeString(img.Data)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}

	ext := ".png"
	switch img.MediaType {
	case "image/jpeg", "image/jpg":
		ext = ".jpg"
	case "image/gif":
		ext = ".gif"
	case "image/webp":
		ext = ".webp"
	}

	f, err := os.CreateTemp("", "bridge-image-*"+ext)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (s *Server) getAgentOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	output, err := s.agents.Output(id)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	status := models.SessionStatus("")
	if info, err := s.agents.Get(id); err == nil {
		status = info.Status
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"output": output,
		"status": status,
	})
}

// streamAgent replays buffered output and follows live records as
// server-sent events until the session reaches a terminal state.
func (s *Server) streamAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	records, cancel, err := s.agents.Stream(id)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	defer cancel()

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case rec, open := <-records:
			if !open {
				return
			}
			payload, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", rec.Type, payload)
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// --- Dev servers ---

func (s *Server) startDevServer(w http.ResponseWriter, r *http.Request) {
	var spec devserver.StartSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if spec.RunID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}

	result, err := s.devServers.Start(r.Context(), spec)
	if err != nil {
		switch {
		case errors.Is(err, devserver.ErrNoWorktree):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, devserver.ErrNoPorts):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) listDevServers(w http.ResponseWriter, r *http.Request) {
	servers, proxyStatus := s.devServers.List(r.Context())
	if servers == nil {
		servers = []*models.ServerInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"servers": servers,
		"proxy":   proxyStatus,
	})
}

func (s *Server) stopDevServer(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		runID = r.URL.Query().Get("run_id")
	}
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}
	if err := s.devServers.Stop(r.Context(), runID); err != nil {
		if errors.Is(err, devserver.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "runId": runID})
}

// --- Proxy ---

func (s *Server) proxyStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.Status())
}

func (s *Server) setProxyTarget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port  int    `json:"port"`
		RunID string `json:"runId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Port <= 0 {
		writeError(w, http.StatusBadRequest, "port is required")
		return
	}

	if err := s.router.Start(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.router.SetTarget(req.Port, req.RunID)
	writeJSON(w, http.StatusOK, s.router.Status())
}

func (s *Server) clearProxyTarget(w http.ResponseWriter, r *http.Request) {
	s.router.ClearTarget(r.URL.Query().Get("runId"))
	writeJSON(w, http.StatusOK, s.router.Status())
}

func (s *Server) setProxyPort(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port int `json:"port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Port <= 0 {
		writeError(w, http.StatusBadRequest, "port is required")
		return
	}

	if err := s.router.SetPort(req.Port); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.router.Status())
}

// --- Health and status ---

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) statusOverview(w http.ResponseWriter, r *http.Request) {
	agents := s.agents.List()
	running := 0
	for _, a := range agents {
		switch a.Status {
		case models.SessionStatusStarting, models.SessionStatusRunning:
			running++
		}
	}

	servers, proxyStatus := s.devServers.List(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        s.version,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"agents": map[string]int{
			"total":   len(agents),
			"running": running,
		},
		"dev_servers": len(servers),
		"proxy":       proxyStatus,
		"relay":       s.relay.Status(),
	})
}

// --- Relay ---

func (s *Server) relayStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.Status())
}

func (s *Server) relayHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MachineID   string `json:"machine_id"`
		MachineName string `json:"machine_name"`
		CloudURL    string `json:"cloud_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	s.relay.Heartbeat(req.MachineID, req.MachineName, req.CloudURL)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) relayDisconnect(w http.ResponseWriter, r *http.Request) {
	s.relay.Disconnect()
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}
