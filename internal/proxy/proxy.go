// Package proxy implements the reverse-proxy router that forwards all
// inbound HTTP traffic to whichever local dev server is currently "active".
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/branchmonkey/bridge/internal/models"
)

// hopByHopHeaders are stripped in both directions. The forwarded request
// also drops Host, which Go derives from the target URL.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Router forwards every method and path to a single mutable target port.
// Changing the target is a cheap in-memory swap; changing the listening
// port requires a full listener restart.
type Router struct {
	logger *slog.Logger
	client *http.Client

	mu          sync.Mutex
	server      *http.Server
	running     bool
	port        int
	targetPort  int
	targetRunID string
}

// NewRouter creates a stopped router that will listen on port when started.
func NewRouter(port int, logger *slog.Logger) *Router {
	return &Router{
		logger: logger,
		port:   port,
		client: &http.Client{
			// Dev servers can legitimately take a while on first compile.
			Timeout: 120 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Start begins listening. Idempotent while already running.
func (rt *Router) Start() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.running {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", rt.port))
	if err != nil {
		return fmt.Errorf("proxy listen on %d: %w", rt.port, err)
	}

	rt.server = &http.Server{Handler: rt}
	rt.running = true

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			rt.logger.Error("proxy server error", "error", err)
		}
	}(rt.server)

	rt.logger.Info("proxy started", "port", rt.port)
	return nil
}

// Stop shuts the listener down. Idempotent.
func (rt *Router) Stop() error {
	rt.mu.Lock()
	server := rt.server
	rt.server = nil
	rt.running = false
	rt.mu.Unlock()

	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// SetTarget points the router at a new local port/run-id pair.
func (rt *Router) SetTarget(port int, runID string) {
	rt.mu.Lock()
	rt.targetPort = port
	rt.targetRunID = runID
	rt.mu.Unlock()
	rt.logger.Info("proxy target set", "target_port", port, "run_id", runID)
}

// ClearTarget removes the active target if it matches runID. An empty runID
// clears unconditionally.
func (rt *Router) ClearTarget(runID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if runID != "" && rt.targetRunID != runID {
		return
	}
	rt.targetPort = 0
	rt.targetRunID = ""
}

// SetPort changes the listening port. Requires a stop/start cycle when the
// router is live.
func (rt *Router) SetPort(port int) error {
	rt.mu.Lock()
	wasRunning := rt.running
	samePort := rt.port == port
	rt.mu.Unlock()

	if samePort {
		return nil
	}
	if wasRunning {
		if err := rt.Stop(); err != nil {
			return err
		}
	}

	rt.mu.Lock()
	rt.port = port
	rt.mu.Unlock()

	if wasRunning {
		return rt.Start()
	}
	return nil
}

// Status reports the router's current state.
func (rt *Router) Status() models.ProxyStatus {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	status := models.ProxyStatus{
		Running:     rt.running,
		ProxyPort:   rt.port,
		TargetPort:  rt.targetPort,
		TargetRunID: rt.targetRunID,
	}
	if rt.running {
		status.ProxyURL = fmt.Sprintf("http://localhost:%d", rt.port)
	}
	return status
}

// ActiveRunID returns the run id currently receiving traffic, if any.
func (rt *Router) ActiveRunID() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.targetRunID
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mu.Lock()
	targetPort := rt.targetPort
	rt.mu.Unlock()

	if targetPort == 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"no dev server active"}`)
		return
	}

	targetURL := fmt.Sprintf("http://localhost:%d%s", targetPort, r.URL.RequestURI())
	req, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	for name, values := range r.Header {
		if hopByHopHeaders[http.CanonicalHeaderKey(name)] || http.CanonicalHeaderKey(name) == "Host" {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := rt.client.Do(req)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintf(w, `{"error":"dev server unreachable on port %d"}`, targetPort)
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		if hopByHopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
