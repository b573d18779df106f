// Package tunnel exposes local ports publicly through an external tunneling
// agent. Tunnels are keyed by run id and tracked so teardown is exact.
package tunnel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Provider is the external tunneling service. Connect returns the public URL
// for a local port; Disconnect tears the named tunnel down.
type Provider interface {
	Connect(port int, name string) (string, error)
	Disconnect(name string) error
}

// ErrUnavailable is returned when no tunneling agent is reachable.
var ErrUnavailable = errors.New("tunnel provider unavailable")

// NgrokProvider drives a locally running ngrok agent through its HTTP API
// (default http://127.0.0.1:4040).
type NgrokProvider struct {
	APIURL string
	client *http.Client
}

// NewNgrokProvider returns a provider for the agent at apiURL, or the default
// local agent address when apiURL is empty.
func NewNgrokProvider(apiURL string) *NgrokProvider {
	if apiURL == "" {
		apiURL = "http://127.0.0.1:4040"
	}
	return &NgrokProvider{
		APIURL: apiURL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type ngrokTunnelRequest struct {
	Name  string `json:"name"`
	Addr  string `json:"addr"`
	Proto string `json:"proto"`
}

type ngrokTunnelResponse struct {
	Name      string `json:"name"`
	PublicURL string `json:"public_url"`
}

func (p *NgrokProvider) Connect(port int, name string) (string, error) {
	body, err := json.Marshal(ngrokTunnelRequest{Name: name, Addr: fmt.Sprintf("%d", port), Proto: "http"})
	if err != nil {
		return "", err
	}

	resp, err := p.client.Post(p.APIURL+"/api/tunnels", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("tunnel agent returned %d: %s", resp.StatusCode, msg)
	}

	var tun ngrokTunnelResponse
	if err := json.NewDecoder(resp.Body).Decode(&tun); err != nil {
		return "", fmt.Errorf("decode tunnel response: %w", err)
	}
	return tun.PublicURL, nil
}

func (p *NgrokProvider) Disconnect(name string) error {
	req, err := http.NewRequest(http.MethodDelete, p.APIURL+"/api/tunnels/"+name, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("tunnel agent returned %d", resp.StatusCode)
	}
	return nil
}

// Unavailable is a Provider for hosts without a tunneling agent. Connect
// always fails with ErrUnavailable.
type Unavailable struct{}

func (Unavailable) Connect(port int, name string) (string, error) { return "", ErrUnavailable }
func (Unavailable) Disconnect(name string) error                  { return nil }

// Manager tracks open tunnels by run id on top of a Provider. All operations
// are best-effort: a failed tunnel never fails the dev server it belongs to.
type Manager struct {
	provider Provider
	logger   *slog.Logger

	mu      sync.Mutex
	tunnels map[string]string // run id -> public URL
}

// NewManager creates a tunnel manager over the given provider.
func NewManager(provider Provider, logger *slog.Logger) *Manager {
	return &Manager{
		provider: provider,
		logger:   logger,
		tunnels:  make(map[string]string),
	}
}

// Start opens a tunnel for a run id and returns its public URL, or an empty
// string when the provider is unavailable or fails.
func (m *Manager) Start(port int, runID string) string {
	url, err := m.provider.Connect(port, runID)
	if err != nil {
		m.logger.Warn("tunnel start failed", "run_id", runID, "port", port, "error", err)
		return ""
	}

	m.mu.Lock()
	m.tunnels[runID] = url
	m.mu.Unlock()

	m.logger.Info("tunnel opened", "run_id", runID, "port", port, "url", url)
	return url
}

// Stop closes the tunnel for a run id if one is tracked.
func (m *Manager) Stop(runID string) {
	m.mu.Lock()
	_, ok := m.tunnels[runID]
	delete(m.tunnels, runID)
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := m.provider.Disconnect(runID); err != nil {
		m.logger.Warn("tunnel stop failed", "run_id", runID, "error", err)
		return
	}
	m.logger.Info("tunnel closed", "run_id", runID)
}

// URL returns the tracked public URL for a run id, empty if none.
func (m *Manager) URL(runID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tunnels[runID]
}

// Has reports whether a live tunnel is tracked for a run id.
func (m *Manager) Has(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tunnels[runID]
	return ok
}
