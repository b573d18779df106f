package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// Dialer opens the websocket transport to the hub. Satisfied by a wrapper
// over websocket.DefaultDialer and by test fakes.
type Dialer func(ctx context.Context, wsURL string) (Conn, ReadConn, error)

// ReadConn is the receive side of the client transport.
type ReadConn interface {
	ReadJSON(v any) error
}

const (
	initialBackoff    = time.Second
	maxBackoff        = 60 * time.Second
	heartbeatInterval = 25 * time.Second
	localTimeout      = 120 * time.Second
)

// errDisconnectRequested stops the reconnect loop after the hub asks the
// node to drop its link.
var errDisconnectRequested = errors.New("disconnect requested by hub")

// ClientConfig configures the node-side relay client.
type ClientConfig struct {
	CloudURL     string
	LocalPort    int
	MachineName  string
	TokenPath    string
	Capabilities map[string]any
}

// Client maintains one persistent connection from a local node to the cloud
// hub, executes relayed requests against the local HTTP API, and reconnects
// with backoff until stopped.
type Client struct {
	cfg       ClientConfig
	logger    *slog.Logger
	store     *TokenStore
	local     *http.Client
	dial      Dialer
	machineID string

	backoffMin time.Duration
	backoffMax time.Duration

	mu        sync.Mutex
	writeMu   sync.Mutex
	ws        Conn
	connected bool
}

// NewClient creates a relay client. The machine id is stable for the life
// of the process.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.LocalPort == 0 {
		cfg.LocalPort = 18081
	}
	if cfg.MachineName == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		cfg.MachineName = host
	}
	return &Client{
		cfg:        cfg,
		logger:     logger,
		store:      NewTokenStore(cfg.TokenPath),
		local:      &http.Client{Timeout: localTimeout},
		dial:       gorillaDial,
		machineID:  fmt.Sprintf("%s-%d", cfg.MachineName, os.Getpid()),
		backoffMin: initialBackoff,
		backoffMax: maxBackoff,
	}
}

// MachineID returns the identity this client registers under.
func (c *Client) MachineID() string { return c.machineID }

// Run connects and keeps reconnecting with exponential backoff until the
// context is cancelled or the hub requests a disconnect.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.backoffMin

	for {
		err := c.runOnce(ctx)
		switch {
		case errors.Is(err, errDisconnectRequested):
			c.logger.Info("relay link closed on hub request")
			c.notifyDisconnect(ctx)
			return nil
		case ctx.Err() != nil:
			c.notifyDisconnect(context.Background())
			return ctx.Err()
		}

		// A successful registration resets the backoff before the very next
		// retry, not one cycle late.
		if c.wasConnected() {
			backoff = c.backoffMin
		}
		if err != nil {
			c.logger.Warn("relay connection lost", "error", err, "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
			c.notifyDisconnect(context.Background())
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.backoffMax)
	}
}

// runOnce performs one authenticate/dial/serve cycle.
func (c *Client) runOnce(ctx context.Context) error {
	tok, err := c.authenticate(ctx)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	dialURL := fmt.Sprintf("%s?token=%s&name=%s",
		wsURL(c.cfg.CloudURL), url.QueryEscape(tok.AccessToken), url.QueryEscape(c.cfg.MachineName))
	ws, reader, err := c.dial(ctx, dialURL)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}
	defer ws.Close()

	register := Envelope{
		Type:         TypeRegister,
		Token:        tok.AccessToken,
		MachineID:    c.machineID,
		MachineName:  c.cfg.MachineName,
		Capabilities: c.cfg.Capabilities,
	}
	if err := ws.WriteJSON(register); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	var reply Envelope
	if err := reader.ReadJSON(&reply); err != nil {
		return fmt.Errorf("read registration reply: %w", err)
	}
	switch reply.Type {
	case TypeConnected:
	case TypeError:
		if reply.Status == http.StatusUnauthorized {
			// Cached token went bad; force a fresh device flow next cycle.
			_ = c.store.Clear()
		}
		return fmt.Errorf("registration rejected: %s", reply.Reason)
	default:
		return fmt.Errorf("unexpected registration reply type %q", reply.Type)
	}

	c.setConn(ws, true)
	defer c.setConn(nil, false)
	c.logger.Info("relay connected", "cloud_url", c.cfg.CloudURL, "machine_id", c.machineID)

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go c.heartbeatLoop(hbCtx)

	return c.serve(ctx, reader)
}

// serve handles inbound envelopes until the transport fails or the hub
// requests a disconnect.
func (c *Client) serve(ctx context.Context, reader ReadConn) error {
	for {
		var env Envelope
		if err := reader.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read envelope: %w", err)
		}

		switch env.Type {
		case TypeRequest:
			go c.handleRequest(ctx, env)
		case TypeStreamRequest:
			go c.handleStreamRequest(ctx, env)
		case TypePing:
			c.sendEnvelope(Envelope{Type: TypePong})
		case TypeDisconnect:
			return errDisconnectRequested
		default:
			c.logger.Warn("unhandled relay envelope", "type", env.Type)
		}
	}
}

// handleRequest executes one RPC against the local API and sends the
// correlated response.
func (c *Client) handleRequest(ctx context.Context, env Envelope) {
	status, body, err := c.executeLocal(ctx, env)
	if err != nil {
		msg, _ := json.Marshal(map[string]string{"error": err.Error()})
		c.sendEnvelope(Envelope{Type: TypeResponse, ID: env.ID, Status: http.StatusBadGateway, Body: msg})
		return
	}
	c.sendEnvelope(Envelope{Type: TypeResponse, ID: env.ID, Status: status, Body: body})
}

// handleStreamRequest executes a streaming RPC and forwards each
// server-sent event as a stream envelope, terminated by exactly one
// stream_end.
func (c *Client) handleStreamRequest(ctx context.Context, env Envelope) {
	req, err := c.localRequest(ctx, env)
	if err != nil {
		c.sendEnvelope(Envelope{Type: TypeStreamEnd, ID: env.ID, Reason: err.Error()})
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.local.Do(req)
	if err != nil {
		c.sendEnvelope(Envelope{Type: TypeStreamEnd, ID: env.ID, Reason: err.Error()})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.sendEnvelope(Envelope{Type: TypeStreamEnd, ID: env.ID, Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, body)})
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(line, "data:")
			data = strings.TrimPrefix(data, " ")
			c.sendEnvelope(Envelope{Type: TypeStream, ID: env.ID, Event: event, Data: data})
			event = ""
		}
	}
	c.sendEnvelope(Envelope{Type: TypeStreamEnd, ID: env.ID, Reason: "completed"})
}

// executeLocal runs one request against the local node API.
func (c *Client) executeLocal(ctx context.Context, env Envelope) (int, json.RawMessage, error) {
	req, err := c.localRequest(ctx, env)
	if err != nil {
		return 0, nil, err
	}

	resp, err := c.local.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("local request %s %s: %w", env.Method, env.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return 0, nil, fmt.Errorf("read local response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) localRequest(ctx context.Context, env Envelope) (*http.Request, error) {
	method := env.Method
	if method == "" {
		method = http.MethodGet
	}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", c.cfg.LocalPort, env.Path)

	var body io.Reader
	if len(env.Body) > 0 {
		body = bytes.NewReader(env.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range env.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// heartbeatLoop reports the live link to the local node so its status
// endpoint reflects relay health.
func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	c.postHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.postHeartbeat(ctx)
		}
	}
}

func (c *Client) postHeartbeat(ctx context.Context) {
	payload, _ := json.Marshal(map[string]string{
		"machine_id":   c.machineID,
		"machine_name": c.cfg.MachineName,
		"cloud_url":    c.cfg.CloudURL,
	})
	url := fmt.Sprintf("http://127.0.0.1:%d/api/relay/heartbeat", c.cfg.LocalPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.local.Do(req)
	if err != nil {
		c.logger.Debug("relay heartbeat post failed", "error", err)
		return
	}
	resp.Body.Close()
}

// notifyDisconnect tells the local node the link is gone.
func (c *Client) notifyDisconnect(ctx context.Context) {
	url := fmt.Sprintf("http://127.0.0.1:%d/api/relay/disconnect", c.cfg.LocalPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader("{}"))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.local.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// authenticate returns the cached token or runs the device flow.
func (c *Client) authenticate(ctx context.Context) (*Token, error) {
	tok, err := c.store.Load(c.cfg.CloudURL)
	if err != nil {
		c.logger.Warn("token cache unreadable", "error", err)
	}
	if tok != nil {
		return tok, nil
	}

	auth := NewDeviceAuth(c.cfg.CloudURL)
	auth.Prompt = func(userCode, verificationURI string) {
		c.logger.Info("relay authorization required", "code", userCode, "url", verificationURI)
		fmt.Fprintf(os.Stderr, "\nTo link this machine, visit %s and enter code %s\n\n", verificationURI, userCode)
	}
	tok, err = auth.Authorize(ctx, c.cfg.MachineName)
	if err != nil {
		return nil, err
	}
	tok.MachineID = c.machineID
	tok.MachineName = c.cfg.MachineName
	if err := c.store.Save(tok); err != nil {
		c.logger.Warn("token cache write failed", "error", err)
	}
	return tok, nil
}

func (c *Client) sendEnvelope(env Envelope) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}
	c.writeMu.Lock()
	err := ws.WriteJSON(env)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn("relay send failed", "type", env.Type, "error", err)
	}
}

func (c *Client) setConn(ws Conn, connected bool) {
	c.mu.Lock()
	c.ws = ws
	if connected {
		c.connected = true
	}
	c.mu.Unlock()
}

// wasConnected reports whether the previous cycle registered successfully,
// and resets the flag.
func (c *Client) wasConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.connected
	c.connected = false
	return was
}

// wsURL converts an http(s) endpoint to its websocket equivalent.
func wsURL(cloudURL string) string {
	u := strings.TrimSuffix(cloudURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws/relay"
}
