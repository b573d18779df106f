package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrNoConnection is returned when no live connection exists for a
	// machine id.
	ErrNoConnection = errors.New("no relay connection for machine")
	// ErrSuperseded fails pending requests when a newer registration for
	// the same machine id replaces the connection.
	ErrSuperseded = errors.New("relay connection replaced")
	// ErrClosed fails pending requests when the transport closes.
	ErrClosed = errors.New("relay connection closed")
	// ErrTimeout is returned when a request's result slot is never filled.
	ErrTimeout = errors.New("relay request timed out")
)

// DefaultRequestTimeout bounds how long a relayed request may stay pending.
const DefaultRequestTimeout = 60 * time.Second

// streamBuffer is the per-listener channel capacity for stream fanout.
const streamBuffer = 256

// Conn is the transport the manager writes envelopes to. Satisfied by
// *websocket.Conn and by test fakes.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// result is a single-assignment slot fulfilled exactly once per request.
type result struct {
	body json.RawMessage
	err  error
}

// Connection is one authenticated duplex link from a local node.
type Connection struct {
	UserID       string
	MachineID    string
	MachineName  string
	Capabilities map[string]any
	ConnectedAt  time.Time

	conn    Conn
	writeMu sync.Mutex

	mu            sync.Mutex
	lastHeartbeat time.Time
	pending       map[string]chan result
	streams       map[string]map[chan Envelope]struct{}
}

func (c *Connection) send(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

// LastHeartbeat returns the time of the most recent pong.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// failPending fulfils every outstanding result slot with err.
func (c *Connection) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, slot := range c.pending {
		select {
		case slot <- result{err: err}:
		default:
		}
		delete(c.pending, id)
	}
}

// endStreams delivers a terminal disconnected event to every stream
// listener and clears the stream table.
func (c *Connection) endStreams() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for streamID, listeners := range c.streams {
		terminal := Envelope{Type: TypeStreamEnd, ID: streamID, Reason: "disconnected"}
		for ch := range listeners {
			deliver(ch, terminal)
		}
	}
	c.streams = make(map[string]map[chan Envelope]struct{})
}

// deliver pushes an envelope without blocking, dropping the oldest queued
// event when the listener is full.
func deliver(ch chan Envelope, env Envelope) {
	select {
	case ch <- env:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- env:
	default:
	}
}

// ConnectionInfo is the API view of one relay connection.
type ConnectionInfo struct {
	MachineID       string         `json:"machine_id"`
	MachineName     string         `json:"machine_name"`
	ConnectedAt     time.Time      `json:"connected_at"`
	LastHeartbeat   time.Time      `json:"last_heartbeat"`
	Capabilities    map[string]any `json:"capabilities"`
	ActiveStreams   int            `json:"active_streams"`
	PendingRequests int            `json:"pending_requests"`
}

// Manager owns all relay connections on the hub side: registration with
// supersession, request correlation, and stream fanout.
type Manager struct {
	logger  *slog.Logger
	timeout time.Duration

	mu            sync.Mutex
	connections   map[string]map[string]*Connection // user id -> machine id
	machineToUser map[string]string
}

// NewManager creates a hub-side relay manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:        logger,
		timeout:       DefaultRequestTimeout,
		connections:   make(map[string]map[string]*Connection),
		machineToUser: make(map[string]string),
	}
}

// Register tracks a new connection. A second registration for the same
// machine id supersedes the old one: its pending requests fail, its stream
// listeners get a terminal disconnected event, and its transport is closed.
func (m *Manager) Register(conn Conn, userID, machineID, machineName string, capabilities map[string]any) *Connection {
	c := &Connection{
		UserID:        userID,
		MachineID:     machineID,
		MachineName:   machineName,
		Capabilities:  capabilities,
		ConnectedAt:   time.Now().UTC(),
		conn:          conn,
		lastHeartbeat: time.Now().UTC(),
		pending:       make(map[string]chan result),
		streams:       make(map[string]map[chan Envelope]struct{}),
	}

	m.mu.Lock()
	old := m.connections[userID][machineID]
	if m.connections[userID] == nil {
		m.connections[userID] = make(map[string]*Connection)
	}
	m.connections[userID][machineID] = c
	m.machineToUser[machineID] = userID
	m.mu.Unlock()

	if old != nil {
		old.failPending(ErrSuperseded)
		old.endStreams()
		_ = old.conn.Close()
	}

	m.logger.Info("relay connection registered", "user_id", userID, "machine_id", machineID, "machine_name", machineName)
	return c
}

// Unregister drops a connection: every pending request fails and every
// stream listener receives a terminal disconnected event. A stale handle
// that was already superseded is ignored.
func (m *Manager) Unregister(c *Connection) {
	m.mu.Lock()
	current, ok := m.connections[c.UserID][c.MachineID]
	if !ok || current != c {
		m.mu.Unlock()
		return
	}
	delete(m.connections[c.UserID], c.MachineID)
	if len(m.connections[c.UserID]) == 0 {
		delete(m.connections, c.UserID)
	}
	delete(m.machineToUser, c.MachineID)
	m.mu.Unlock()

	c.failPending(ErrClosed)
	c.endStreams()
	m.logger.Info("relay connection unregistered", "machine_id", c.MachineID)
}

// Connection returns the live connection for a user/machine pair.
func (m *Manager) Connection(userID, machineID string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[userID][machineID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoConnection, machineID)
	}
	return c, nil
}

// Connections lists a user's live connections.
func (m *Manager) Connections(userID string) []ConnectionInfo {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections[userID]))
	for _, c := range m.connections[userID] {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	infos := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		c.mu.Lock()
		infos = append(infos, ConnectionInfo{
			MachineID:       c.MachineID,
			MachineName:     c.MachineName,
			ConnectedAt:     c.ConnectedAt,
			LastHeartbeat:   c.lastHeartbeat,
			Capabilities:    c.Capabilities,
			ActiveStreams:   len(c.streams),
			PendingRequests: len(c.pending),
		})
		c.mu.Unlock()
	}
	return infos
}

// SendRequest forwards one RPC to a machine and waits for the correlated
// response. The pending slot is removed on every exit path.
func (m *Manager) SendRequest(ctx context.Context, userID, machineID, method, path string, body json.RawMessage, headers map[string]string) (json.RawMessage, error) {
	c, err := m.Connection(userID, machineID)
	if err != nil {
		return nil, err
	}

	requestID := ulid.Make().String()
	slot := make(chan result, 1)

	c.mu.Lock()
	c.pending[requestID] = slot
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	env := Envelope{
		Type:    TypeRequest,
		ID:      requestID,
		Method:  method,
		Path:    path,
		Body:    body,
		Headers: headers,
	}
	if err := c.send(env); err != nil {
		return nil, fmt.Errorf("send relay request: %w", err)
	}

	m.logger.Debug("relay request sent", "machine_id", machineID, "method", method, "path", path, "id", requestID)

	select {
	case res := <-slot:
		return res.body, res.err
	case <-time.After(m.timeout):
		return nil, fmt.Errorf("%w after %s", ErrTimeout, m.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StartStream forwards a streaming request and returns the stream id plus a
// listener channel. The channel receives stream events and exactly one
// terminal stream_end, after which it stays registered until cancel.
func (m *Manager) StartStream(userID, machineID, method, path string, body json.RawMessage) (string, <-chan Envelope, func(), error) {
	c, err := m.Connection(userID, machineID)
	if err != nil {
		return "", nil, nil, err
	}

	streamID := ulid.Make().String()
	ch := make(chan Envelope, streamBuffer)

	c.mu.Lock()
	c.streams[streamID] = map[chan Envelope]struct{}{ch: {}}
	c.mu.Unlock()

	env := Envelope{
		Type:   TypeStreamRequest,
		ID:     streamID,
		Method: method,
		Path:   path,
		Body:   body,
	}
	if err := c.send(env); err != nil {
		c.mu.Lock()
		delete(c.streams, streamID)
		c.mu.Unlock()
		return "", nil, nil, fmt.Errorf("send stream request: %w", err)
	}

	cancel := func() { m.removeStreamListener(c, streamID, ch) }
	m.logger.Debug("relay stream started", "machine_id", machineID, "path", path, "id", streamID)
	return streamID, ch, cancel, nil
}

// AddStreamListener attaches another listener to an existing stream.
func (m *Manager) AddStreamListener(userID, machineID, streamID string) (<-chan Envelope, func(), error) {
	c, err := m.Connection(userID, machineID)
	if err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	listeners, ok := c.streams[streamID]
	if !ok {
		return nil, nil, fmt.Errorf("stream %s not active", streamID)
	}

	ch := make(chan Envelope, streamBuffer)
	listeners[ch] = struct{}{}
	return ch, func() { m.removeStreamListener(c, streamID, ch) }, nil
}

func (m *Manager) removeStreamListener(c *Connection, streamID string, ch chan Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	listeners, ok := c.streams[streamID]
	if !ok {
		return
	}
	delete(listeners, ch)
	if len(listeners) == 0 {
		delete(c.streams, streamID)
	}
}

// HandleMessage dispatches one inbound envelope from a machine.
func (m *Manager) HandleMessage(machineID string, env Envelope) {
	m.mu.Lock()
	userID, ok := m.machineToUser[machineID]
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("message from unknown machine", "machine_id", machineID)
		return
	}

	c, err := m.Connection(userID, machineID)
	if err != nil {
		return
	}

	switch env.Type {
	case TypeResponse:
		c.mu.Lock()
		slot, ok := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.mu.Unlock()
		if !ok {
			return
		}
		res := result{body: env.Body}
		if env.Status >= 400 {
			res = result{err: fmt.Errorf("request failed with status %d: %s", env.Status, env.Body)}
		}
		select {
		case slot <- res:
		default:
		}

	case TypeStream:
		c.mu.Lock()
		for ch := range c.streams[env.ID] {
			deliver(ch, env)
		}
		c.mu.Unlock()

	case TypeStreamEnd:
		c.mu.Lock()
		for ch := range c.streams[env.ID] {
			deliver(ch, env)
		}
		delete(c.streams, env.ID)
		c.mu.Unlock()

	case TypePong:
		c.mu.Lock()
		c.lastHeartbeat = time.Now().UTC()
		c.mu.Unlock()

	default:
		m.logger.Warn("unhandled relay message", "machine_id", machineID, "type", env.Type)
	}
}

// SendPing asks a machine for a heartbeat.
func (m *Manager) SendPing(machineID string) {
	m.mu.Lock()
	userID, ok := m.machineToUser[machineID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if c, err := m.Connection(userID, machineID); err == nil {
		_ = c.send(Envelope{Type: TypePing})
	}
}

// SendDisconnect tells a machine to shut its relay down.
func (m *Manager) SendDisconnect(machineID string) {
	m.mu.Lock()
	userID, ok := m.machineToUser[machineID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if c, err := m.Connection(userID, machineID); err == nil {
		_ = c.send(Envelope{Type: TypeDisconnect})
	}
}
