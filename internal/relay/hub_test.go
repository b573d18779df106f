package relay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := NewManager(logger)
	hub := NewHub(manager, func(token string) (string, error) {
		if token == "good-token" {
			return "user-1", nil
		}
		return "", errors.New("unknown token")
	}, logger)

	mux := http.NewServeMux()
	hub.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return hub, srv
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsEndpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/relay"
	ws, resp, err := websocket.DefaultDialer.Dial(wsEndpoint, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// registerNode completes the registration handshake for a test node.
func registerNode(t *testing.T, srv *httptest.Server, machineID string) *websocket.Conn {
	t.Helper()
	ws := dialHub(t, srv)
	require.NoError(t, ws.WriteJSON(Envelope{
		Type: TypeRegister, Token: "good-token",
		MachineID: machineID, MachineName: "laptop",
	}))
	var reply Envelope
	require.NoError(t, ws.ReadJSON(&reply))
	require.Equal(t, TypeConnected, reply.Type)
	return ws
}

func TestHub_RegistrationHandshake(t *testing.T) {
	hub, srv := setupHub(t)
	registerNode(t, srv, "mach-1")

	require.Eventually(t, func() bool {
		return len(hub.Manager().Connections("user-1")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_QueryParamToken(t *testing.T) {
	hub, srv := setupHub(t)
	wsEndpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/relay?token=good-token&name=laptop"
	ws, resp, err := websocket.DefaultDialer.Dial(wsEndpoint, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })

	require.NoError(t, ws.WriteJSON(Envelope{Type: TypeRegister, MachineID: "mach-q"}))
	var reply Envelope
	require.NoError(t, ws.ReadJSON(&reply))
	require.Equal(t, TypeConnected, reply.Type)

	require.Eventually(t, func() bool {
		conns := hub.Manager().Connections("user-1")
		return len(conns) == 1 && conns[0].MachineName == "laptop"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_RejectsBadToken(t *testing.T) {
	_, srv := setupHub(t)
	ws := dialHub(t, srv)

	require.NoError(t, ws.WriteJSON(Envelope{Type: TypeRegister, Token: "bad", MachineID: "mach-1"}))
	var reply Envelope
	require.NoError(t, ws.ReadJSON(&reply))
	assert.Equal(t, TypeError, reply.Type)
	assert.Equal(t, http.StatusUnauthorized, reply.Status)
}

func TestHub_RejectsNonRegisterFirstMessage(t *testing.T) {
	_, srv := setupHub(t)
	ws := dialHub(t, srv)

	require.NoError(t, ws.WriteJSON(Envelope{Type: TypePong}))
	var reply Envelope
	require.NoError(t, ws.ReadJSON(&reply))
	assert.Equal(t, TypeError, reply.Type)
	assert.Equal(t, "expected registration", reply.Reason)
}

func TestHub_ForwardRoundTrip(t *testing.T) {
	_, srv := setupHub(t)
	ws := registerNode(t, srv, "mach-1")

	// Node side answers the relayed request.
	go func() {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		_ = ws.WriteJSON(Envelope{
			Type: TypeResponse, ID: env.ID, Status: 200,
			Body: json.RawMessage(`{"ok":true}`),
		})
	}()

	body, _ := json.Marshal(forwardRequest{MachineID: "mach-1", Method: "GET", Path: "/api/status"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/relay/forward", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer good-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	out, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"ok":true}`, string(out))
}

func TestHub_ForwardNoConnection(t *testing.T) {
	_, srv := setupHub(t)

	body, _ := json.Marshal(forwardRequest{MachineID: "mach-gone", Path: "/api/status"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/relay/forward", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer good-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestHub_ForwardRequiresAuth(t *testing.T) {
	_, srv := setupHub(t)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/relay/forward", strings.NewReader("{}"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_ConnectionsEndpoint(t *testing.T) {
	_, srv := setupHub(t)
	registerNode(t, srv, "mach-1")

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/relay/connections", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Connections []ConnectionInfo `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Connections, 1)
	assert.Equal(t, "mach-1", body.Connections[0].MachineID)
	assert.Equal(t, "laptop", body.Connections[0].MachineName)
}

func TestHub_StreamEndpointForwardsEvents(t *testing.T) {
	_, srv := setupHub(t)
	ws := registerNode(t, srv, "mach-1")

	// Node side emits two events then ends the stream.
	go func() {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		_ = ws.WriteJSON(Envelope{Type: TypeStream, ID: env.ID, Event: "output", Data: `{"line":1}`})
		_ = ws.WriteJSON(Envelope{Type: TypeStreamEnd, ID: env.ID, Reason: "completed"})
	}()

	body, _ := json.Marshal(forwardRequest{MachineID: "mach-1", Method: "GET", Path: "/api/agents/a/stream"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/relay/stream", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer good-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var envelopes []Envelope
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env))
		envelopes = append(envelopes, env)
	}

	require.Len(t, envelopes, 2)
	assert.Equal(t, TypeStream, envelopes[0].Type)
	assert.JSONEq(t, `{"line":1}`, envelopes[0].Data)
	assert.Equal(t, TypeStreamEnd, envelopes[1].Type)
	assert.Equal(t, "completed", envelopes[1].Reason)
}

func TestHub_DisconnectEndpoint(t *testing.T) {
	_, srv := setupHub(t)
	ws := registerNode(t, srv, "mach-1")

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/relay/disconnect",
		strings.NewReader(`{"machine_id":"mach-1"}`))
	req.Header.Set("Authorization", "Bearer good-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env Envelope
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, TypeDisconnect, env.Type)
}

func TestHub_DisconnectUnknownMachine(t *testing.T) {
	_, srv := setupHub(t)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/relay/disconnect",
		strings.NewReader(`{"machine_id":"mach-x"}`))
	req.Header.Set("Authorization", "Bearer good-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
