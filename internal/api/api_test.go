package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchmonkey/bridge/internal/agent"
	"github.com/branchmonkey/bridge/internal/devserver"
	"github.com/branchmonkey/bridge/internal/models"
	"github.com/branchmonkey/bridge/internal/proxy"
	"github.com/branchmonkey/bridge/internal/store"
	"github.com/branchmonkey/bridge/internal/tunnel"
)

// writeStub creates an executable script that stands in for the agent CLI.
func writeStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent-stub")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

func setupTestServer(t *testing.T, agentScript string) (*Server, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	agents := agent.NewManager(agent.Config{
		Command:        writeStub(t, agentScript),
		DefaultWorkDir: t.TempDir(),
	}, nil, logger)
	t.Cleanup(func() { agents.KillAll(false) })

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	router := proxy.NewRouter(0, logger)
	t.Cleanup(func() { router.Stop() })
	tun := tunnel.NewManager(tunnel.Unavailable{}, logger)

	devServers := devserver.NewManager(devserver.Config{
		ReadyPollInterval: 10 * time.Millisecond,
		ReadyMaxAttempts:  2,
		EarlyExitGrace:    time.Millisecond,
	}, st, router, tun, nil, logger)
	t.Cleanup(func() { devServers.StopAll(context.Background()) })

	s := NewServer(agents, devServers, router, "test", logger)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return s, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	_, srv := setupTestServer(t, "exit 0")

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestCORSPreflight(t *testing.T) {
	_, srv := setupTestServer(t, "exit 0")

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/agents", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestAgentLifecycleOverHTTP(t *testing.T) {
	_, srv := setupTestServer(t, `echo '{"type":"assistant","message":{"content":[{"type":"text","text":"done"}]}}'
exit 0`)

	resp := postJSON(t, srv.URL+"/api/agents", map[string]any{
		"task_title": "demo",
		"prompt":     "do the thing",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created models.AgentSessionInfo
	decodeBody(t, resp, &created)
	require.NotEmpty(t, created.ID)

	// Wait for the stub process to finish.
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/api/agents/" + created.ID)
		if err != nil {
			return false
		}
		var info models.AgentSessionInfo
		decodeBody(t, resp, &info)
		return info.Status == models.SessionStatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	// Listing includes the session.
	resp, err := http.Get(srv.URL + "/api/agents")
	require.NoError(t, err)
	var listing struct {
		Agents []models.AgentSessionInfo `json:"agents"`
	}
	decodeBody(t, resp, &listing)
	require.Len(t, listing.Agents, 1)

	// Raw output is available.
	resp, err = http.Get(srv.URL + "/api/agents/" + created.ID + "/output")
	require.NoError(t, err)
	var out struct {
		Output string `json:"output"`
		Status string `json:"status"`
	}
	decodeBody(t, resp, &out)
	assert.Contains(t, out.Output, `"type":"assistant"`)
	assert.Equal(t, "completed", out.Status)

	// Kill removes the session.
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/agents/"+created.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/agents/" + created.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateAgent_InvalidJSON(t *testing.T) {
	_, srv := setupTestServer(t, "exit 0")

	resp, err := http.Post(srv.URL+"/api/agents", "application/json", strings.NewReader("{broken"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAgentInput_UnknownSession(t *testing.T) {
	_, srv := setupTestServer(t, "exit 0")

	resp := postJSON(t, srv.URL+"/api/agents/nope/input", map[string]string{"message": "hi"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgentInput_RequiresMessage(t *testing.T) {
	_, srv := setupTestServer(t, "exit 0")

	resp := postJSON(t, srv.URL+"/api/agents/nope/input", map[string]string{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAgentInput_ImageAttachmentSavedToDisk(t *testing.T) {
	// The stub echoes its prompt argument so the test can see the
	// substituted image path.
	_, srv := setupTestServer(t, `echo "prompt:$2"
exit 0`)

	resp := postJSON(t, srv.URL+"/api/agents", map[string]any{
		"prompt":      "review this screenshot",
		"defer_start": true,
		"skip_branch": true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created models.AgentSessionInfo
	decodeBody(t, resp, &created)
	require.Equal(t, models.SessionStatusPrepared, created.Status)

	imageData := base64.StdEncoding.EncodeToString([]byte("fake-png-bytes"))
	resp = postJSON(t, srv.URL+"/api/agents/"+created.ID+"/input", map[string]any{
		"message": "look at this",
		"images":  []map[string]string{{"data": imageData, "media_type": "image/png"}},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var output string
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/api/agents/" + created.ID + "/output")
		if err != nil {
			return false
		}
		var out struct {
			Output string `json:"output"`
			Status string `json:"status"`
		}
		decodeBody(t, resp, &out)
		output = out.Output
		return out.Status == "completed"
	}, 3*time.Second, 20*time.Millisecond)

	assert.Contains(t, output, "[Image: ")
	assert.Contains(t, output, ".png]")
}

func TestAgentInput_RejectsBadBase64(t *testing.T) {
	_, srv := setupTestServer(t, "exit 0")

	resp := postJSON(t, srv.URL+"/api/agents", map[string]any{
		"prompt":      "x",
		"defer_start": true,
		"skip_branch": true,
	})
	var created models.AgentSessionInfo
	decodeBody(t, resp, &created)

	resp = postJSON(t, srv.URL+"/api/agents/"+created.ID+"/input", map[string]any{
		"message": "bad image",
		"images":  []map[string]string{{"data": "!!!not-base64!!!"}},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAgentStream_ReplaysAndCloses(t *testing.T) {
	_, srv := setupTestServer(t, `echo '{"type":"assistant","message":{"content":[{"type":"text","text":"line"}]}}'
exit 0`)

	resp := postJSON(t, srv.URL+"/api/agents", map[string]any{"prompt": "go"})
	var created models.AgentSessionInfo
	decodeBody(t, resp, &created)

	// Let the session finish so the stream replays and then closes.
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/api/agents/" + created.ID)
		if err != nil {
			return false
		}
		var info models.AgentSessionInfo
		decodeBody(t, resp, &info)
		return info.Status == models.SessionStatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	resp, err := http.Get(srv.URL + "/api/agents/" + created.ID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
	}
	require.NotEmpty(t, events)
	assert.Equal(t, "exit", events[len(events)-1])
}

func TestDevServer_RequiresRunID(t *testing.T) {
	_, srv := setupTestServer(t, "exit 0")

	resp := postJSON(t, srv.URL+"/api/dev-server", map[string]any{"task_number": 1})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDevServer_WorktreeNotFound(t *testing.T) {
	_, srv := setupTestServer(t, "exit 0")

	resp := postJSON(t, srv.URL+"/api/dev-server", map[string]any{
		"run_id":        "run-1",
		"task_number":   1,
		"worktree_path": "/does/not/exist",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDevServer_ListEmpty(t *testing.T) {
	_, srv := setupTestServer(t, "exit 0")

	resp, err := http.Get(srv.URL + "/api/dev-server")
	require.NoError(t, err)
	var body struct {
		Servers []models.ServerInfo `json:"servers"`
		Proxy   models.ProxyStatus  `json:"proxy"`
	}
	decodeBody(t, resp, &body)
	assert.Empty(t, body.Servers)
	assert.False(t, body.Proxy.Running)
}

func TestDevServer_StopUnknown(t *testing.T) {
	_, srv := setupTestServer(t, "exit 0")

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/dev-server/nope", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDevServer_StopAcceptsQueryForm(t *testing.T) {
	_, srv := setupTestServer(t, "exit 0")

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/dev-server?run_id=nope", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/dev-server", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProxyEndpoints(t *testing.T) {
	_, srv := setupTestServer(t, "exit 0")

	// Initially stopped.
	resp, err := http.Get(srv.URL + "/api/dev-proxy")
	require.NoError(t, err)
	var status models.ProxyStatus
	decodeBody(t, resp, &status)
	assert.False(t, status.Running)

	// Setting a target starts the listener.
	resp = postJSON(t, srv.URL+"/api/dev-proxy", map[string]any{"port": 6123, "runId": "run-1"})
	decodeBody(t, resp, &status)
	assert.True(t, status.Running)
	assert.Equal(t, 6123, status.TargetPort)
	assert.Equal(t, "run-1", status.TargetRunID)

	// Clearing a non-matching run id leaves the target alone.
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/dev-proxy?runId=other", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	decodeBody(t, resp, &status)
	assert.Equal(t, "run-1", status.TargetRunID)

	// Clearing with the matching run id drops it.
	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/dev-proxy?runId=run-1", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	decodeBody(t, resp, &status)
	assert.Empty(t, status.TargetRunID)
}

func TestProxySetTarget_RequiresPort(t *testing.T) {
	_, srv := setupTestServer(t, "exit 0")

	resp := postJSON(t, srv.URL+"/api/dev-proxy", map[string]any{"runId": "run-1"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelayStatusLifecycle(t *testing.T) {
	_, srv := setupTestServer(t, "exit 0")

	// Disconnected before any heartbeat.
	resp, err := http.Get(srv.URL + "/api/relay/status")
	require.NoError(t, err)
	var status models.RelayStatus
	decodeBody(t, resp, &status)
	assert.False(t, status.Connected)

	resp = postJSON(t, srv.URL+"/api/relay/heartbeat", map[string]string{
		"machine_id":   "box-123",
		"machine_name": "box",
		"cloud_url":    "http://cloud.test",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/relay/status")
	require.NoError(t, err)
	decodeBody(t, resp, &status)
	assert.True(t, status.Connected)
	assert.Equal(t, "box-123", status.MachineID)
	assert.Equal(t, "http://cloud.test", status.CloudURL)
	assert.False(t, status.LastHeartbeat.IsZero())

	resp, err = http.Post(srv.URL+"/api/relay/disconnect", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/relay/status")
	require.NoError(t, err)
	decodeBody(t, resp, &status)
	assert.False(t, status.Connected)
}

func TestStatusOverview(t *testing.T) {
	_, srv := setupTestServer(t, "exit 0")

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	var body struct {
		Version string             `json:"version"`
		Agents  map[string]int     `json:"agents"`
		Relay   models.RelayStatus `json:"relay"`
		Proxy   models.ProxyStatus `json:"proxy"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "test", body.Version)
	assert.Equal(t, 0, body.Agents["total"])
	assert.False(t, body.Relay.Connected)
}

func TestRelayTracker_StaleHeartbeat(t *testing.T) {
	tr := NewRelayTracker()
	tr.Heartbeat("box-1", "box", "http://cloud.test")

	tr.mu.Lock()
	tr.lastHeartbeat = time.Now().Add(-2 * time.Minute)
	tr.mu.Unlock()

	st := tr.Status()
	assert.False(t, st.Connected)
	assert.GreaterOrEqual(t, st.HeartbeatAgeSeconds, 120)
}
