package proxy

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func backendPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	addr := srv.Listener.Addr().(*net.TCPAddr)
	return addr.Port
}

func TestServeHTTP_NoTarget(t *testing.T) {
	rt := NewRouter(0, testLogger())

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no dev server active")
}

func TestServeHTTP_ForwardsToTarget(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/items", r.URL.Path)
		assert.Equal(t, "q=1", r.URL.RawQuery)
		assert.Equal(t, "custom-value", r.Header.Get("X-Custom"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "payload", string(body))

		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer backend.Close()

	rt := NewRouter(0, testLogger())
	rt.SetTarget(backendPort(t, backend), "run-1")

	req := httptest.NewRequest(http.MethodPost, "/api/items?q=1", strings.NewReader("payload"))
	req.Header.Set("X-Custom", "custom-value")
	req.Header.Set("Connection", "keep-alive")

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "created", rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Backend"))
}

func TestServeHTTP_StripsHopByHopHeaders(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Proxy-Authorization"))
		assert.Empty(t, r.Header.Get("Upgrade"))
		assert.Empty(t, r.Header.Get("Trailer"))
		assert.Empty(t, r.Header.Get("TE"))
		assert.Equal(t, "kept", r.Header.Get("X-Keep"))
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	rt := NewRouter(0, testLogger())
	rt.SetTarget(backendPort(t, backend), "run-1")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Proxy-Authorization", "Basic abc")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Trailer", "Expires")
	req.Header.Set("TE", "trailers")
	req.Header.Set("X-Keep", "kept")

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServeHTTP_TargetUnreachable(t *testing.T) {
	// Grab a free port and release it so nothing answers there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	rt := NewRouter(0, testLogger())
	rt.SetTarget(port, "run-dead")

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestClearTarget_OnlyMatchingRun(t *testing.T) {
	rt := NewRouter(0, testLogger())
	rt.SetTarget(6001, "run-1")

	rt.ClearTarget("run-other")
	assert.Equal(t, "run-1", rt.ActiveRunID())

	rt.ClearTarget("run-1")
	assert.Empty(t, rt.ActiveRunID())
	assert.Equal(t, 0, rt.Status().TargetPort)
}

func TestStartStop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	rt := NewRouter(port, testLogger())
	require.NoError(t, rt.Start())
	defer rt.Stop()

	// Second start is a no-op.
	require.NoError(t, rt.Start())

	status := rt.Status()
	assert.True(t, status.Running)
	assert.Equal(t, port, status.ProxyPort)
	assert.NotEmpty(t, status.ProxyURL)

	resp, err := http.Get(status.ProxyURL + "/x")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, rt.Stop())
	assert.False(t, rt.Status().Running)
}

func TestSetPort_RestartsListener(t *testing.T) {
	ln1, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port1 := ln1.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln1.Close())

	ln2, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port2 := ln2.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln2.Close())

	rt := NewRouter(port1, testLogger())
	require.NoError(t, rt.Start())
	defer rt.Stop()

	require.NoError(t, rt.SetPort(port2))

	status := rt.Status()
	assert.True(t, status.Running)
	assert.Equal(t, port2, status.ProxyPort)
}
