package netutil

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	assert.True(t, PortInUse(port))

	require.NoError(t, ln.Close())
	assert.False(t, PortInUse(port))
}

func TestHTTPReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	port := serverPort(t, srv)
	assert.True(t, HTTPReady(port, time.Second))
}

func TestHTTPReady_NotListening(t *testing.T) {
	// Grab a port and release it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	assert.False(t, HTTPReady(port, 200*time.Millisecond))
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	idx := strings.LastIndex(srv.URL, ":")
	port, err := strconv.Atoi(srv.URL[idx+1:])
	require.NoError(t, err)
	return port
}
