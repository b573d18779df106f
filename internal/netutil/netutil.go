// Package netutil provides the small probes used to decide whether a
// spawned server is alive: TCP port occupancy and a lightweight HTTP check.
package netutil

import (
	"fmt"
	"net"
	"net/http"
	"time"
)

const probeTimeout = 500 * time.Millisecond

// PortInUse reports whether something is accepting TCP connections on the
// given localhost port.
func PortInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), probeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// HTTPReady sends a HEAD request to the root of the given localhost port and
// reports whether any valid HTTP response came back. The status code does not
// matter; a 404 still proves an HTTP server is answering.
func HTTPReady(port int, timeout time.Duration) bool {
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Head(fmt.Sprintf("http://127.0.0.1:%d/", port))
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}
