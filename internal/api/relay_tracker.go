package api

import (
	"sync"
	"time"

	"github.com/branchmonkey/bridge/internal/models"
)

// heartbeatFreshness is how recent the last heartbeat must be for the link
// to count as connected. The relay client reports roughly every 25 seconds,
// so one missed beat is tolerated.
const heartbeatFreshness = 60 * time.Second

// RelayTracker holds the node's view of its cloud relay link, fed by
// heartbeat posts from the relay client process loop.
type RelayTracker struct {
	mu            sync.Mutex
	machineID     string
	machineName   string
	cloudURL      string
	connectedAt   time.Time
	lastHeartbeat time.Time
}

// NewRelayTracker creates an empty tracker (disconnected).
func NewRelayTracker() *RelayTracker {
	return &RelayTracker{}
}

// Heartbeat records a fresh heartbeat from the relay client.
func (t *RelayTracker) Heartbeat(machineID, machineName, cloudURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	if t.lastHeartbeat.IsZero() || machineID != t.machineID {
		t.connectedAt = now
	}
	t.machineID = machineID
	t.machineName = machineName
	t.cloudURL = cloudURL
	t.lastHeartbeat = now
}

// Disconnect clears the link state.
func (t *RelayTracker) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectedAt = time.Time{}
	t.lastHeartbeat = time.Time{}
}

// Status reports the current link state. A link whose last heartbeat is
// older than the freshness window counts as disconnected.
func (t *RelayTracker) Status() models.RelayStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := models.RelayStatus{
		MachineID:   t.machineID,
		MachineName: t.machineName,
		CloudURL:    t.cloudURL,
	}
	if t.lastHeartbeat.IsZero() {
		return st
	}

	age := time.Since(t.lastHeartbeat)
	st.Connected = age < heartbeatFreshness
	st.ConnectedAt = t.connectedAt
	st.LastHeartbeat = t.lastHeartbeat
	st.HeartbeatAgeSeconds = int(age.Seconds())
	return st
}
