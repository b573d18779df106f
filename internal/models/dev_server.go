package models

import "time"

// DevServerRecord is the durable registry row for one dev-server process,
// keyed by run id. The process handle itself is transient and does not
// survive a node restart; liveness is re-verified by port probing.
type DevServerRecord struct {
	RunID        string    `json:"run_id"`
	TaskID       string    `json:"task_id,omitempty"`
	TaskNumber   int       `json:"task_number"`
	Port         int       `json:"port"`
	WorktreePath string    `json:"worktree_path"`
	StartedAt    time.Time `json:"started_at"`
	PID          int       `json:"pid,omitempty"`
}

// ServerInfo is the listing view of a tracked dev server.
type ServerInfo struct {
	RunID        string    `json:"runId"`
	TaskNumber   int       `json:"taskNumber"`
	Port         int       `json:"port"`
	URL          string    `json:"url"`
	ProxyURL     string    `json:"proxyUrl,omitempty"`
	TunnelURL    string    `json:"tunnelUrl,omitempty"`
	IsActive     bool      `json:"isActive"`
	StartedAt    time.Time `json:"startedAt"`
	WorktreePath string    `json:"worktreePath"`
}

// ProxyStatus reports the reverse proxy's current state.
type ProxyStatus struct {
	Running     bool   `json:"running"`
	ProxyPort   int    `json:"proxyPort"`
	ProxyURL    string `json:"proxyUrl,omitempty"`
	TargetPort  int    `json:"targetPort,omitempty"`
	TargetRunID string `json:"targetRunId,omitempty"`
}

// RelayStatus reports the node's view of its cloud relay connection,
// maintained via heartbeats from the relay client.
type RelayStatus struct {
	Connected           bool      `json:"connected"`
	MachineID           string    `json:"machine_id,omitempty"`
	MachineName         string    `json:"machine_name,omitempty"`
	CloudURL            string    `json:"cloud_url,omitempty"`
	ConnectedAt         time.Time `json:"connected_at,omitzero"`
	LastHeartbeat       time.Time `json:"last_heartbeat,omitzero"`
	HeartbeatAgeSeconds int       `json:"heartbeat_age_seconds,omitempty"`
}
