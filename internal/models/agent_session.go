package models

import "time"

// SessionStatus represents the state of an agent session.
type SessionStatus string

const (
	// SessionStatusPrepared means the worktree is set up but no process
	// has been spawned yet (deferred start).
	SessionStatusPrepared SessionStatus = "prepared"
	SessionStatusStarting SessionStatus = "starting"
	SessionStatusRunning  SessionStatus = "running"
	// SessionStatusPaused means the process exited but left a resumable
	// session token, so a follow-up message can continue the conversation.
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusStopped   SessionStatus = "stopped"
)

// CompletionCallback describes an outbound notification fired exactly once
// when a session stops producing output. Used for cron-triggered agents.
type CompletionCallback struct {
	URL      string            `json:"url"`
	Secret   string            `json:"secret,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// AgentSessionInfo is the externally visible view of one agent session.
type AgentSessionInfo struct {
	ID            string        `json:"id"`
	TaskID        string        `json:"task_id,omitempty"`
	TaskNumber    int           `json:"task_number,omitempty"`
	Title         string        `json:"title"`
	Description   string        `json:"description,omitempty"`
	Status        SessionStatus `json:"status"`
	RepoDir       string        `json:"repo_dir"`
	WorkDir       string        `json:"work_dir"`
	WorktreePath  string        `json:"worktree_path,omitempty"`
	Branch        string        `json:"branch,omitempty"`
	BranchCreated bool          `json:"branch_created"`
	IsWorktree    bool          `json:"is_worktree"`
	PID           int           `json:"pid,omitempty"`
	ExitCode      *int          `json:"exit_code,omitempty"`
	SessionToken  string        `json:"session_token,omitempty"`
	CanResume     bool          `json:"can_resume"`
	CreatedAt     time.Time     `json:"created_at"`
	LastActivity  time.Time     `json:"last_activity"`
}
