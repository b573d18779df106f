package agent

import (
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/branchmonkey/bridge/internal/models"
)

// maxBufferedRecords caps the per-session output buffer. The buffer is a
// lossy replay cache for late subscribers, not an audit log.
const maxBufferedRecords = 1000

// listenerBuffer is the channel capacity handed to each subscriber. A slow
// subscriber loses its oldest records rather than blocking the reader.
const listenerBuffer = 256

// Session is one CLI-agent run tracked by the Manager.
type Session struct {
	ID            string
	TaskID        string
	TaskNumber    int
	Title         string
	Description   string
	RepoDir       string
	WorkDir       string
	WorktreePath  string
	Branch        string
	BranchCreated bool
	Callback      *models.CompletionCallback
	CreatedAt     time.Time

	mu           sync.Mutex
	status       models.SessionStatus
	cmd          *exec.Cmd
	stdout       io.ReadCloser // read end of the combined stdout/stderr pipe
	pid          int
	exitCode     *int
	sessionToken string
	lastActivity time.Time
	buffer       []OutputRecord
	listeners    map[chan OutputRecord]struct{}
	done         chan struct{} // closed once the reader has reaped the process
	callbackOnce sync.Once
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) Status() models.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(status models.SessionStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// SessionToken returns the resumable token, empty until the agent emits it.
func (s *Session) SessionToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionToken
}

// append adds a record to the bounded buffer, dropping the oldest on overflow,
// and broadcasts it to every live listener. Broadcast is best-effort: a full
// listener loses its oldest record so the reader never blocks.
func (s *Session) append(rec OutputRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, rec)
	if len(s.buffer) > maxBufferedRecords {
		s.buffer = s.buffer[1:]
	}

	for ch := range s.listeners {
		publish(ch, rec)
	}
}

// publish delivers rec without blocking. If the channel is full, the oldest
// queued record is dropped to make room.
func publish(ch chan OutputRecord, rec OutputRecord) {
	select {
	case ch <- rec:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- rec:
	default:
	}
}

// finish broadcasts a terminal record, then closes every listener channel.
// No further records can arrive after this.
func (s *Session) finish(rec OutputRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, rec)
	if len(s.buffer) > maxBufferedRecords {
		s.buffer = s.buffer[1:]
	}

	for ch := range s.listeners {
		publish(ch, rec)
		close(ch)
	}
	s.listeners = make(map[chan OutputRecord]struct{})
}

// subscribe returns a channel that first replays the buffered history and
// then receives live records until the session reaches a terminal state or
// cancel is called.
func (s *Session) subscribe() (<-chan OutputRecord, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan OutputRecord, len(s.buffer)+listenerBuffer)
	for _, rec := range s.buffer {
		ch <- rec
	}

	terminal := s.status == models.SessionStatusPaused ||
		s.status == models.SessionStatusCompleted ||
		s.status == models.SessionStatusFailed ||
		s.status == models.SessionStatusStopped
	if terminal {
		close(ch)
		return ch, func() {}
	}

	s.listeners[ch] = struct{}{}
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.listeners[ch]; ok {
			delete(s.listeners, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Info returns the JSON-facing view of the session.
func (s *Session) Info() *models.AgentSessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &models.AgentSessionInfo{
		ID:            s.ID,
		TaskID:        s.TaskID,
		TaskNumber:    s.TaskNumber,
		Title:         s.Title,
		Description:   s.Description,
		Status:        s.status,
		RepoDir:       s.RepoDir,
		WorkDir:       s.WorkDir,
		WorktreePath:  s.WorktreePath,
		Branch:        s.Branch,
		BranchCreated: s.BranchCreated,
		IsWorktree:    s.WorktreePath != "",
		PID:           s.pid,
		ExitCode:      s.exitCode,
		SessionToken:  s.sessionToken,
		CanResume:     s.sessionToken != "",
		CreatedAt:     s.CreatedAt,
		LastActivity:  s.lastActivity,
	}
}

// Output returns the concatenated raw text of the buffered records.
func (s *Session) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []byte
	for _, rec := range s.buffer {
		if rec.Data == "" {
			continue
		}
		out = append(out, rec.Data...)
		out = append(out, '\n')
	}
	return string(out)
}
