package agent

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/lithammer/shortuuid/v3"

	"github.com/branchmonkey/bridge/internal/git"
	"github.com/branchmonkey/bridge/internal/models"
)

var (
	// ErrCapacity is returned when the concurrent session cap is reached.
	// Requests are rejected, not queued.
	ErrCapacity = errors.New("maximum number of agent sessions reached")
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("agent session not found")
	// ErrBusy is returned when input is sent to a running session. One
	// logical turn at a time, no input queuing.
	ErrBusy = errors.New("agent session is already running")
	// ErrNoResume is returned when input is sent to a session that has no
	// resumable token and is not awaiting a deferred start.
	ErrNoResume = errors.New("no active session to send input to")
)

// WorktreeProvider is the subset of git operations the supervisor needs to
// provision and tear down isolated worktrees.
type WorktreeProvider interface {
	IsRepo(path string) bool
	CurrentBranch(path string) (string, error)
	CreateWorktree(repoDir, branch string, taskNumber int, runID string) (*git.WorktreeResult, error)
	RemoveWorktree(repoDir, worktreePath string) error
}

// Config holds supervisor tunables. Zero values fall back to defaults.
type Config struct {
	Command        string // agent CLI binary, default "claude"
	DefaultWorkDir string
	MaxSessions    int           // default 10
	StaleTimeout   time.Duration // default 1h
	KillGrace      time.Duration // default 2s
}

func (c Config) withDefaults() Config {
	if c.Command == "" {
		c.Command = "claude"
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = 10
	}
	if c.StaleTimeout == 0 {
		c.StaleTimeout = time.Hour
	}
	if c.KillGrace == 0 {
		c.KillGrace = 2 * time.Second
	}
	return c
}

// Manager supervises the set of CLI-agent sessions.
type Manager struct {
	cfg    Config
	git    WorktreeProvider
	logger *slog.Logger
	client *http.Client // completion callbacks

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an agent session supervisor.
func NewManager(cfg Config, gitClient WorktreeProvider, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		git:      gitClient,
		logger:   logger,
		client:   &http.Client{Timeout: 15 * time.Second},
		sessions: make(map[string]*Session),
	}
}

// CreateSpec describes a new agent session request.
type CreateSpec struct {
	TaskID       string                     `json:"task_id,omitempty"`
	TaskNumber   int                        `json:"task_number,omitempty"`
	Title        string                     `json:"task_title,omitempty"`
	Description  string                     `json:"task_description,omitempty"`
	WorkingDir   string                     `json:"working_dir,omitempty"`
	Prompt       string                     `json:"prompt,omitempty"`
	SystemPrompt string                     `json:"system_prompt,omitempty"`
	SkipBranch   bool                       `json:"skip_branch,omitempty"`
	Branch       string                     `json:"branch,omitempty"`
	DeferStart   bool                       `json:"defer_start,omitempty"`
	Callback     *models.CompletionCallback `json:"callback,omitempty"`
}

// Create sets up and optionally starts a new agent session. With DeferStart
// the worktree and tracking record are created but no process is spawned;
// the session waits in "prepared" for the first SendInput.
func (m *Manager) Create(spec CreateSpec) (*models.AgentSessionInfo, error) {
	if cleaned := m.CleanupStale(); cleaned > 0 {
		m.logger.Info("cleaned up stale agent sessions", "count", cleaned)
	}

	m.mu.Lock()
	atCapacity := len(m.sessions) >= m.cfg.MaxSessions
	m.mu.Unlock()
	if atCapacity {
		return nil, fmt.Errorf("%w (%d)", ErrCapacity, m.cfg.MaxSessions)
	}

	if _, err := exec.LookPath(m.cfg.Command); err != nil {
		return nil, fmt.Errorf("agent CLI %q not found in PATH: %w", m.cfg.Command, err)
	}

	id := newSessionID()
	repoDir := spec.WorkingDir
	if repoDir == "" {
		repoDir = m.cfg.DefaultWorkDir
	}

	workDir := repoDir
	branch := spec.Branch
	branchCreated := false
	worktreePath := ""

	if m.git != nil && m.git.IsRepo(repoDir) {
		switch {
		case spec.TaskNumber > 0 && !spec.SkipBranch:
			branch = git.GenerateBranchName(spec.TaskNumber, spec.Title, id)
			res, err := m.git.CreateWorktree(repoDir, branch, spec.TaskNumber, id)
			if err != nil {
				m.logger.Warn("worktree creation failed, using repo dir", "branch", branch, "error", err)
				branch, _ = m.git.CurrentBranch(repoDir)
			} else {
				worktreePath = res.Path
				workDir = res.Path
				branchCreated = res.BranchCreated
			}
		case branch != "":
			res, err := m.git.CreateWorktree(repoDir, branch, 0, branch+"-"+id)
			if err != nil {
				m.logger.Warn("worktree creation failed, using repo dir", "branch", branch, "error", err)
				branch, _ = m.git.CurrentBranch(repoDir)
			} else {
				worktreePath = res.Path
				workDir = res.Path
				branchCreated = res.BranchCreated
			}
		default:
			branch, _ = m.git.CurrentBranch(repoDir)
		}
	}

	s := &Session{
		ID:            id,
		TaskID:        spec.TaskID,
		TaskNumber:    spec.TaskNumber,
		Title:         spec.Title,
		Description:   spec.Description,
		RepoDir:       repoDir,
		WorkDir:       workDir,
		WorktreePath:  worktreePath,
		Branch:        branch,
		BranchCreated: branchCreated,
		Callback:      spec.Callback,
		CreatedAt:     time.Now(),
		status:        models.SessionStatusPrepared,
		lastActivity:  time.Now(),
		listeners:     make(map[chan OutputRecord]struct{}),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if spec.DeferStart {
		m.logger.Info("agent session prepared", "id", id, "work_dir", workDir)
		return s.Info(), nil
	}

	s.setStatus(models.SessionStatusStarting)
	prompt := buildPrompt(spec.Prompt, s)
	if err := m.startProcess(s, prompt, spec.SystemPrompt, ""); err != nil {
		s.setStatus(models.SessionStatusFailed)
		return nil, fmt.Errorf("start agent: %w", err)
	}

	return s.Info(), nil
}

// SendInput delivers a message to a session. A prepared session gets its
// deferred first spawn; a paused/finished session with a resumable token is
// relaunched in resume mode; a running session rejects the input.
func (m *Manager) SendInput(id, message string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}

	switch s.Status() {
	case models.SessionStatusPrepared:
		s.setStatus(models.SessionStatusStarting)
		prompt := buildPrompt(message, s)
		if err := m.startProcess(s, prompt, "", ""); err != nil {
			s.setStatus(models.SessionStatusFailed)
			return fmt.Errorf("start agent: %w", err)
		}
		return nil
	case models.SessionStatusRunning, models.SessionStatusStarting:
		return ErrBusy
	}

	token := s.SessionToken()
	if token == "" {
		return ErrNoResume
	}

	s.setStatus(models.SessionStatusStarting)
	if err := m.startProcess(s, message, "", token); err != nil {
		s.setStatus(models.SessionStatusFailed)
		return fmt.Errorf("resume agent: %w", err)
	}
	return nil
}

// startProcess spawns the agent CLI with combined stdout/stderr piped back to
// the reader goroutine. A non-empty resumeToken relaunches an earlier
// conversation.
func (m *Manager) startProcess(s *Session, prompt, systemPrompt, resumeToken string) error {
	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if systemPrompt != "" {
		args = append(args, "--append-system-prompt", systemPrompt)
	}
	if resumeToken != "" {
		args = append(args, "--resume", resumeToken)
	}

	cmd := exec.Command(m.cfg.Command, args...)
	cmd.Dir = s.WorkDir
	cmd.Env = agentEnv()

	// Combine stdout and stderr into one pipe so the reader sees a single
	// interleaved line stream.
	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return err
	}
	w.Close()

	s.mu.Lock()
	s.cmd = cmd
	s.stdout = r
	s.pid = cmd.Process.Pid
	s.exitCode = nil
	s.status = models.SessionStatusRunning
	s.done = make(chan struct{})
	s.mu.Unlock()

	m.logger.Info("agent process started", "id", s.ID, "pid", cmd.Process.Pid, "resume", resumeToken != "")

	go m.readOutput(s)
	return nil
}

// agentEnv strips variables that would redirect the agent CLI away from the
// user's own credentials or block nested launches.
func agentEnv() []string {
	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "ANTHROPIC_API_KEY=") || strings.HasPrefix(kv, "CLAUDECODE=") {
			continue
		}
		env = append(env, kv)
	}
	return env
}

// readOutput consumes the process's combined output line by line, capturing
// the resumable token, buffering and broadcasting each record, then
// classifying the terminal state once the stream ends.
func (m *Manager) readOutput(s *Session) {
	scanner := bufio.NewScanner(s.stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		text := strings.TrimSpace(strings.ToValidUTF8(scanner.Text(), "�"))
		if text == "" {
			continue
		}
		s.touch()

		ev := ParseEvent(text)
		if ev != nil && ev.IsInit() && ev.SessionID != "" {
			s.mu.Lock()
			s.sessionToken = ev.SessionID
			s.mu.Unlock()
			m.logger.Info("agent session token captured", "id", s.ID, "session_token", ev.SessionID)
		}

		s.append(OutputRecord{Type: "output", Data: text, event: ev})
	}

	err := s.cmd.Wait()
	exitCode := 0
	if err != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	s.mu.Lock()
	s.exitCode = &exitCode
	token := s.sessionToken
	if token != "" {
		s.status = models.SessionStatusPaused
	} else if exitCode == 0 {
		s.status = models.SessionStatusCompleted
	} else {
		s.status = models.SessionStatusFailed
	}
	status := s.status
	close(s.done)
	s.mu.Unlock()

	if token != "" {
		s.finish(OutputRecord{Type: "paused", ExitCode: &exitCode, SessionID: token, CanResume: true})
	} else {
		s.finish(OutputRecord{Type: "exit", ExitCode: &exitCode})
	}

	m.logger.Info("agent process finished", "id", s.ID, "status", status, "exit_code", exitCode)

	if s.Callback != nil {
		m.fireCallback(s)
	}
}

// Stream returns a channel replaying the buffered history and then delivering
// live records until the session terminates or cancel is called.
func (m *Manager) Stream(id string) (<-chan OutputRecord, func(), error) {
	s, err := m.session(id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := s.subscribe()
	return ch, cancel, nil
}

// Kill terminates a session's process and removes it from the registry. This
// is the only path that removes a paused, resumable session.
func (m *Manager) Kill(id string, cleanupWorktree bool) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	m.logger.Info("killing agent session", "id", id, "cleanup_worktree", cleanupWorktree)

	s.mu.Lock()
	cmd := s.cmd
	stdout := s.stdout
	done := s.done
	s.status = models.SessionStatusStopped
	s.mu.Unlock()

	// Closing the pipe unblocks the reader so it can reap the process.
	if stdout != nil {
		_ = stdout.Close()
	}

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(m.cfg.KillGrace):
			_ = cmd.Process.Kill()
			select {
			case <-done:
			case <-time.After(time.Second):
			}
		}
	} else {
		// Never spawned; close any listeners directly.
		code := -1
		s.finish(OutputRecord{Type: "exit", ExitCode: &code})
	}

	if cleanupWorktree && s.WorktreePath != "" && s.RepoDir != "" && m.git != nil {
		if err := m.git.RemoveWorktree(s.RepoDir, s.WorktreePath); err != nil {
			m.logger.Warn("worktree cleanup failed", "id", id, "path", s.WorktreePath, "error", err)
		}
	}

	return nil
}

// CleanupStale removes finished and abandoned sessions: failed/stopped ones,
// completed ones with no resumable token, and anything older than the stale
// timeout. A session holding a resumable token is never swept by age; only
// an explicit kill removes it. Called automatically before every Create.
func (m *Manager) CleanupStale() int {
	now := time.Now()

	m.mu.Lock()
	var staleIDs []string
	for id, s := range m.sessions {
		s.mu.Lock()
		status := s.status
		token := s.sessionToken
		s.mu.Unlock()

		switch {
		case status == models.SessionStatusFailed || status == models.SessionStatusStopped:
			staleIDs = append(staleIDs, id)
		case status == models.SessionStatusCompleted && token == "":
			staleIDs = append(staleIDs, id)
		case token != "":
			// Resumable; the token may still be used to continue.
		case now.Sub(s.CreatedAt) > m.cfg.StaleTimeout:
			staleIDs = append(staleIDs, id)
		}
	}
	m.mu.Unlock()

	for _, id := range staleIDs {
		m.logger.Info("removing stale agent session", "id", id)
		_ = m.Kill(id, false)
	}
	return len(staleIDs)
}

// Get returns session info by id.
func (m *Manager) Get(id string) (*models.AgentSessionInfo, error) {
	s, err := m.session(id)
	if err != nil {
		return nil, err
	}
	return s.Info(), nil
}

// List returns info for all tracked sessions.
func (m *Manager) List() []*models.AgentSessionInfo {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	infos := make([]*models.AgentSessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Output returns the full buffered raw output of a session.
func (m *Manager) Output(id string) (string, error) {
	s, err := m.session(id)
	if err != nil {
		return "", err
	}
	return s.Output(), nil
}

// KillAll kills every tracked session. Used on shutdown.
func (m *Manager) KillAll(cleanupWorktrees bool) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Kill(id, cleanupWorktrees)
	}
	return len(ids)
}

func (m *Manager) session(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func newSessionID() string {
	id := strings.ToLower(shortuuid.New())
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}
