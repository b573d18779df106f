// Package devserver owns the lifecycle of local development-server
// processes: port allocation, spawning, readiness polling, tunnel and proxy
// wiring, and durable registry persistence for restart recovery.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/branchmonkey/bridge/internal/models"
	"github.com/branchmonkey/bridge/internal/netutil"
	"github.com/branchmonkey/bridge/internal/proxy"
	"github.com/branchmonkey/bridge/internal/store"
	"github.com/branchmonkey/bridge/internal/tunnel"
)

var (
	// ErrNotFound is returned for unknown run ids.
	ErrNotFound = errors.New("dev server not found")
	// ErrNoWorktree is returned when no working directory can be resolved.
	ErrNoWorktree = errors.New("no worktree found")
	// ErrNoPorts is returned when the probe range is exhausted.
	ErrNoPorts = errors.New("no available port in range")
)

// WorktreeFinder locates the isolated worktree for a task number.
type WorktreeFinder interface {
	FindWorktreePath(repoDir string, taskNumber int) (string, error)
}

// Config holds supervisor tunables. Zero values fall back to defaults.
type Config struct {
	BasePort          int           // default 6000, offset by task number
	PortSpan          int           // default 100, linear probe range
	ReadyPollInterval time.Duration // default 1s
	ReadyMaxAttempts  int           // default 20
	EarlyExitGrace    time.Duration // default 400ms
	PruneGrace        time.Duration // default 30s
	InstallTimeout    time.Duration // default 3m
	DefaultProjectDir string
}

func (c Config) withDefaults() Config {
	if c.BasePort == 0 {
		c.BasePort = 6000
	}
	if c.PortSpan == 0 {
		c.PortSpan = 100
	}
	if c.ReadyPollInterval == 0 {
		c.ReadyPollInterval = time.Second
	}
	if c.ReadyMaxAttempts == 0 {
		c.ReadyMaxAttempts = 20
	}
	if c.EarlyExitGrace == 0 {
		c.EarlyExitGrace = 400 * time.Millisecond
	}
	if c.PruneGrace == 0 {
		c.PruneGrace = 30 * time.Second
	}
	if c.InstallTimeout == 0 {
		c.InstallTimeout = 3 * time.Minute
	}
	return c
}

// server is the in-memory tracking entry for one spawned or recovered
// process. cmd is nil for servers re-adopted after a restart.
type server struct {
	rec       models.DevServerRecord
	cmd       *exec.Cmd
	stderr    *boundedBuffer
	exited    chan struct{}
	exitCode  int
	tunnelURL string
}

// Manager supervises all dev-server processes on this node.
type Manager struct {
	cfg    Config
	store  store.Store
	router *proxy.Router
	tunnel *tunnel.Manager
	git    WorktreeFinder
	logger *slog.Logger

	mu      sync.Mutex
	servers map[string]*server
}

// NewManager creates a dev-server supervisor. Call Recover once at startup
// to re-adopt servers that survived a node restart.
func NewManager(cfg Config, st store.Store, router *proxy.Router, tun *tunnel.Manager, git WorktreeFinder, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		store:   st,
		router:  router,
		tunnel:  tun,
		git:     git,
		logger:  logger,
		servers: make(map[string]*server),
	}
}

// Recover loads persisted records and re-adopts those whose port is still
// listening. Rows for dead processes are purged.
func (m *Manager) Recover(ctx context.Context) error {
	records, err := m.store.ListDevServers(ctx)
	if err != nil {
		return fmt.Errorf("load dev servers: %w", err)
	}

	for _, rec := range records {
		if !netutil.PortInUse(rec.Port) {
			m.logger.Info("discarding dead dev server record", "run_id", rec.RunID, "port", rec.Port)
			_ = m.store.DeleteDevServer(ctx, rec.RunID)
			continue
		}
		m.mu.Lock()
		m.servers[rec.RunID] = &server{rec: *rec}
		m.mu.Unlock()
		m.logger.Info("recovered dev server", "run_id", rec.RunID, "port", rec.Port, "pid", rec.PID)
	}
	return nil
}

// StartSpec describes a dev-server start request.
type StartSpec struct {
	TaskID       string `json:"task_id,omitempty"`
	TaskNumber   int    `json:"task_number"`
	RunID        string `json:"run_id"`
	DevScript    string `json:"dev_script,omitempty"`
	WorkingDir   string `json:"working_dir,omitempty"` // subdirectory of the worktree
	Tunnel       bool   `json:"tunnel,omitempty"`
	WorktreePath string `json:"worktree_path,omitempty"`
	ProjectPath  string `json:"project_path,omitempty"`
}

// StartResult is the response to a start request.
type StartResult struct {
	RunID     string `json:"runId"`
	Port      int    `json:"port"`
	URL       string `json:"url"`
	ProxyURL  string `json:"proxyUrl,omitempty"`
	TunnelURL string `json:"tunnelUrl,omitempty"`
	Status    string `json:"status"` // started or already_running
}

// Start launches a dev server for a run id, or refreshes proxy/tunnel wiring
// when one is already alive for that id.
func (m *Manager) Start(ctx context.Context, spec StartSpec) (*StartResult, error) {
	if err := m.router.Start(); err != nil {
		return nil, err
	}

	if res := m.handleExisting(ctx, spec.RunID, spec.Tunnel); res != nil {
		return res, nil
	}

	worktreePath, err := m.resolveWorktree(spec.TaskNumber, spec.WorktreePath, spec.ProjectPath)
	if err != nil {
		return nil, err
	}

	port, err := m.findAvailablePort(m.cfg.BasePort + spec.TaskNumber)
	if err != nil {
		return nil, err
	}

	srv, err := m.spawn(ctx, spec, port, worktreePath)
	if err != nil {
		return nil, err
	}

	// Persist before health confirmation so a node crash mid-startup still
	// leaves a row to reconcile against.
	m.mu.Lock()
	m.servers[spec.RunID] = srv
	m.mu.Unlock()
	if err := m.store.SaveDevServer(ctx, &srv.rec); err != nil {
		m.logger.Warn("persist dev server failed", "run_id", spec.RunID, "error", err)
	}

	if err := m.waitUntilReady(ctx, srv); err != nil {
		m.cleanup(ctx, spec.RunID)
		return nil, fmt.Errorf("dev server failed to start: %w", err)
	}

	// Tunnel only after confirmed healthy; tunneling a dying server leaks
	// confusing public endpoints.
	tunnelURL := ""
	if spec.Tunnel {
		tunnelURL = m.tunnel.Start(port, spec.RunID)
		m.mu.Lock()
		srv.tunnelURL = tunnelURL
		m.mu.Unlock()
	}

	m.router.SetTarget(port, spec.RunID)
	proxyStatus := m.router.Status()

	return &StartResult{
		RunID:     spec.RunID,
		Port:      port,
		URL:       fmt.Sprintf("http://localhost:%d", port),
		ProxyURL:  proxyStatus.ProxyURL,
		TunnelURL: tunnelURL,
		Status:    "started",
	}, nil
}

// handleExisting re-validates a tracked run id by port probing. Returns a
// result for a live server, or nil after purging a stale entry.
func (m *Manager) handleExisting(ctx context.Context, runID string, wantTunnel bool) *StartResult {
	m.mu.Lock()
	srv, ok := m.servers[runID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if !netutil.PortInUse(srv.rec.Port) {
		m.logger.Info("stale dev server entry, cleaning up", "run_id", runID, "port", srv.rec.Port)
		m.cleanup(ctx, runID)
		return nil
	}

	m.router.SetTarget(srv.rec.Port, runID)
	proxyStatus := m.router.Status()

	m.mu.Lock()
	tunnelURL := srv.tunnelURL
	m.mu.Unlock()
	if tunnelURL != "" && !m.tunnel.Has(runID) {
		// Tunnel record survived but the tunnel itself did not.
		tunnelURL = m.tunnel.Start(srv.rec.Port, runID)
	} else if tunnelURL == "" && wantTunnel {
		tunnelURL = m.tunnel.Start(srv.rec.Port, runID)
	}
	m.mu.Lock()
	srv.tunnelURL = tunnelURL
	m.mu.Unlock()

	return &StartResult{
		RunID:     runID,
		Port:      srv.rec.Port,
		URL:       fmt.Sprintf("http://localhost:%d", srv.rec.Port),
		ProxyURL:  proxyStatus.ProxyURL,
		TunnelURL: tunnelURL,
		Status:    "already_running",
	}
}

func (m *Manager) resolveWorktree(taskNumber int, worktreePath, projectPath string) (string, error) {
	if worktreePath != "" {
		if _, err := os.Stat(worktreePath); err != nil {
			return "", fmt.Errorf("%w: worktree path not found: %s", ErrNoWorktree, worktreePath)
		}
		return worktreePath, nil
	}

	repoDir := projectPath
	if repoDir == "" {
		repoDir = m.cfg.DefaultProjectDir
	}
	if m.git != nil && repoDir != "" {
		if found, err := m.git.FindWorktreePath(repoDir, taskNumber); err == nil && found != "" {
			return found, nil
		}
	}

	if projectPath != "" {
		if _, err := os.Stat(projectPath); err == nil {
			return projectPath, nil
		}
	}

	return "", fmt.Errorf("%w for task %d", ErrNoWorktree, taskNumber)
}

func (m *Manager) findAvailablePort(base int) (int, error) {
	for port := base; port <= base+m.cfg.PortSpan; port++ {
		if !netutil.PortInUse(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w (%d-%d)", ErrNoPorts, base, base+m.cfg.PortSpan)
}

// spawn resolves the run directory, installs dependencies if needed, and
// launches the dev-server process detached from the node's signal group.
func (m *Manager) spawn(ctx context.Context, spec StartSpec, port int, worktreePath string) (*server, error) {
	var runDir string
	if spec.WorkingDir != "" {
		runDir = filepath.Join(worktreePath, spec.WorkingDir)
	} else {
		runDir, _ = FindDevDir(worktreePath)
	}
	if _, err := os.Stat(runDir); err != nil {
		return nil, fmt.Errorf("%w: working directory not found: %s", ErrNoWorktree, runDir)
	}

	if err := m.ensureDeps(ctx, runDir, spec.TaskNumber); err != nil {
		return nil, err
	}

	command := spec.DevScript
	if command != "" {
		command = strings.ReplaceAll(command, "{port}", fmt.Sprintf("%d", port))
	} else {
		tunnelFlags := ""
		if spec.Tunnel {
			tunnelFlags = " --host --allowedHosts all"
		}
		command = fmt.Sprintf("npm run dev -- --port %d%s", port, tunnelFlags)
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = runDir
	cmd.Env = os.Environ()
	if spec.Tunnel {
		// CRA and webpack dev servers reject requests from tunnel hostnames
		// unless told otherwise.
		cmd.Env = append(cmd.Env, "DANGEROUSLY_DISABLE_HOST_CHECK=true", "WATCHPACK_POLLING=true")
	}

	stderr := newBoundedBuffer(64 * 1024)
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr
	detachProcess(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn dev server: %w", err)
	}

	m.logger.Info("dev server spawned", "run_id", spec.RunID, "pid", cmd.Process.Pid, "port", port, "cmd", command, "dir", runDir)

	srv := &server{
		rec: models.DevServerRecord{
			RunID:        spec.RunID,
			TaskID:       spec.TaskID,
			TaskNumber:   spec.TaskNumber,
			Port:         port,
			WorktreePath: worktreePath,
			StartedAt:    time.Now(),
			PID:          cmd.Process.Pid,
		},
		cmd:    cmd,
		stderr: stderr,
		exited: make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		srv.exitCode = 0
		if err != nil {
			srv.exitCode = -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				srv.exitCode = exitErr.ExitCode()
			}
		}
		close(srv.exited)
	}()

	return srv, nil
}

// ensureDeps runs an install when node_modules is missing. Bounded timeout;
// failure is fatal to the start request.
func (m *Manager) ensureDeps(ctx context.Context, runDir string, taskNumber int) error {
	if _, err := os.Stat(filepath.Join(runDir, "node_modules")); err == nil {
		return nil
	}
	if _, err := os.Stat(filepath.Join(runDir, "package.json")); err != nil {
		return nil
	}

	m.logger.Info("installing dependencies", "task_number", taskNumber, "dir", runDir)

	installCtx, cancel := context.WithTimeout(ctx, m.cfg.InstallTimeout)
	defer cancel()

	cmd := exec.CommandContext(installCtx, "sh", "-c", "npm install")
	cmd.Dir = runDir
	stderr := newBoundedBuffer(16 * 1024)
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr
	detachProcess(cmd)

	if err := cmd.Run(); err != nil {
		if installCtx.Err() == context.DeadlineExceeded {
			return errors.New("npm install timed out")
		}
		return fmt.Errorf("npm install failed: %s", stderr.String())
	}
	return nil
}

// waitUntilReady polls until the server is healthy or confirmed dead. A
// process that dies fails immediately with its captured stderr. A port that
// stays open without answering HTTP is accepted after a few attempts, and a
// live process that never opens the port within the window is accepted
// optimistically rather than killed: a false negative on a slow server is
// worse than a short false-positive window.
func (m *Manager) waitUntilReady(ctx context.Context, srv *server) error {
	select {
	case <-time.After(m.cfg.EarlyExitGrace):
	case <-ctx.Done():
		return ctx.Err()
	}

	for attempt := 0; attempt < m.cfg.ReadyMaxAttempts; attempt++ {
		select {
		case <-srv.exited:
			msg := strings.TrimSpace(srv.stderr.String())
			if len(msg) > 500 {
				msg = msg[:500]
			}
			if msg == "" {
				msg = fmt.Sprintf("process exited with code %d", srv.exitCode)
			}
			return errors.New(msg)
		default:
		}

		if netutil.PortInUse(srv.rec.Port) {
			if netutil.HTTPReady(srv.rec.Port, 2*time.Second) {
				m.logger.Info("dev server ready", "run_id", srv.rec.RunID, "port", srv.rec.Port, "attempt", attempt+1)
				return nil
			}
			// Not every dev server answers a bare HEAD correctly; a port
			// that stays open is signal enough.
			if attempt >= 3 {
				m.logger.Info("dev server port open, accepting", "run_id", srv.rec.RunID, "port", srv.rec.Port)
				return nil
			}
		}

		select {
		case <-time.After(m.cfg.ReadyPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.logger.Info("dev server slow to open port, accepting optimistically", "run_id", srv.rec.RunID, "port", srv.rec.Port)
	return nil
}

// Stop tears a dev server down. Idempotent on the process side but unknown
// run ids are reported.
func (m *Manager) Stop(ctx context.Context, runID string) error {
	m.mu.Lock()
	_, ok := m.servers[runID]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	m.cleanup(ctx, runID)
	return nil
}

// List reports all tracked servers, pruning entries whose port went silently
// dead after the startup grace window.
func (m *Manager) List(ctx context.Context) ([]*models.ServerInfo, models.ProxyStatus) {
	proxyStatus := m.router.Status()

	m.mu.Lock()
	entries := make(map[string]*server, len(m.servers))
	for id, srv := range m.servers {
		entries[id] = srv
	}
	m.mu.Unlock()

	var infos []*models.ServerInfo
	var dead []string
	for runID, srv := range entries {
		if !netutil.PortInUse(srv.rec.Port) {
			if time.Since(srv.rec.StartedAt) < m.cfg.PruneGrace {
				// Still inside the startup window; tolerate a slow start.
				continue
			}
			dead = append(dead, runID)
			continue
		}

		isActive := proxyStatus.TargetRunID == runID
		info := &models.ServerInfo{
			RunID:        runID,
			TaskNumber:   srv.rec.TaskNumber,
			Port:         srv.rec.Port,
			URL:          fmt.Sprintf("http://localhost:%d", srv.rec.Port),
			TunnelURL:    srv.tunnelURL,
			IsActive:     isActive,
			StartedAt:    srv.rec.StartedAt,
			WorktreePath: srv.rec.WorktreePath,
		}
		if isActive {
			info.ProxyURL = proxyStatus.ProxyURL
		}
		infos = append(infos, info)
	}

	for _, runID := range dead {
		m.logger.Info("pruning dead dev server", "run_id", runID)
		m.cleanup(ctx, runID)
	}

	return infos, proxyStatus
}

// Get returns the tracked record for a run id.
func (m *Manager) Get(runID string) (*models.DevServerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.servers[runID]
	if !ok {
		return nil, ErrNotFound
	}
	rec := srv.rec
	return &rec, nil
}

// StopAll tears down every tracked server. Used on shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.cleanup(ctx, id)
	}
}

// cleanup kills the process group, closes the tunnel, clears the proxy
// target if this run was active, and deletes the persisted row.
func (m *Manager) cleanup(ctx context.Context, runID string) {
	m.mu.Lock()
	srv, ok := m.servers[runID]
	delete(m.servers, runID)
	m.mu.Unlock()
	if !ok {
		return
	}

	killProcessGroup(srv.cmd)
	m.tunnel.Stop(runID)
	m.router.ClearTarget(runID)

	if err := m.store.DeleteDevServer(ctx, runID); err != nil {
		m.logger.Warn("delete dev server record failed", "run_id", runID, "error", err)
	}
}

// boundedBuffer is a concurrency-safe writer that keeps at most cap bytes
// and silently discards the rest. Used for stderr capture.
type boundedBuffer struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

func newBoundedBuffer(capacity int) *boundedBuffer {
	return &boundedBuffer{cap: capacity}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining := b.cap - len(b.buf); remaining > 0 {
		if len(p) > remaining {
			b.buf = append(b.buf, p[:remaining]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
