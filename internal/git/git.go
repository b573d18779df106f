package git

import (
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
	HEAD   string `json:"head"`
}

// Client defines the interface for git operations on arbitrary repos.
// All methods take a path parameter since the node operates on multiple repos.
type Client interface {
	IsRepo(path string) bool
	RepoRoot(path string) (string, error)
	CurrentBranch(path string) (string, error)
	BranchExists(path, branch string) bool
	WorktreeList(path string) ([]WorktreeInfo, error)
	CreateWorktree(repoDir, branch string, taskNumber int, runID string) (*WorktreeResult, error)
	RemoveWorktree(repoDir, worktreePath string) error
	FindWorktreePath(repoDir string, taskNumber int) (string, error)
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.Command("git", fullArgs...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *RealClient) IsRepo(path string) bool {
	_, err := gitCmd(path, "rev-parse", "--git-dir")
	return err == nil
}

func (c *RealClient) RepoRoot(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--show-toplevel")
}

func (c *RealClient) CurrentBranch(path string) (string, error) {
	return gitCmd(path, "branch", "--show-current")
}

func (c *RealClient) BranchExists(path, branch string) bool {
	_, err := gitCmd(path, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func (c *RealClient) WorktreeList(path string) ([]WorktreeInfo, error) {
	out, err := gitCmd(path, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeListPorcelain(out), nil
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

var (
	slugInvalid  = regexp.MustCompile(`[^a-z0-9\s-]`)
	slugSpaces   = regexp.MustCompile(`\s+`)
	slugRepeated = regexp.MustCompile(`-+`)
)

// GenerateBranchName builds a branch name from a task number, a title slug,
// and a short run id suffix, e.g. "task/42-fix-login-a1b2c3".
func GenerateBranchName(taskNumber int, title, runID string) string {
	slug := strings.ToLower(title)
	slug = slugInvalid.ReplaceAllString(slug, "")
	slug = slugSpaces.ReplaceAllString(slug, "-")
	slug = slugRepeated.ReplaceAllString(slug, "-")
	if len(slug) > 30 {
		slug = slug[:30]
	}
	slug = strings.TrimRight(slug, "-")

	if runID != "" {
		suffix := runID
		if len(suffix) > 6 {
			suffix = suffix[:6]
		}
		return fmt.Sprintf("task/%d-%s-%s", taskNumber, slug, suffix)
	}
	return fmt.Sprintf("task/%d-%s", taskNumber, slug)
}
