package git

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// WorktreeResult reports the outcome of CreateWorktree.
type WorktreeResult struct {
	Path           string   `json:"path"`
	BranchCreated  bool     `json:"branchCreated"`
	CopiedEnvFiles []string `json:"copiedEnvFiles,omitempty"`
}

// envPatterns are gitignored config files copied from the main checkout into
// a new worktree so spawned processes see the same local environment.
var envPatterns = []string{".env", ".env.local", ".env.development", ".env.development.local"}

// CreateWorktree creates a worktree for a task run under <root>/.worktrees,
// creating the branch first if it does not exist yet.
func (c *RealClient) CreateWorktree(repoDir, branch string, taskNumber int, runID string) (*WorktreeResult, error) {
	root, err := c.RepoRoot(repoDir)
	if err != nil {
		root = repoDir
	}

	worktreesDir := filepath.Join(root, ".worktrees")
	worktreePath := filepath.Join(worktreesDir, fmt.Sprintf("task-%d-%s", taskNumber, runID))

	if err := os.MkdirAll(worktreesDir, 0755); err != nil {
		return nil, fmt.Errorf("create worktrees dir: %w", err)
	}

	branchCreated := false
	if !c.BranchExists(root, branch) {
		if _, err := gitCmd(root, "branch", branch); err != nil {
			return nil, fmt.Errorf("create branch %s: %w", branch, err)
		}
		branchCreated = true
	}

	if _, err := gitCmd(root, "worktree", "add", worktreePath, branch); err != nil {
		return nil, fmt.Errorf("create worktree: %w", err)
	}

	copied := copyEnvFiles(root, worktreePath)

	return &WorktreeResult{
		Path:           worktreePath,
		BranchCreated:  branchCreated,
		CopiedEnvFiles: copied,
	}, nil
}

// copyEnvFiles copies gitignored env files from the main checkout into the
// worktree. Best effort, a missing or unreadable file is skipped.
func copyEnvFiles(root, worktreePath string) []string {
	var copied []string
	for _, pattern := range envPatterns {
		for _, subdir := range []string{"", "frontend", "src"} {
			src := filepath.Join(root, subdir, pattern)
			if _, err := os.Stat(src); err != nil {
				continue
			}
			dst := filepath.Join(worktreePath, subdir, pattern)
			if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
				continue
			}
			if err := copyFile(src, dst); err != nil {
				continue
			}
			rel, _ := filepath.Rel(worktreePath, dst)
			copied = append(copied, rel)
		}
	}
	return copied
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// RemoveWorktree removes a worktree, falling back to a plain directory
// removal if git refuses (already pruned, path outside the repo, etc).
func (c *RealClient) RemoveWorktree(repoDir, worktreePath string) error {
	root, err := c.RepoRoot(repoDir)
	if err != nil {
		root = repoDir
	}

	if _, err := gitCmd(root, "worktree", "remove", "--force", worktreePath); err != nil {
		return os.RemoveAll(worktreePath)
	}
	_, _ = gitCmd(root, "worktree", "prune")
	return nil
}

// FindWorktreePath returns the most recently modified worktree directory for
// a task number, or an empty string if none exists. The trailing dash in the
// prefix keeps task-29 from matching task-290.
func (c *RealClient) FindWorktreePath(repoDir string, taskNumber int) (string, error) {
	root, err := c.RepoRoot(repoDir)
	if err != nil {
		return "", err
	}

	worktreesDir := filepath.Join(root, ".worktrees")
	entries, err := os.ReadDir(worktreesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	prefix := fmt.Sprintf("task-%d-", taskNumber)
	type candidate struct {
		path  string
		mtime int64
	}
	var matches []candidate
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		matches = append(matches, candidate{
			path:  filepath.Join(worktreesDir, entry.Name()),
			mtime: info.ModTime().UnixNano(),
		})
	}
	if len(matches) == 0 {
		return "", nil
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].mtime > matches[j].mtime })
	return matches[0].path, nil
}
