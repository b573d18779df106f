package agent

import (
	"encoding/json"
	"fmt"
)

// buildPrompt assembles the instruction payload handed to the agent CLI. When
// the session runs inside an isolated worktree, a preamble tells the agent so
// it does not try to create another one. Without an explicit prompt the task
// metadata itself becomes the instruction.
func buildPrompt(prompt string, s *Session) string {
	if prompt != "" {
		if s.WorktreePath == "" {
			return prompt
		}
		preamble := fmt.Sprintf(`## IMPORTANT: Worktree Already Created
You are working in an isolated git worktree at: `+"`%s`"+`
Branch: `+"`%s`"+`

Do NOT create another worktree - you are already isolated. Skip any worktree creation steps.

---

`, s.WorktreePath, s.Branch)
		return preamble + prompt
	}

	title := s.Title
	if title == "" {
		title = "Untitled task"
	}
	task := map[string]any{
		"task_uuid":     s.TaskID,
		"task_number":   s.TaskNumber,
		"title":         title,
		"description":   s.Description,
		"branch":        s.Branch,
		"worktree_path": s.WorktreePath,
	}
	payload, _ := json.MarshalIndent(task, "", "  ")

	return fmt.Sprintf("Please start working on this task:\n\n```json\n%s\n```", payload)
}
