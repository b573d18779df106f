package agent

import (
	"encoding/json"
	"strings"
)

// Event is the parsed form of one line of the agent CLI's stream-json output.
// The CLI emits self-describing records; only the fields the supervisor acts
// on are decoded, everything else passes through as raw text.
type Event struct {
	Type      string      `json:"type"`
	Subtype   string      `json:"subtype,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Result    string      `json:"result,omitempty"`
	Message   MessageBody `json:"message,omitempty"`
}

// MessageBody is the content-bearing part of an assistant event.
type MessageBody struct {
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one block of an assistant message.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ParseEvent decodes a single output line. Returns nil for lines that are not
// valid JSON objects; those still get buffered and broadcast as raw text.
func ParseEvent(line string) *Event {
	var ev Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return nil
	}
	return &ev
}

// IsInit reports whether this event marks initialization complete and may
// carry a resumable session token.
func (e *Event) IsInit() bool {
	return e.Type == "system" && e.Subtype == "init"
}

// OutputRecord is one buffered/broadcast unit of session output.
type OutputRecord struct {
	Type      string `json:"type"` // output, paused, exit
	Data      string `json:"data,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	CanResume bool   `json:"can_resume,omitempty"`

	event *Event // parsed form, nil for non-JSON lines
}

// extractResult pulls a best-effort final result string out of the buffer:
// the most recent explicit "result" event if one exists, otherwise all
// assistant text blocks concatenated in order.
func extractResult(records []OutputRecord) string {
	for i := len(records) - 1; i >= 0; i-- {
		ev := records[i].event
		if ev != nil && ev.Type == "result" {
			return ev.Result
		}
	}

	var parts []string
	for _, rec := range records {
		ev := rec.event
		if ev == nil || ev.Type != "assistant" {
			continue
		}
		for _, block := range ev.Message.Content {
			if block.Type == "text" && block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}
