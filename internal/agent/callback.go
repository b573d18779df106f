package agent

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/branchmonkey/bridge/internal/models"
)

// fireCallback performs the exactly-once completion notification for sessions
// that registered one. Delivery failures are logged and swallowed; nothing
// upstream is waiting on this.
func (m *Manager) fireCallback(s *Session) {
	s.callbackOnce.Do(func() {
		cb := s.Callback
		if cb == nil || cb.URL == "" {
			return
		}

		s.mu.Lock()
		status := s.status
		records := make([]OutputRecord, len(s.buffer))
		copy(records, s.buffer)
		s.mu.Unlock()

		// Paused still means the agent got through its turn.
		outcome := "failed"
		if status == models.SessionStatusCompleted || status == models.SessionStatusPaused {
			outcome = "completed"
		}

		payload := make(map[string]any, len(cb.Metadata)+2)
		for k, v := range cb.Metadata {
			payload[k] = v
		}
		payload["status"] = outcome
		payload["output"] = extractResult(records)

		body, err := json.Marshal(payload)
		if err != nil {
			m.logger.Warn("callback payload marshal failed", "id", s.ID, "error", err)
			return
		}

		req, err := http.NewRequest(http.MethodPost, cb.URL, bytes.NewReader(body))
		if err != nil {
			m.logger.Warn("callback request failed", "id", s.ID, "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-cron-secret", cb.Secret)

		resp, err := m.client.Do(req)
		if err != nil {
			m.logger.Warn("callback delivery failed", "id", s.ID, "url", cb.URL, "error", err)
			return
		}
		defer resp.Body.Close()

		m.logger.Info("completion callback sent", "id", s.ID, "status", outcome, "http_status", resp.StatusCode)
	})
}
