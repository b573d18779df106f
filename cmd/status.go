package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/branchmonkey/bridge/internal/models"
	"github.com/branchmonkey/bridge/internal/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node status",
	Long: `Show the running node's agent sessions, dev servers, proxy target,
and relay link. Talks to the local API, so the node must be running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusRun()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func nodeURL(path string) string {
	return fmt.Sprintf("http://localhost:%d%s", viper.GetInt("node.port"), path)
}

func getNodeJSON(path string, v any) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(nodeURL(path))
	if err != nil {
		return fmt.Errorf("bridge is not running (start it with 'bridge serve'): %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node returned status %d for %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func statusRun() error {
	var overview struct {
		Version       string             `json:"version"`
		UptimeSeconds int                `json:"uptime_seconds"`
		Relay         models.RelayStatus `json:"relay"`
		Proxy         models.ProxyStatus `json:"proxy"`
	}
	if err := getNodeJSON("/api/status", &overview); err != nil {
		return err
	}

	ui.Info("bridge %s, up %s", overview.Version, (time.Duration(overview.UptimeSeconds) * time.Second).String())

	if overview.Relay.Connected {
		ui.Success("Relay: connected to %s as %s", output.Cyan(overview.Relay.CloudURL), overview.Relay.MachineName)
	} else {
		ui.Warning("Relay: not connected")
	}

	if overview.Proxy.Running {
		target := "(no target)"
		if overview.Proxy.TargetRunID != "" {
			target = fmt.Sprintf("run %s on port %d", overview.Proxy.TargetRunID, overview.Proxy.TargetPort)
		}
		ui.Info("Proxy: %s -> %s", overview.Proxy.ProxyURL, target)
	}
	fmt.Fprintln(ui.Out)

	if err := printAgentTable(); err != nil {
		return err
	}
	fmt.Fprintln(ui.Out)
	return printDevServerTable()
}

func printAgentTable() error {
	var listing struct {
		Agents []models.AgentSessionInfo `json:"agents"`
	}
	if err := getNodeJSON("/api/agents", &listing); err != nil {
		return err
	}

	if len(listing.Agents) == 0 {
		ui.Info("No agent sessions")
		return nil
	}

	table := ui.Table([]string{"ID", "Task", "Status", "Branch", "Activity"})
	for _, a := range listing.Agents {
		task := a.Title
		if a.TaskNumber > 0 {
			task = fmt.Sprintf("#%d %s", a.TaskNumber, a.Title)
		}
		table.Append([]string{
			output.Cyan(a.ID),
			task,
			output.StatusColor(string(a.Status)),
			a.Branch,
			timeAgo(a.LastActivity),
		})
	}
	table.Render()
	return nil
}

func printDevServerTable() error {
	var listing struct {
		Servers []models.ServerInfo `json:"servers"`
	}
	if err := getNodeJSON("/api/dev-server", &listing); err != nil {
		return err
	}

	if len(listing.Servers) == 0 {
		ui.Info("No dev servers")
		return nil
	}

	table := ui.Table([]string{"Run", "Task", "Port", "URL", "Active", "Started"})
	for _, s := range listing.Servers {
		active := "-"
		if s.IsActive {
			active = output.Green("yes")
		}
		url := s.URL
		if s.TunnelURL != "" {
			url = s.TunnelURL
		}
		table.Append([]string{
			output.Cyan(s.RunID),
			fmt.Sprintf("#%d", s.TaskNumber),
			fmt.Sprintf("%d", s.Port),
			url,
			active,
			timeAgo(s.StartedAt),
		})
	}
	table.Render()
	return nil
}

// timeAgo formats a time as a compact relative duration.
func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "n/a"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
