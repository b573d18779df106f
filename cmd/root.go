package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/branchmonkey/bridge/internal/output"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui *output.UI

	verbose bool
	dryRun  bool
)

// Set from main via Execute.
var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Bridge - run coding agents and dev servers on your own machine",
	Long: `bridge runs the local execution side of Branch Monkey: it supervises
CLI coding-agent sessions, starts dev servers in per-task worktrees, proxies
preview traffic to the active server, and keeps a persistent relay link to
the cloud so tasks can be driven remotely.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/bridge/config.yaml)")

	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "bridge")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("BRIDGE")
	viper.AutomaticEnv()

	// Defaults via viper.SetDefault()
	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "bridge")

	viper.SetDefault("state_dir", defaultConfigDir)
	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "bridge.db"))
	viper.SetDefault("node.port", 18081)
	viper.SetDefault("proxy.port", 5177)
	viper.SetDefault("cloud.url", "https://app.branchmonkey.dev")
	viper.SetDefault("agent.command", "claude")
	viper.SetDefault("agent.max_sessions", 10)
	viper.SetDefault("agent.work_dir", "")
	viper.SetDefault("devserver.base_port", 6000)
	viper.SetDefault("devserver.project_dir", "")
	viper.SetDefault("tunnel.enabled", false)
	viper.SetDefault("tunnel.agent_url", "")
	viper.SetDefault("hub.port", 9000)
	viper.SetDefault("hub.tokens", map[string]string{})

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(ui.Out, "bridge %s (commit %s, built %s)\n", buildVersion, buildCommit, buildDate)
	},
}

// tokenFilePath is where the relay credential is cached.
func tokenFilePath() string {
	return filepath.Join(viper.GetString("state_dir"), "relay-token.json")
}

// pidFilePath is where the daemonized node records its PID.
func pidFilePath() string {
	return filepath.Join(viper.GetString("state_dir"), "bridge.pid")
}
