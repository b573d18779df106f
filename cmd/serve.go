package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/branchmonkey/bridge/internal/agent"
	"github.com/branchmonkey/bridge/internal/api"
	"github.com/branchmonkey/bridge/internal/daemon"
	"github.com/branchmonkey/bridge/internal/devserver"
	"github.com/branchmonkey/bridge/internal/git"
	"github.com/branchmonkey/bridge/internal/proxy"
	"github.com/branchmonkey/bridge/internal/relay"
	"github.com/branchmonkey/bridge/internal/store"
	"github.com/branchmonkey/bridge/internal/tunnel"
)

var (
	serveDaemon  bool
	serveNoRelay bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local node",
	Long: `Run the local node: the REST API for agent sessions, dev servers,
and the preview proxy, plus the relay link to the cloud when this machine
has been linked with 'bridge link'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveDaemon {
			return daemonize()
		}
		return serveRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 0, "API port (default from config, 18081)")
	serveCmd.Flags().BoolVarP(&serveDaemon, "daemon", "d", false, "Run in the background")
	serveCmd.Flags().BoolVar(&serveNoRelay, "no-relay", false, "Do not connect to the cloud relay")
	_ = viper.BindPFlag("node.port", serveCmd.Flags().Lookup("port"))
}

// daemonize re-execs the node in the background and records its PID.
func daemonize() error {
	pf := daemon.NewPIDFile(pidFilePath())
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("bridge is already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"serve"}
	if serveNoRelay {
		args = append(args, "--no-relay")
	}
	child := exec.Command(exe, args...)
	child.Stdout = nil
	child.Stderr = nil
	setDaemonAttrs(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start background node: %w", err)
	}
	if err := pf.WritePID(child.Process.Pid); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	ui.Success("bridge running in background (pid %d)", child.Process.Pid)
	ui.Info("API at http://localhost:%d", viper.GetInt("node.port"))
	return nil
}

func serveRun(ctx context.Context) error {
	if err := os.MkdirAll(viper.GetString("state_dir"), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	st, err := store.NewSQLiteStore(viper.GetString("db_path"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	gitClient := git.NewClient()

	agents := agent.NewManager(agent.Config{
		Command:        viper.GetString("agent.command"),
		DefaultWorkDir: viper.GetString("agent.work_dir"),
		MaxSessions:    viper.GetInt("agent.max_sessions"),
	}, gitClient, logger)

	router := proxy.NewRouter(viper.GetInt("proxy.port"), logger)

	var provider tunnel.Provider = tunnel.Unavailable{}
	if viper.GetBool("tunnel.enabled") {
		provider = tunnel.NewNgrokProvider(viper.GetString("tunnel.agent_url"))
	}
	tun := tunnel.NewManager(provider, logger)

	devServers := devserver.NewManager(devserver.Config{
		BasePort:          viper.GetInt("devserver.base_port"),
		DefaultProjectDir: viper.GetString("devserver.project_dir"),
	}, st, router, tun, gitClient, logger)

	if err := devServers.Recover(ctx); err != nil {
		logger.Warn("dev server recovery failed", "error", err)
	}

	apiServer := api.NewServer(agents, devServers, router, buildVersion, logger)

	port := viper.GetInt("node.port")
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: apiServer.Router(),
	}

	runCtx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	// The foreground node owns the pid file too, so 'bridge stop' works
	// either way.
	pf := daemon.NewPIDFile(pidFilePath())
	if err := pf.Write(); err != nil {
		logger.Warn("pid file write failed", "error", err)
	}
	defer pf.Remove()

	if !serveNoRelay {
		go runRelay(runCtx, port, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("node listening", "port", port, "version", buildVersion)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-runCtx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	agents.KillAll(false)
	devServers.StopAll(shutdownCtx)
	_ = router.Stop()
	return nil
}

// runRelay keeps the cloud link alive for a linked machine. An unlinked
// machine skips the relay rather than blocking startup on device auth.
func runRelay(ctx context.Context, localPort int, logger *slog.Logger) {
	cloudURL := viper.GetString("cloud.url")
	tokens := relay.NewTokenStore(tokenFilePath())
	tok, err := tokens.Load(cloudURL)
	if err != nil || tok == nil {
		logger.Info("machine not linked, relay disabled", "hint", "run 'bridge link' to connect this machine")
		return
	}

	client := relay.NewClient(relay.ClientConfig{
		CloudURL:  cloudURL,
		LocalPort: localPort,
		TokenPath: tokenFilePath(),
		Capabilities: map[string]any{
			"agents":      true,
			"dev_servers": true,
		},
	}, logger)

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("relay client stopped", "error", err)
	}
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background node",
	RunE: func(cmd *cobra.Command, args []string) error {
		pf := daemon.NewPIDFile(pidFilePath())
		pid, running := pf.IsRunning()
		if !running {
			_ = pf.Remove()
			ui.Info("bridge is not running")
			return nil
		}

		if dryRun {
			ui.DryRunMsg("Would stop bridge (pid %d)", pid)
			return nil
		}

		if err := pf.Signal(sigTERM()); err != nil {
			return fmt.Errorf("stop bridge (pid %d): %w", pid, err)
		}

		// Give it a moment, then force if it lingers.
		for i := 0; i < 20; i++ {
			if _, still := pf.IsRunning(); !still {
				_ = pf.Remove()
				ui.Success("bridge stopped")
				return nil
			}
			time.Sleep(250 * time.Millisecond)
		}
		_ = pf.Signal(sigKILL())
		_ = pf.Remove()
		ui.Warning("bridge did not exit cleanly, killed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
