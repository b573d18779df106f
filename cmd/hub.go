package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/branchmonkey/bridge/internal/relay"
)

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run a self-hosted relay hub",
	Long: `Run the cloud side of the relay for self-hosted setups: nodes connect
over websocket and callers forward requests to them through the REST surface.

Access tokens are configured under hub.tokens in the config file, mapping
each token to a user id. A single hub.secret is accepted as a shorthand for
one default user.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return hubRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(hubCmd)

	hubCmd.Flags().IntP("port", "p", 0, "Hub port (default from config, 9000)")
	_ = viper.BindPFlag("hub.port", hubCmd.Flags().Lookup("port"))
}

// hubValidator builds the token check from config.
func hubValidator() (relay.TokenValidator, error) {
	tokens := viper.GetStringMapString("hub.tokens")
	if secret := viper.GetString("hub.secret"); secret != "" {
		tokens[secret] = "default"
	}
	if len(tokens) == 0 {
		return nil, errors.New("no hub tokens configured (set hub.tokens or hub.secret)")
	}

	return func(token string) (string, error) {
		if userID, ok := tokens[token]; ok && token != "" {
			return userID, nil
		}
		return "", errors.New("unknown token")
	}, nil
}

func hubRun(ctx context.Context) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	validate, err := hubValidator()
	if err != nil {
		return err
	}

	manager := relay.NewManager(logger)
	hub := relay.NewHub(manager, validate, logger)

	mux := http.NewServeMux()
	hub.Routes(mux)
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, buildVersion)
	})

	port := viper.GetInt("hub.port")
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	runCtx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hub listening", "port", port, "version", buildVersion)
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
	return srv.Shutdown(shutdownCtx)
}
