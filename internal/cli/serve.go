package cli

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/app"
)

var healthURL string

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().StringVar(&healthURL, "url", "http://localhost:8080/health", "Health endpoint to probe")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops server and the inbox watcher",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := app.NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting phi-sentinel",
		zap.String("version", app.Version),
		zap.Int("port", cfg.Server.Port),
		zap.String("audit_sink", cfg.Audit.Sink),
		zap.Bool("inbox", cfg.Inbox.Enabled))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("Startup failed", zap.Error(err))
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("Shutdown failed", zap.Error(err))
		}
	}()

	if err := a.Serve(ctx); err != nil {
		return err
	}
	log.Info("Shutdown complete")
	return nil
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe a running server's health endpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health check failed: HTTP %d", resp.StatusCode)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Health check passed")
		return nil
	},
}
