package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/wesm/sheetvault/internal/api"
	"github.com/wesm/sheetvault/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the web server and scheduled sweeps",
	Long: `Run sheetvault as a long-running daemon.

The daemon runs in the foreground and performs:
  - HTTP server on the configured port (default: 8080) with
    /authorize, /oauth2callback and /dashboard for users, /api/v1 for
    admins (API key) and /metrics for Prometheus
  - A sweep over every stored account on the configured interval
    (default: every 5 minutes) or cron schedule

Configure the sweep in config.toml:
  [sync]
  interval = "5m"
  # schedule = "*/15 * * * *"   # cron format, overrides interval

Use Ctrl+C to stop the daemon gracefully.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.newScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	deps := api.Deps{
		Files:     a.files,
		Accounts:  a.creds,
		Stats:     a.store,
		Runs:      a.store,
		Scheduler: sched,
		Metrics:   a.metrics.Handler(),
	}
	if cfg.Storage.Backend == config.BackendFS {
		deps.FilesDir = cfg.FilesDir()
	}

	redirect := cfg.OAuth.RedirectURL
	if redirect == "" {
		redirect = "http://" + cfg.ListenAddr() + "/oauth2callback"
	}
	flow, err := newFlow(ctx, a.creds, redirect)
	if err != nil {
		// The daemon still sweeps accounts added before.
		logger.Warn("web authorization disabled", "error", err)
	} else {
		deps.OAuth = flow
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	apiServer := api.NewServer(cfg, deps, logger)

	// Start API server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	status := sched.Status()
	fmt.Printf("sheetvault daemon started\n")
	fmt.Printf("  HTTP server: http://%s\n", cfg.ListenAddr())
	fmt.Printf("  Schedule: %s\n", status.Schedule)
	fmt.Printf("  Storage: %s\n", cfg.Storage.Backend)
	fmt.Printf("  Data directory: %s\n", cfg.Data.DataDir)
	if !status.NextSweep.IsZero() {
		fmt.Printf("  Next sweep: %s\n", status.NextSweep.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()

	// Wait for shutdown signal or server error
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
		fmt.Println("\nShutting down...")
	case err := <-serverErr:
		logger.Error("API server error", "error", err)
		runErr = fmt.Errorf("http server: %w", err)
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}

	fmt.Println("Waiting for the running sweep to stop...")
	schedCtx := sched.Stop()

	// Wait for scheduler to stop (with timeout)
	select {
	case <-schedCtx.Done():
		fmt.Println("Shutdown complete.")
	case <-time.After(30 * time.Second):
		fmt.Println("Shutdown timed out after 30 seconds.")
	}

	return runErr
}
