package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vesselworks/flotilla/pkg/api"
	"github.com/vesselworks/flotilla/pkg/config"
	"github.com/vesselworks/flotilla/pkg/log"
	"github.com/vesselworks/flotilla/pkg/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon",
	Long: `Run the warm pool loops and the local admin API until interrupted.

The daemon keeps the pool replenished, ages out stale VMs, and serves
health, metrics, deployment progress, and pool state on the admin
address.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Path to config file")
	serveCmd.Flags().String("listen", "", "Admin API listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	listen, _ := cmd.Flags().GetString("listen")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}
	if listen != "" {
		cfg.Admin.ListenAddr = listen
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

	fmt.Println("Starting flotilla...")
	fmt.Printf("  Config: %s\n", cfg)
	fmt.Printf("  Admin API: %s\n", cfg.Admin.ListenAddr)
	fmt.Println()

	o, err := orchestrator.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to build orchestrator: %v", err)
	}
	o.Start()
	fmt.Println("✓ Orchestrator started")

	srv := api.NewServer(cfg.Admin.ListenAddr, api.Deps{
		Pool:        o.Pool(),
		Blacklist:   o.Blacklist(),
		Deployments: o.Tracker(),
		Broker:      o.Broker(),
		Marketplace: o.Marketplace(),
		Version:     Version,
	})
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin server error: %v", err)
		}
	}()
	fmt.Println("✓ Admin API started")

	fmt.Println()
	fmt.Println("Orchestrator is running. Press Ctrl+C to stop.")

	// Wait for interrupt signal or admin server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	// Shutdown: stop accepting admin requests first, then the loops.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "admin server shutdown: %v\n", err)
	}
	o.Stop()

	fmt.Println("✓ Shutdown complete")
	return nil
}
