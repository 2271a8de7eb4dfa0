package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rust-gcc/bottlecache/pkg/api"
	"github.com/rust-gcc/bottlecache/pkg/cache"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Start the bottlecache API server. The cache is updated once the server
is listening and again whenever a query finds it stale.`,
	RunE: runServe,
}

func init() {
	addTokenFlag(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	comps, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}

	defer comps.Close()

	interval, err := cfg.Cache.RefreshIntervalDuration()
	if err != nil {
		return err
	}

	opts := api.Options{Registry: comps.registry}

	if interval > 0 {
		opts.Refresher = cache.NewRefresher(log, comps.cache, interval)
	}

	if comps.history != nil {
		opts.Cycles = comps.history
	}

	srv, err := api.NewServer(log, cfg, comps.cache, opts)
	if err != nil {
		return fmt.Errorf("creating api server: %w", err)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down API server")
	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
