package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run one update cycle and exit",
	Long: `Fetch the results of every unprocessed run, persist them to the cache
directory and print a summary. Meant to be run from cron next to a server
started with cache.pinned, which re-reads the directory once its TTL has
passed.`,
	RunE: runRefresh,
}

func init() {
	addTokenFlag(refreshCmd)
	rootCmd.AddCommand(refreshCmd)
}

func runRefresh(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cfg.Cache.Pinned {
		return fmt.Errorf("refresh cannot run with cache.pinned set")
	}

	if cfg.Cache.Directory == "" {
		log.Warn("No cache.directory set, results will not be persisted")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comps, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}

	defer comps.Close()

	stats, err := comps.cache.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("update cycle: %w", err)
	}

	status := comps.cache.Status()

	fmt.Printf("new runs:    %d\n", stats.NewRuns)
	fmt.Printf("stored:      %d\n", stats.Stored)
	fmt.Printf("invalid:     %d\n", stats.Invalid)
	fmt.Printf("empty runs:  %d\n", stats.EmptyRuns)
	fmt.Printf("records:     %d\n", status.Records)

	return nil
}
