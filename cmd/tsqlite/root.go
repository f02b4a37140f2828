package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arcstore/tsqlite/internal/config"
	"github.com/arcstore/tsqlite/internal/store"
)

// Package-level CLI state rather than threading values through cobra's
// Context.
var (
	dbPath     string
	jsonOutput bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "tsqlite",
	Short: "Command-line driver for the typed SQLite persistence core",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return fmt.Errorf("initialize config: %w", err)
		}
		if dbPath == "" {
			dbPath = config.DBPath()
		}
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the database file (default: config db-path)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON instead of human-readable text")
}

// openStore opens the record store against the resolved --db path using
// the ambient pragma configuration.
func openStore(ctx context.Context) (*store.Store[string, record], error) {
	return store.Open[string, record](ctx, dbPath, config.PragmaConfig())
}

func callerInfo(member string) store.CallerInfo {
	return store.CallerInfo{Member: member}
}
