// Command shiftd runs the shiftdesk cache and sync engine.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shiftdesk/shiftdesk/internal/app"
	"github.com/shiftdesk/shiftdesk/internal/config"
	"github.com/shiftdesk/shiftdesk/internal/logging"
)

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "shiftd",
	Short: "Local cache with write-back sync for shiftdesk",
	Long: `shiftd keeps employees' accounts, daily reports, tasks and attendance in a
local SQLite cache and syncs them to the hosted database in the background.

Writes return as soon as the local store has them. A sync worker pushes
pending changes and pulls recent remote state on a fixed interval.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "engine", Title: "Engine:"},
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: ./shiftd.toml or ~/.config/shiftd/shiftd.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log engine activity to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration or exits.
func loadConfig() *config.Loader {
	loader, err := config.Load(config.Options{File: configFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return loader
}

// newLogs builds loggers from cfg. One-shot commands stay quiet on stderr
// unless --verbose is set; serve always logs.
func newLogs(cfg *config.Config, quiet bool) *logging.Factory {
	logs, err := logging.New(logging.Config{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Quiet:      quiet,
	}, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
		os.Exit(1)
	}
	return logs
}

// openApp loads config and wires the engine without starting background
// work, or exits.
func openApp(ctx context.Context) (*app.App, *logging.Factory) {
	cfg := loadConfig().Config()
	logs := newLogs(cfg, !verbose)
	a, err := app.New(ctx, cfg, logs)
	if err != nil {
		_ = logs.Close()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return a, logs
}

// closeApp releases a and its logs, reporting errors.
func closeApp(a *app.App, logs *logging.Factory) {
	if err := a.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
	}
	_ = logs.Close()
}
