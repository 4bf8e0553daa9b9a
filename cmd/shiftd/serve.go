package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shiftdesk/shiftdesk/internal/app"
	"github.com/shiftdesk/shiftdesk/internal/config"
	"github.com/shiftdesk/shiftdesk/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "engine",
	Short:   "Run the sync engine in the foreground",
	Long: `Run the cache and sync engine until interrupted.

On start shiftd runs one reconciliation pass. If the remote store is
unreachable it continues in degraded mode: writes are cached and pushed once
the remote store is back. After that:
  1. Queued pushes run as soon as a batch fills up
  2. A full pass (push pending, pull recent, clean up) runs every sync.interval
  3. Retention cleanup also runs on sync.cleanup_schedule

Editing sync.interval in the config file takes effect without a restart.
On Ctrl+C the queue is drained once before exit.`,
	Run: func(cmd *cobra.Command, args []string) {
		dashboardAddr, _ := cmd.Flags().GetString("dashboard")

		loader := loadConfig()
		cfg := loader.Config()
		if dashboardAddr != "" {
			c := *cfg
			c.Dashboard.Enabled = true
			c.Dashboard.Addr = dashboardAddr
			cfg = &c
		}

		logs := newLogs(cfg, false)
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := app.New(ctx, cfg, logs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer closeApp(a, logs)

		if loader.Watch(func(prev, next *config.Config) {
			if err := a.ApplyConfig(prev, next); err != nil {
				logs.Logger("app").Printf("Warning: failed to apply config change: %v", err)
			}
		}) {
			fmt.Printf("Watching %s for changes\n", loader.File())
		}

		if err := a.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}

		fmt.Printf("%s shiftd running (mode %s, remote %s)\n", ui.RenderAccent("▶"), a.Mode, cfg.Remote.Driver)
		fmt.Printf("   Cache: %s\n", cfg.DB.Path)
		if a.Daemon != nil {
			fmt.Printf("   Sync interval: %v\n", cfg.Sync.Interval)
		}
		if a.Dashboard != nil {
			fmt.Printf("   Dashboard: http://%s (ws://%s/ws)\n", a.Dashboard.GetAddr(), a.Dashboard.GetAddr())
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()
		fmt.Println("\nShutting down...")
	},
}

func init() {
	serveCmd.Flags().String("dashboard", "", "Enable the dashboard on this address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
