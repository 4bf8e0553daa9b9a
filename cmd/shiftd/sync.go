package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shiftdesk/shiftdesk/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "engine",
	Short:   "Run one reconciliation pass now",
	Long: `Run a single reconciliation pass against the configured remote store:
  1. Drain queued pushes
  2. Push every record with pending local changes
  3. Pull active accounts, open tasks and recent reports and attendance
  4. Remove synced records older than sync.retention_days

Records that fail to push stay pending and are retried on the next pass.`,
	Run: func(cmd *cobra.Command, args []string) {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		a, logs := openApp(ctx)
		defer closeApp(a, logs)

		if a.Sync == nil {
			fmt.Fprintf(os.Stderr, "Error: sync needs a remote store; mode %q has none\n", a.Mode)
			return
		}

		res, err := a.Sync.RunPass(ctx)
		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(res)
			return
		}

		if err != nil {
			fmt.Printf("%s Pass failed after %v: %v\n", ui.RenderFail("✗"), res.Duration.Round(time.Millisecond), err)
		} else {
			fmt.Printf("%s Pass complete in %v\n", ui.RenderPass("✓"), res.Duration.Round(time.Millisecond))
		}
		fmt.Printf("   Queued: %d (%d failed)\n", res.QueueOps, res.QueueFailed)
		fmt.Printf("   Pushed: %d (%d failed)\n", res.Pushed, res.PushFailed)
		fmt.Printf("   Pulled: %d (%d kept local)\n", res.Pulled, res.Kept)
		fmt.Printf("   Deleted: %d\n", res.Deleted)
	},
}

var cleanupCmd = &cobra.Command{
	Use:     "cleanup",
	GroupID: "maint",
	Short:   "Remove synced records older than the retention period",
	Long: `Delete synced reports, tasks and attendance older than sync.retention_days
from the local cache. Records with pending changes are never removed, and
open tasks and active accounts are kept regardless of age.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a, logs := openApp(ctx)
		defer closeApp(a, logs)

		if a.Sync == nil {
			fmt.Fprintf(os.Stderr, "Error: cleanup runs with the sync engine; mode %q has none\n", a.Mode)
			return
		}

		deleted, err := a.Sync.Cleanup(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during cleanup: %v\n", err)
			return
		}
		fmt.Printf("%s Removed %d records older than %d days\n", ui.RenderPass("✓"), deleted, a.Config.Sync.RetentionDays)
	},
}

func init() {
	syncCmd.Flags().Bool("json", false, "Output the pass result as JSON")
	syncCmd.Flags().Duration("timeout", 2*time.Minute, "Abort the pass after this long")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(cleanupCmd)
}
