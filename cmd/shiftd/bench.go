package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/shiftdesk/shiftdesk/internal/cache/loadtest"
	"github.com/shiftdesk/shiftdesk/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maint",
	Short:   "Measure facade latency under concurrent load",
	Long: `Simulate many employees using the cached service at once against a slow
in-memory remote store, then check that the cache and remote store converge.

Each simulated employee registers, then for every day checks in, submits a
report, receives and starts a task, reads back their data and checks out.
The cache database is created in a temporary directory and removed after.

Examples:
  # 20 employees, 5 days, 20ms remote latency
  shiftd bench

  # Heavier load with a slow remote
  shiftd bench --workers 100 --days 10 --latency 200ms

  # Compare against calling the remote store directly
  shiftd bench --compare`,
	Run: runBench,
}

func init() {
	benchCmd.Flags().Int("workers", 20, "Number of concurrent employees")
	benchCmd.Flags().Int("days", 5, "Working days per employee")
	benchCmd.Flags().Duration("latency", 20*time.Millisecond, "Latency added to every remote call")
	benchCmd.Flags().Duration("pass-interval", 200*time.Millisecond, "Time between background passes (0 disables)")
	benchCmd.Flags().Bool("compare", false, "Also run the workload in direct mode and compare latencies")
	benchCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) {
	workers, _ := cmd.Flags().GetInt("workers")
	days, _ := cmd.Flags().GetInt("days")
	latency, _ := cmd.Flags().GetDuration("latency")
	passInterval, _ := cmd.Flags().GetDuration("pass-interval")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	compare, _ := cmd.Flags().GetBool("compare")

	if workers <= 0 || days <= 0 {
		fmt.Fprintf(os.Stderr, "Error: --workers and --days must be positive\n")
		os.Exit(1)
	}

	dir, err := os.MkdirTemp("", "shiftd-bench-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	cfg := loadtest.Config{
		Workers:       workers,
		Days:          days,
		RemoteLatency: latency,
		PassInterval:  passInterval,
	}
	if compare {
		runCompare(dir, cfg, jsonOutput)
		return
	}

	h, err := loadtest.NewHarness(filepath.Join(dir, "bench.db"), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	defer h.Close()

	ctx := context.Background()
	if !jsonOutput {
		fmt.Printf("%s Running %d employees x %d days (remote latency %v)...\n", ui.RenderAccent("🚀"), workers, days, latency)
	}
	res, err := h.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}

	passes, convErr := h.Converge(ctx, 10)
	if convErr == nil {
		convErr = h.VerifyConvergence(ctx)
	}

	if jsonOutput {
		out := map[string]any{
			"result":          res,
			"converge_passes": passes,
			"converged":       convErr == nil,
		}
		if convErr != nil {
			out["converge_error"] = convErr.Error()
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}

	fmt.Printf("\nCompleted in %v with %d background passes\n\n", res.Elapsed.Round(time.Millisecond), res.Passes)
	res.Writes.PrintStats(os.Stdout, "Writes")
	fmt.Println()
	res.Reads.PrintStats(os.Stdout, "Reads")
	fmt.Println()
	if convErr != nil {
		fmt.Printf("%s Did not converge: %v\n", ui.RenderFail("✗"), convErr)
		return
	}
	fmt.Printf("%s Converged after %d final passes\n", ui.RenderPass("✓"), passes)
}

func runCompare(dir string, cfg loadtest.Config, jsonOutput bool) {
	if !jsonOutput {
		fmt.Printf("%s Comparing cached and direct modes (%d employees x %d days, remote latency %v)...\n",
			ui.RenderAccent("🚀"), cfg.Workers, cfg.Days, cfg.RemoteLatency)
	}
	cmp, err := loadtest.Compare(context.Background(), dir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(cmp)
		return
	}
	cmp.PrintComparison(os.Stdout)
}
