package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shiftdesk/shiftdesk/internal/cache/db"
	"github.com/shiftdesk/shiftdesk/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "engine",
	Short:   "Show cache contents and pending changes",
	Long: `Display the local cache status without contacting the remote store.

Shows:
  - Cache file location and size
  - Rows per kind and how many have pending changes`,
	Run: func(cmd *cobra.Command, args []string) {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		cfg := loadConfig().Config()

		info, err := os.Stat(cfg.DB.Path)
		if os.IsNotExist(err) {
			fmt.Printf("\n%s Cache not initialized at %s\n", ui.RenderWarn("⚠"), cfg.DB.Path)
			fmt.Printf("   Run 'shiftd serve' or 'shiftd sync' to create it\n\n")
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking cache: %v\n", err)
			os.Exit(1)
		}

		database, err := db.Open(cfg.DB.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer database.Close()

		if err := database.InitSchema(); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
			os.Exit(1)
		}

		counts, err := database.Counts(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting rows: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(map[string]any{
				"path":   cfg.DB.Path,
				"size":   info.Size(),
				"mode":   cfg.Mode,
				"counts": counts,
			})
			return
		}

		fmt.Printf("\n%s Cache Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Location: %s\n", cfg.DB.Path)
		fmt.Printf("Size: %s\n", formatSize(info.Size()))
		fmt.Printf("Mode: %s (remote %s)\n", cfg.Mode, cfg.Remote.Driver)
		fmt.Printf("Modified: %s\n\n", info.ModTime().Format("2006-01-02 15:04:05"))

		fmt.Print(ui.Table([]string{"KIND", "ROWS", "PENDING"}, countRows(counts)))

		pending := 0
		for _, c := range counts {
			pending += c.Unsynced
		}
		fmt.Println()
		if pending == 0 {
			fmt.Printf("%s Everything synced\n\n", ui.RenderPass("✓"))
		} else {
			fmt.Printf("%s %d records waiting to sync\n\n", ui.RenderWarn("⚠"), pending)
		}
	},
}

func countRows(counts []db.KindCount) [][]string {
	rows := make([][]string, 0, len(counts))
	for _, c := range counts {
		pending := strconv.Itoa(c.Unsynced)
		if c.Unsynced > 0 {
			pending = ui.RenderWarn(pending)
		}
		rows = append(rows, []string{string(c.Kind), strconv.Itoa(c.Total), pending})
	}
	return rows
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	}
	return fmt.Sprintf("%d bytes", size)
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}
