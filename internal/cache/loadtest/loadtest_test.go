package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
)

func TestLoadConverges(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	dbPath := filepath.Join(t.TempDir(), "load.db")
	h, err := NewHarness(dbPath, Config{
		Workers:       8,
		Days:          3,
		RemoteLatency: 2 * time.Millisecond,
		PassInterval:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewHarness() failed: %v", err)
	}
	defer h.Close()

	ctx := context.Background()
	res, err := h.Run(ctx)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Writes.Errors != 0 {
		t.Errorf("write errors = %d, want 0", res.Writes.Errors)
	}
	if res.Reads.Errors != 0 {
		t.Errorf("read errors = %d, want 0", res.Reads.Errors)
	}

	// account + 5 writes per day
	wantWrites := 8 * (1 + 3*5)
	if res.Writes.Count != wantWrites {
		t.Errorf("writes = %d, want %d", res.Writes.Count, wantWrites)
	}

	if _, err := h.Converge(ctx, 10); err != nil {
		t.Fatalf("Converge() failed: %v", err)
	}
	if err := h.VerifyConvergence(ctx); err != nil {
		t.Errorf("VerifyConvergence() failed: %v", err)
	}

	if got := h.Remote.Len(schema.KindTask); got != 8*3 {
		t.Errorf("remote tasks = %d, want %d", got, 8*3)
	}
	t.Logf("writes p50=%v p99=%v, reads p50=%v p99=%v, %d background passes",
		res.Writes.P50, res.Writes.P99, res.Reads.P50, res.Reads.P99, res.Passes)
}

func TestWritesDoNotWaitForRemote(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	dbPath := filepath.Join(t.TempDir(), "slow.db")
	h, err := NewHarness(dbPath, Config{
		Workers:       4,
		Days:          2,
		RemoteLatency: 300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewHarness() failed: %v", err)
	}
	defer h.Close()

	res, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	// Reads of rows just written are local; writes only touch SQLite.
	if res.Writes.P50 >= 300*time.Millisecond {
		t.Errorf("write p50 = %v, want well under remote latency", res.Writes.P50)
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 1; i <= 100; i++ {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := computeLatencyStats(durations)

	if stats.Min != time.Millisecond {
		t.Errorf("Min = %v, want 1ms", stats.Min)
	}
	if stats.Max != 100*time.Millisecond {
		t.Errorf("Max = %v, want 100ms", stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", stats.P50)
	}
	if stats.P99 != 100*time.Millisecond {
		t.Errorf("P99 = %v, want 100ms", stats.P99)
	}
	if stats.Count != 100 {
		t.Errorf("Count = %d, want 100", stats.Count)
	}
}

func TestComputeLatencyStatsEmpty(t *testing.T) {
	stats := computeLatencyStats(nil)
	if stats.Count != 0 || stats.Max != 0 {
		t.Errorf("computeLatencyStats(nil) = %+v, want zero", stats)
	}
}

func TestPrintStats(t *testing.T) {
	stats := computeLatencyStats([]time.Duration{time.Millisecond, 3 * time.Millisecond})
	stats.Errors = 2

	var buf bytes.Buffer
	stats.PrintStats(&buf, "Writes")

	out := buf.String()
	for _, want := range []string{"Writes:", "Count:         2", "Errors:        2", "Max:           3ms"} {
		if !strings.Contains(out, want) {
			t.Errorf("PrintStats() output missing %q:\n%s", want, out)
		}
	}
}

func TestDirectBaseline(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	dbPath := filepath.Join(t.TempDir(), "direct.db")
	h, err := NewHarness(dbPath, Config{Workers: 3, Days: 2, Direct: true})
	if err != nil {
		t.Fatalf("NewHarness() failed: %v", err)
	}
	defer h.Close()

	res, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Writes.Errors != 0 || res.Reads.Errors != 0 {
		t.Errorf("errors = %d writes, %d reads, want none", res.Writes.Errors, res.Reads.Errors)
	}
	// Nothing goes through the cache.
	if n, _ := h.DB.CountUnsynced(context.Background()); n != 0 {
		t.Errorf("CountUnsynced() = %d, want 0", n)
	}
	if got := h.Remote.Len(schema.KindReport); got != 3*2 {
		t.Errorf("remote reports = %d, want 6", got)
	}
}

func TestCompare(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	cmp, err := Compare(context.Background(), t.TempDir(), Config{
		Workers:       4,
		Days:          2,
		RemoteLatency: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Compare() failed: %v", err)
	}
	if cmp.Improvement["write_p50"] <= 0 {
		t.Errorf("write_p50 improvement = %.1f%%, want cached writes faster", cmp.Improvement["write_p50"])
	}

	var buf bytes.Buffer
	cmp.PrintComparison(&buf)
	if !strings.Contains(buf.String(), "Write P50") {
		t.Errorf("PrintComparison() output:\n%s", buf.String())
	}
}

func TestImprovement(t *testing.T) {
	if got := improvement(25*time.Millisecond, 100*time.Millisecond); got != 75 {
		t.Errorf("improvement() = %v, want 75", got)
	}
	if got := improvement(time.Second, 0); got != 0 {
		t.Errorf("improvement() with zero baseline = %v, want 0", got)
	}
}
