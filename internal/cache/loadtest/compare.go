package loadtest

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
)

// Comparison holds the same workload run through the cache and directly
// against the remote store.
type Comparison struct {
	Cached *Result `json:"cached"`
	Direct *Result `json:"direct"`

	// Improvement is the latency reduction of the cached run in percent,
	// keyed like "write_p50" (positive = cached is faster).
	Improvement map[string]float64 `json:"improvement"`
}

// Compare runs cfg twice, once cached and once direct, with databases
// under dir.
func Compare(ctx context.Context, dir string, cfg Config) (*Comparison, error) {
	run := func(name string, direct bool) (*Result, error) {
		c := cfg
		c.Direct = direct
		h, err := NewHarness(filepath.Join(dir, name+".db"), c)
		if err != nil {
			return nil, err
		}
		defer h.Close()

		res, err := h.Run(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s run failed: %w", name, err)
		}
		return res, nil
	}

	cached, err := run("cached", false)
	if err != nil {
		return nil, err
	}
	direct, err := run("direct", true)
	if err != nil {
		return nil, err
	}

	cmp := &Comparison{Cached: cached, Direct: direct, Improvement: make(map[string]float64)}
	for _, m := range []struct {
		key            string
		cached, direct time.Duration
	}{
		{"write_p50", cached.Writes.P50, direct.Writes.P50},
		{"write_p95", cached.Writes.P95, direct.Writes.P95},
		{"write_p99", cached.Writes.P99, direct.Writes.P99},
		{"read_p50", cached.Reads.P50, direct.Reads.P50},
		{"read_p95", cached.Reads.P95, direct.Reads.P95},
		{"read_p99", cached.Reads.P99, direct.Reads.P99},
	} {
		cmp.Improvement[m.key] = improvement(m.cached, m.direct)
	}
	return cmp, nil
}

// improvement returns how much lower value is than baseline, in percent.
func improvement(value, baseline time.Duration) float64 {
	if baseline == 0 {
		return 0
	}
	return float64(baseline-value) / float64(baseline) * 100
}

// PrintComparison writes a side-by-side latency report.
func (c *Comparison) PrintComparison(w io.Writer) {
	separator := strings.Repeat("=", 64)
	fmt.Fprintf(w, "\n%s\n", separator)
	fmt.Fprintf(w, "LATENCY COMPARISON: cached vs direct\n")
	fmt.Fprintf(w, "%s\n\n", separator)
	fmt.Fprintf(w, "%-12s %14s %14s %12s\n", "Metric", "Cached", "Direct", "Improvement")
	fmt.Fprintf(w, "%s\n", strings.Repeat("-", 56))

	row := func(label, key string, cached, direct time.Duration) {
		fmt.Fprintf(w, "%-12s %14v %14v %11.1f%%\n", label, cached, direct, c.Improvement[key])
	}
	row("Write P50", "write_p50", c.Cached.Writes.P50, c.Direct.Writes.P50)
	row("Write P95", "write_p95", c.Cached.Writes.P95, c.Direct.Writes.P95)
	row("Write P99", "write_p99", c.Cached.Writes.P99, c.Direct.Writes.P99)
	row("Read P50", "read_p50", c.Cached.Reads.P50, c.Direct.Reads.P50)
	row("Read P95", "read_p95", c.Cached.Reads.P95, c.Direct.Reads.P95)
	row("Read P99", "read_p99", c.Cached.Reads.P99, c.Direct.Reads.P99)
	fmt.Fprintln(w)
}
