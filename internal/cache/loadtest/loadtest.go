// Package loadtest drives the cached service with many concurrent employees
// against a slow in-memory remote store.
//
// It measures facade latency for writes and reads while reconciliation
// passes run in the background, then verifies that the cache and the remote
// store converge.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/shiftdesk/shiftdesk/internal/cache/db"
	"github.com/shiftdesk/shiftdesk/internal/cache/queue"
	"github.com/shiftdesk/shiftdesk/internal/cache/remote"
	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
	"github.com/shiftdesk/shiftdesk/internal/cache/service"
	cachesync "github.com/shiftdesk/shiftdesk/internal/cache/sync"
)

// Config controls the simulated load.
type Config struct {
	// Workers is the number of concurrent employees.
	Workers int
	// Days is how many working days each employee simulates.
	Days int
	// RemoteLatency is added to every remote call.
	RemoteLatency time.Duration
	// PassInterval is the time between background passes. Zero disables
	// them; Converge still runs passes at the end.
	PassInterval time.Duration
	// Direct runs the workload against the remote store synchronously
	// instead of through the cache. Used as the baseline in Compare.
	Direct bool
	// Logger receives sync engine logs (default: discarded).
	Logger *log.Logger
}

// DefaultConfig returns a moderate load.
func DefaultConfig() Config {
	return Config{
		Workers:       20,
		Days:          5,
		RemoteLatency: 20 * time.Millisecond,
		PassInterval:  200 * time.Millisecond,
	}
}

// Harness is a complete cached engine over a memory remote.
type Harness struct {
	DB      *db.DB
	Remote  *remote.Memory
	Queue   *queue.Queue
	Sync    cachesync.Reconciler
	Service service.Service

	cfg Config
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration // Median
	P95   time.Duration
	P99   time.Duration
	Count int
	Errors int
}

// Result is the outcome of Run.
type Result struct {
	Writes  *LatencyStats
	Reads   *LatencyStats
	Passes  int
	Elapsed time.Duration
}

// NewHarness opens a cache database at dbPath and wires the engine.
func NewHarness(dbPath string, cfg Config) (*Harness, error) {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Days <= 0 {
		cfg.Days = def.Days
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}

	database, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	database.RawDB().SetMaxOpenConns(cfg.Workers + 10)
	if err := database.InitSchema(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	mem := remote.NewMemory()
	mem.SetLatency(cfg.RemoteLatency)

	// A large batch keeps the consumer out of the way; passes drain the queue.
	q := queue.New(queue.Config{Capacity: cfg.Workers * cfg.Days * 8, BatchSize: 50}, cfg.Logger)
	rec := cachesync.New(database, mem, q, cachesync.DefaultConfig(), cfg.Logger)
	var svc service.Service = service.NewCached(database, mem, rec, q, service.DefaultConfig(), cfg.Logger)
	if cfg.Direct {
		svc = service.NewDirect(mem, cfg.Logger)
	}

	return &Harness{DB: database, Remote: mem, Queue: q, Sync: rec, Service: svc, cfg: cfg}, nil
}

// Close closes the database.
func (h *Harness) Close() error {
	return h.DB.Close()
}

type sample struct {
	d     time.Duration
	err   error
	write bool
}

// Run simulates every employee working cfg.Days days concurrently. Each day
// an employee checks in, submits a report, receives a task and starts it,
// reads back what they wrote and checks out.
func (h *Harness) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	samples := make(chan sample, 256)

	var passes int
	passCtx, stopPasses := context.WithCancel(ctx)
	var passWG sync.WaitGroup
	if !h.cfg.Direct {
		passWG.Add(1)
		go func() {
			defer passWG.Done()
			h.Queue.Run(passCtx)
		}()
	}
	if h.cfg.PassInterval > 0 && !h.cfg.Direct {
		passWG.Add(1)
		go func() {
			defer passWG.Done()
			ticker := time.NewTicker(h.cfg.PassInterval)
			defer ticker.Stop()
			for {
				select {
				case <-passCtx.Done():
					return
				case <-ticker.C:
					if _, err := h.Sync.RunPass(passCtx); err == nil {
						passes++
					}
				}
			}
		}()
	}

	var wg sync.WaitGroup
	for i := 0; i < h.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			h.employee(ctx, worker, samples)
		}(i)
	}

	var writes, reads []time.Duration
	var writeErrs, readErrs int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for s := range samples {
			switch {
			case s.write && s.err != nil:
				writeErrs++
			case s.write:
				writes = append(writes, s.d)
			case s.err != nil:
				readErrs++
			default:
				reads = append(reads, s.d)
			}
		}
	}()

	wg.Wait()
	close(samples)
	<-done
	stopPasses()
	passWG.Wait()

	if len(writes) == 0 {
		return nil, errors.New("no successful writes completed")
	}

	res := &Result{
		Writes:  computeLatencyStats(writes),
		Reads:   computeLatencyStats(reads),
		Passes:  passes,
		Elapsed: time.Since(start),
	}
	res.Writes.Errors = writeErrs
	res.Reads.Errors = readErrs
	return res, nil
}

func (h *Harness) employee(ctx context.Context, worker int, out chan<- sample) {
	owner := fmt.Sprintf("emp-%03d", worker)
	timed := func(write bool, fn func() error) {
		t := time.Now()
		err := fn()
		out <- sample{d: time.Since(t), err: err, write: write}
	}

	timed(true, func() error {
		_, err := h.Service.SaveAccount(ctx, &schema.Account{ExternalID: owner, Name: "Employee " + owner, Active: true})
		return err
	})

	today := time.Now().UTC().Truncate(24 * time.Hour)
	for day := 0; day < h.cfg.Days; day++ {
		if ctx.Err() != nil {
			return
		}
		date := today.AddDate(0, 0, -day)
		in := date.Add(9 * time.Hour)

		timed(true, func() error {
			_, err := h.Service.CheckIn(ctx, owner, in, &schema.Location{Lat: 50.45, Lon: 30.52})
			return err
		})
		timed(true, func() error {
			_, err := h.Service.SubmitReport(ctx, &schema.Report{
				OwnerID:   owner,
				Date:      schema.DateOf(date),
				Completed: "orders packed",
				Planned:   "stock count",
			})
			return err
		})

		var task *schema.Task
		timed(true, func() error {
			var err error
			task, err = h.Service.CreateTask(ctx, &schema.Task{
				Title:      fmt.Sprintf("restock shelf %d", day),
				AssigneeID: owner,
				CreatorID:  "manager",
			})
			return err
		})
		if task != nil {
			timed(true, func() error {
				_, err := h.Service.UpdateStatus(ctx, schema.KindTask, task.ID(), string(schema.TaskInProgress), "")
				return err
			})
		}

		timed(false, func() error {
			_, err := h.Service.GetReport(ctx, owner, schema.DateOf(date))
			return err
		})
		timed(false, func() error {
			_, err := h.Service.ListTasks(ctx, schema.Filter{
				OwnerID:  owner,
				Statuses: schema.TaskStatuses(schema.ActiveTaskStatuses...),
			})
			return err
		})

		timed(true, func() error {
			_, err := h.Service.CheckOut(ctx, owner, in.Add(8*time.Hour), nil)
			return err
		})
	}
}

// Converge runs passes until nothing is left unsynced or maxPasses is
// reached, and returns the number of passes run.
func (h *Harness) Converge(ctx context.Context, maxPasses int) (int, error) {
	for i := 1; i <= maxPasses; i++ {
		if _, err := h.Sync.RunPass(ctx); err != nil && !errors.Is(err, cachesync.ErrPassInProgress) {
			return i, err
		}
		n, err := h.DB.CountUnsynced(ctx)
		if err != nil {
			return i, err
		}
		if n == 0 {
			return i, nil
		}
	}
	return maxPasses, fmt.Errorf("cache did not converge after %d passes", maxPasses)
}

// VerifyConvergence checks that the remote store holds exactly one row per
// cached row of every kind.
func (h *Harness) VerifyConvergence(ctx context.Context) error {
	counts, err := h.DB.Counts(ctx)
	if err != nil {
		return err
	}
	for _, c := range counts {
		if c.Unsynced != 0 {
			return fmt.Errorf("%d %s rows still unsynced", c.Unsynced, c.Kind)
		}
		if got := h.Remote.Len(c.Kind); got != c.Total {
			return fmt.Errorf("%s: remote has %d rows, cache has %d", c.Kind, got, c.Total)
		}
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(durations)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(durations),
	}
}

// PrintStats formats latency statistics under a title.
func (s *LatencyStats) PrintStats(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
	fmt.Fprintf(w, "  Count:         %d\n", s.Count)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
