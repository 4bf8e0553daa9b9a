// Package daemon schedules the sync worker.
//
// The daemon:
// 1. Runs one synchronous pass at startup so the cache is warm before traffic
// 2. Runs the queue consumer that executes batches as they fill up
// 3. Runs a reconciliation pass on a fixed interval
// 4. Runs the daily retention cleanup on a cron schedule
// 5. Drains the queue once on shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shiftdesk/shiftdesk/internal/cache/queue"
	cachesync "github.com/shiftdesk/shiftdesk/internal/cache/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// Interval is the time between reconciliation passes.
	Interval time.Duration

	// CleanupSchedule is the cron spec for the retention cleanup.
	// Empty disables the cron job; passes still clean up after each pull.
	CleanupSchedule string

	// InitialSync runs one pass before Start returns.
	InitialSync bool

	// PassTimeout bounds a single pass.
	PassTimeout time.Duration

	// FlushTimeout bounds the queue drain on Stop.
	FlushTimeout time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:        5 * time.Minute,
		CleanupSchedule: "15 2 * * *",
		InitialSync:     true,
		PassTimeout:     2 * time.Minute,
		FlushTimeout:    30 * time.Second,
		Logger:          log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon drives the reconciler and queue consumer.
type Daemon struct {
	rec    cachesync.Reconciler
	queue  *queue.Queue
	config *Config

	intervalCh chan time.Duration
	cron       *cron.Cron

	mu      sync.Mutex
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon with default configuration.
func New(rec cachesync.Reconciler, q *queue.Queue) (*Daemon, error) {
	return NewWithConfig(rec, q, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(rec cachesync.Reconciler, q *queue.Queue, config *Config) (*Daemon, error) {
	if rec == nil {
		return nil, fmt.Errorf("reconciler cannot be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", config.Interval)
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.PassTimeout <= 0 {
		config.PassTimeout = DefaultConfig().PassTimeout
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = DefaultConfig().FlushTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		rec:        rec,
		queue:      q,
		config:     config,
		intervalCh: make(chan time.Duration, 1),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start performs the initial sync and launches the background goroutines.
// A failed initial sync is logged and the daemon continues; reads fall back
// to the remote store until a pull succeeds.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("daemon already started")
	}

	d.config.Logger.Printf("Starting daemon (interval %v)", d.config.Interval)

	if d.config.InitialSync {
		d.config.Logger.Println("Performing initial sync")
		if err := d.runPass(ctx); err != nil {
			d.config.Logger.Printf("Warning: initial sync failed, continuing in degraded mode: %v", err)
		}
	}

	if d.config.CleanupSchedule != "" {
		d.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(d.config.Logger))))
		if _, err := d.cron.AddFunc(d.config.CleanupSchedule, d.cleanup); err != nil {
			return fmt.Errorf("invalid cleanup schedule %q: %w", d.config.CleanupSchedule, err)
		}
		d.cron.Start()
	}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.queue.Run(d.ctx)
	}()
	go d.passLoop()

	d.started = true
	return nil
}

// Run starts the daemon and blocks until ctx is cancelled, then stops it.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
	case <-d.ctx.Done():
	}
	return d.Stop()
}

// Stop cancels the timer and cron job, drains the queue once and waits for
// the background goroutines to exit.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}
	d.started = false

	d.config.Logger.Println("Stopping daemon")
	d.cancel()

	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
	d.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), d.config.FlushTimeout)
	defer cancel()
	if n, failed := d.queue.Flush(ctx); n > 0 {
		d.config.Logger.Printf("Drained %d queued operations (%d failed)", n, failed)
	}

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// SetInterval changes the pass interval. The next pass is scheduled d after
// the change.
func (d *Daemon) SetInterval(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", interval)
	}
	// Replace any interval not yet picked up.
	select {
	case <-d.intervalCh:
	default:
	}
	d.intervalCh <- interval
	return nil
}

// TriggerPass runs a pass now, outside the schedule.
func (d *Daemon) TriggerPass(ctx context.Context) (cachesync.PassResult, error) {
	return d.rec.RunPass(ctx)
}

func (d *Daemon) passLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case interval := <-d.intervalCh:
			d.config.Logger.Printf("Pass interval changed to %v", interval)
			ticker.Reset(interval)

		case <-ticker.C:
			if err := d.runPass(d.ctx); err != nil {
				d.config.Logger.Printf("Pass failed: %v", err)
			}
		}
	}
}

// runPass runs one pass under the pass timeout. A skipped tick is not an
// error.
func (d *Daemon) runPass(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.config.PassTimeout)
	defer cancel()

	_, err := d.rec.RunPass(ctx)
	if errors.Is(err, cachesync.ErrPassInProgress) {
		d.config.Logger.Println("Previous pass still running, skipping tick")
		return nil
	}
	return err
}

func (d *Daemon) cleanup() {
	ctx, cancel := context.WithTimeout(d.ctx, d.config.PassTimeout)
	defer cancel()

	n, err := d.rec.Cleanup(ctx)
	if err != nil {
		d.config.Logger.Printf("Warning: scheduled cleanup failed: %v", err)
		return
	}
	d.config.Logger.Printf("Scheduled cleanup removed %d rows", n)
}
