package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/shiftdesk/shiftdesk/internal/cache/db"
	"github.com/shiftdesk/shiftdesk/internal/cache/queue"
	"github.com/shiftdesk/shiftdesk/internal/cache/remote"
	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
)

// Config controls pull and retention windows.
type Config struct {
	// PullWindowDays is how many days of reports and attendance are
	// refreshed from the remote store on every pass.
	PullWindowDays int
	// RetentionDays is how long synced rows are kept after their last write.
	RetentionDays int
	// Now returns the current time (defaults to time.Now).
	Now func() time.Time
}

// DefaultConfig returns the default reconciliation settings.
func DefaultConfig() Config {
	return Config{
		PullWindowDays: 7,
		RetentionDays:  30,
		Now:            time.Now,
	}
}

// reconciler implements the Reconciler interface.
type reconciler struct {
	db     *db.DB
	remote remote.Adapter
	queue  *queue.Queue
	cfg    Config
	logger *log.Logger

	running atomic.Bool
	warm    atomic.Bool
	locks   keyedMutex

	// pushes hold inflight for reading from the remote call until the
	// returned remote id is stored; pulled tasks are applied under the write
	// lock so a task being created is never cached twice.
	inflight gosync.RWMutex

	mu       gosync.Mutex
	last     PassResult
	hasLast  bool
	observer Observer
}

// New creates a Reconciler.
//
// The database must have its schema initialized. q may be nil, in which case
// passes skip the queue drain.
//
// If logger is nil, a default logger writing to stderr is used.
//
// Example:
//
//	store, err := db.Open(".shiftdesk/cache.db")
//	if err != nil {
//	    return err
//	}
//	if err := store.InitSchema(); err != nil {
//	    return err
//	}
//	rec := sync.New(store, remote.NewMemory(), nil, sync.DefaultConfig(), nil)
func New(database *db.DB, adapter remote.Adapter, q *queue.Queue, cfg Config, logger *log.Logger) Reconciler {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	def := DefaultConfig()
	if cfg.PullWindowDays <= 0 {
		cfg.PullWindowDays = def.PullWindowDays
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = def.RetentionDays
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &reconciler{
		db:     database,
		remote: adapter,
		queue:  q,
		cfg:    cfg,
		logger: logger,
		locks:  keyedMutex{locks: make(map[string]*refMutex)},
	}
}

// RunPass implements Reconciler.RunPass.
func (r *reconciler) RunPass(ctx context.Context) (PassResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		return PassResult{}, ErrPassInProgress
	}
	defer r.running.Store(false)

	res := PassResult{Started: r.cfg.Now()}
	start := time.Now()

	if r.queue != nil {
		res.QueueOps, res.QueueFailed = r.queue.Flush(ctx)
	}

	res.Pushed, res.PushFailed = r.push(ctx)

	pulled, kept, err := r.pull(ctx)
	res.Pulled, res.Kept = pulled, kept
	if err != nil {
		res.Err = err.Error()
		res.Duration = time.Since(start)
		r.finish(res)
		return res, fmt.Errorf("failed to pull remote state: %w", err)
	}

	deleted, err := r.Cleanup(ctx)
	res.Deleted = deleted
	if err != nil {
		res.Err = err.Error()
	}
	res.Duration = time.Since(start)
	r.finish(res)

	r.logger.Printf("Pass complete: queue=%d (failed=%d), pushed=%d (failed=%d), pulled=%d (kept=%d), deleted=%d in %v",
		res.QueueOps, res.QueueFailed, res.Pushed, res.PushFailed, res.Pulled, res.Kept, res.Deleted, res.Duration)
	return res, err
}

func (r *reconciler) finish(res PassResult) {
	r.mu.Lock()
	r.last = res
	r.hasLast = true
	r.mu.Unlock()

	r.emit(Event{Type: EventPassComplete, Pass: &res})
}

// Cleanup implements Reconciler.Cleanup.
func (r *reconciler) Cleanup(ctx context.Context) (int64, error) {
	cutoff := r.cfg.Now().AddDate(0, 0, -r.cfg.RetentionDays)

	var total int64
	var errs []error
	for _, kind := range schema.Kinds {
		n, err := r.db.DeleteOlderThan(ctx, kind, cutoff)
		if err != nil {
			r.logger.Printf("Warning: cleanup of %s failed: %v", kind, err)
			errs = append(errs, err)
			continue
		}
		if n > 0 {
			r.logger.Printf("Removed %d %s rows last written before %s", n, kind, cutoff.Format(schema.DateLayout))
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// Warm implements Reconciler.Warm.
func (r *reconciler) Warm() bool {
	return r.warm.Load()
}

// LastPass implements Reconciler.LastPass.
func (r *reconciler) LastPass() (PassResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.hasLast
}

// SetObserver implements Reconciler.SetObserver.
func (r *reconciler) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

func (r *reconciler) emit(e Event) {
	r.mu.Lock()
	o := r.observer
	r.mu.Unlock()

	if o == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = r.cfg.Now()
	}
	o.OnSyncEvent(e)
}

// keyedMutex serializes work per record key. Entries are released when the
// last holder unlocks.
type keyedMutex struct {
	mu    gosync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	gosync.Mutex
	refs int
}

func (k *keyedMutex) lock(kind schema.Kind, localID uint64) func() {
	key := fmt.Sprintf("%s:%d", kind, localID)

	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
