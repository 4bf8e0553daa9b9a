// Package queue holds pending remote operations between a local write and the
// sync worker.
//
// Enqueue never blocks and never performs remote work. When the queue reaches
// the batch size a consumer goroutine (Run) drains one batch and executes it;
// smaller backlogs wait for the next sync pass, which drains the queue before
// pushing. The queue lives in memory only: losing it is harmless because every
// queued record is still marked unsynced in the local store and is picked up
// by reconciliation.
package queue

import (
	"context"
	"io"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
)

// Operation is one deferred remote call.
type Operation struct {
	ID      string
	Kind    schema.Kind
	LocalID uint64
	// Label names the operation in logs, e.g. "push", "task-status".
	Label string
	Run   func(ctx context.Context) error
}

// Config controls queue sizing.
type Config struct {
	// Capacity bounds the backlog. Beyond it the oldest operation is dropped.
	Capacity int
	// BatchSize is the backlog size that wakes the consumer, and the number
	// of operations it executes per batch.
	BatchSize int
}

// DefaultConfig returns the default queue settings.
func DefaultConfig() Config {
	return Config{
		Capacity:  1000,
		BatchSize: 10,
	}
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Size     int   `json:"size"`
	Enqueued int64 `json:"enqueued"`
	Dropped  int64 `json:"dropped"`
	Executed int64 `json:"executed"`
	Failed   int64 `json:"failed"`
}

// Queue is a bounded FIFO of pending operations.
type Queue struct {
	cfg    Config
	logger *log.Logger

	mu    sync.Mutex
	ops   []Operation
	stats Stats

	signal chan struct{}
}

// New creates an empty queue.
func New(cfg Config, logger *log.Logger) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Queue{
		cfg:    cfg,
		logger: logger,
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends op and returns its id. It never blocks.
func (q *Queue) Enqueue(op Operation) string {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}

	q.mu.Lock()
	q.ops = append(q.ops, op)
	q.stats.Enqueued++
	var dropped *Operation
	if len(q.ops) > q.cfg.Capacity {
		d := q.ops[0]
		dropped = &d
		q.ops[0] = Operation{}
		q.ops = q.ops[1:]
		q.stats.Dropped++
	}
	full := len(q.ops) >= q.cfg.BatchSize
	q.mu.Unlock()

	if dropped != nil {
		q.logger.Printf("Warning: queue full, dropped %s %s local:%d (%s); reconciliation will retry it",
			dropped.Label, dropped.Kind, dropped.LocalID, dropped.ID)
	}
	if full {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return op.ID
}

// Drain removes and returns up to max operations in FIFO order.
// max <= 0 drains everything.
func (q *Queue) Drain(max int) []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.ops)
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}

	out := make([]Operation, n)
	copy(out, q.ops[:n])
	rest := make([]Operation, len(q.ops)-n)
	copy(rest, q.ops[n:])
	q.ops = rest
	return out
}

// Size returns the number of pending operations.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Size = len(q.ops)
	return s
}

// Execute runs ops in order. Failures are logged and not re-enqueued; the
// records stay unsynced for the next pass. Returns the number that failed.
func (q *Queue) Execute(ctx context.Context, ops []Operation) int {
	failed := 0
	for i, op := range ops {
		if ctx.Err() != nil {
			failed += len(ops) - i
			break
		}
		if err := op.Run(ctx); err != nil {
			failed++
			q.logger.Printf("Warning: %s %s local:%d failed: %v", op.Label, op.Kind, op.LocalID, err)
		}
	}

	q.mu.Lock()
	q.stats.Executed += int64(len(ops) - failed)
	q.stats.Failed += int64(failed)
	q.mu.Unlock()
	return failed
}

// Run executes batches whenever the backlog reaches the batch size, until ctx
// is cancelled.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.signal:
			for q.Size() >= q.cfg.BatchSize && ctx.Err() == nil {
				batch := q.Drain(q.cfg.BatchSize)
				q.logger.Printf("Executing batch of %d operations", len(batch))
				q.Execute(ctx, batch)
			}
		}
	}
}

// Flush drains and executes everything pending. Returns the number of
// operations executed and how many of them failed.
func (q *Queue) Flush(ctx context.Context) (int, int) {
	ops := q.Drain(0)
	if len(ops) == 0 {
		return 0, 0
	}
	return len(ops), q.Execute(ctx, ops)
}
