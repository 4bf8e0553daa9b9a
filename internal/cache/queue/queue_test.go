package queue

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func op(localID uint64, run func(ctx context.Context) error) Operation {
	if run == nil {
		run = func(ctx context.Context) error { return nil }
	}
	return Operation{Kind: schema.KindTask, LocalID: localID, Label: "push", Run: run}
}

func TestEnqueue_AssignsIDAndFIFO(t *testing.T) {
	q := New(Config{Capacity: 10, BatchSize: 100}, testLogger())

	id := q.Enqueue(op(1, nil))
	if id == "" {
		t.Error("Enqueue() returned empty id")
	}
	q.Enqueue(op(2, nil))
	q.Enqueue(op(3, nil))

	if q.Size() != 3 {
		t.Fatalf("Size() = %d, want 3", q.Size())
	}

	got := q.Drain(2)
	if len(got) != 2 || got[0].LocalID != 1 || got[1].LocalID != 2 {
		t.Errorf("Drain(2) = %+v, want local ids 1, 2", got)
	}
	if q.Size() != 1 {
		t.Errorf("Size() after Drain(2) = %d, want 1", q.Size())
	}

	rest := q.Drain(0)
	if len(rest) != 1 || rest[0].LocalID != 3 {
		t.Errorf("Drain(0) = %+v, want local id 3", rest)
	}
	if q.Drain(0) != nil {
		t.Error("Drain() on empty queue should return nil")
	}
}

func TestEnqueue_DropsOldestWhenFull(t *testing.T) {
	q := New(Config{Capacity: 3, BatchSize: 100}, testLogger())

	for i := uint64(1); i <= 5; i++ {
		q.Enqueue(op(i, nil))
	}

	stats := q.Stats()
	if stats.Size != 3 {
		t.Errorf("Size = %d, want 3", stats.Size)
	}
	if stats.Dropped != 2 {
		t.Errorf("Dropped = %d, want 2", stats.Dropped)
	}

	got := q.Drain(0)
	if got[0].LocalID != 3 {
		t.Errorf("oldest surviving op = %d, want 3", got[0].LocalID)
	}
}

func TestEnqueue_NeverRunsInline(t *testing.T) {
	q := New(Config{Capacity: 10, BatchSize: 1}, testLogger())

	var ran atomic.Bool
	q.Enqueue(op(1, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}))

	if ran.Load() {
		t.Error("Enqueue() executed the operation inline")
	}
}

func TestExecute_ContinuesAfterFailure(t *testing.T) {
	q := New(DefaultConfig(), testLogger())

	var calls int
	ops := []Operation{
		op(1, func(ctx context.Context) error { calls++; return errors.New("boom") }),
		op(2, func(ctx context.Context) error { calls++; return nil }),
	}

	failed := q.Execute(context.Background(), ops)
	if failed != 1 {
		t.Errorf("Execute() failed = %d, want 1", failed)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (siblings continue)", calls)
	}
	if q.Size() != 0 {
		t.Error("failed operation was re-enqueued")
	}

	stats := q.Stats()
	if stats.Executed != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want 1 executed, 1 failed", stats)
	}
}

func TestRun_ExecutesBatchAtThreshold(t *testing.T) {
	q := New(Config{Capacity: 100, BatchSize: 3}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Run(ctx)
	}()

	var executed atomic.Int32
	run := func(ctx context.Context) error {
		executed.Add(1)
		return nil
	}

	q.Enqueue(op(1, run))
	q.Enqueue(op(2, run))
	time.Sleep(50 * time.Millisecond)
	if executed.Load() != 0 {
		t.Fatalf("executed %d ops below the batch size", executed.Load())
	}

	q.Enqueue(op(3, run))
	deadline := time.Now().Add(2 * time.Second)
	for executed.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if executed.Load() != 3 {
		t.Errorf("executed = %d, want 3 after reaching batch size", executed.Load())
	}

	cancel()
	wg.Wait()
}

func TestFlush(t *testing.T) {
	q := New(DefaultConfig(), testLogger())

	var executed int
	for i := uint64(1); i <= 4; i++ {
		q.Enqueue(op(i, func(ctx context.Context) error {
			executed++
			return nil
		}))
	}

	n, failed := q.Flush(context.Background())
	if n != 4 || failed != 0 {
		t.Errorf("Flush() = (%d, %d), want (4, 0)", n, failed)
	}
	if executed != 4 {
		t.Errorf("executed = %d, want 4", executed)
	}
	if q.Size() != 0 {
		t.Errorf("Size() after Flush() = %d, want 0", q.Size())
	}
}
