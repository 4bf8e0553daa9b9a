package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shiftdesk/shiftdesk/internal/cache/queue"
	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
	cachesync "github.com/shiftdesk/shiftdesk/internal/cache/sync"
)

// fakeReconciler counts passes and cleanups.
type fakeReconciler struct {
	passes   atomic.Int32
	cleanups atomic.Int32
	passErr  error
	block    chan struct{}
}

func (f *fakeReconciler) RunPass(ctx context.Context) (cachesync.PassResult, error) {
	f.passes.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	return cachesync.PassResult{}, f.passErr
}

func (f *fakeReconciler) PushRecord(context.Context, schema.Kind, uint64) error { return nil }

func (f *fakeReconciler) PushTaskStatus(context.Context, uint64, int64) error { return nil }

func (f *fakeReconciler) PushCheckout(context.Context, uint64, int64) error { return nil }

func (f *fakeReconciler) Cleanup(context.Context) (int64, error) {
	f.cleanups.Add(1)
	return 0, nil
}

func (f *fakeReconciler) Warm() bool { return true }

func (f *fakeReconciler) LastPass() (cachesync.PassResult, bool) {
	return cachesync.PassResult{}, false
}

func (f *fakeReconciler) SetObserver(cachesync.Observer) {}

func testConfig() *Config {
	return &Config{
		Interval:     time.Hour,
		InitialSync:  true,
		PassTimeout:  time.Second,
		FlushTimeout: time.Second,
		Logger:       log.New(io.Discard, "", 0),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewWithConfig(t *testing.T) {
	q := queue.New(queue.DefaultConfig(), nil)
	rec := &fakeReconciler{}

	tests := []struct {
		name    string
		rec     cachesync.Reconciler
		q       *queue.Queue
		config  *Config
		wantErr bool
	}{
		{name: "valid", rec: rec, q: q, config: testConfig()},
		{name: "nil config uses defaults", rec: rec, q: q, config: nil},
		{name: "nil reconciler", rec: nil, q: q, config: testConfig(), wantErr: true},
		{name: "nil queue", rec: rec, q: nil, config: testConfig(), wantErr: true},
		{name: "zero interval", rec: rec, q: q, config: &Config{Interval: 0}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewWithConfig(tt.rec, tt.q, tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewWithConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && d == nil {
				t.Fatal("NewWithConfig() returned nil daemon")
			}
		})
	}
}

func TestStartRunsInitialPass(t *testing.T) {
	rec := &fakeReconciler{}
	d, err := NewWithConfig(rec, queue.New(queue.DefaultConfig(), nil), testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig failed: %v", err)
	}

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	if got := rec.passes.Load(); got != 1 {
		t.Errorf("passes after Start = %d, want 1", got)
	}
	if err := d.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestStartDegradedOnInitialFailure(t *testing.T) {
	rec := &fakeReconciler{passErr: errors.New("remote down")}
	d, err := NewWithConfig(rec, queue.New(queue.DefaultConfig(), nil), testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig failed: %v", err)
	}

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start should tolerate a failed initial sync, got %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestIntervalPasses(t *testing.T) {
	rec := &fakeReconciler{}
	cfg := testConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.InitialSync = false

	d, err := NewWithConfig(rec, queue.New(queue.DefaultConfig(), nil), cfg)
	if err != nil {
		t.Fatalf("NewWithConfig failed: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	waitFor(t, func() bool { return rec.passes.Load() >= 3 })
}

func TestSetInterval(t *testing.T) {
	rec := &fakeReconciler{}
	cfg := testConfig()
	cfg.InitialSync = false

	d, err := NewWithConfig(rec, queue.New(queue.DefaultConfig(), nil), cfg)
	if err != nil {
		t.Fatalf("NewWithConfig failed: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	if err := d.SetInterval(-time.Second); err == nil {
		t.Error("SetInterval should reject a negative interval")
	}
	if err := d.SetInterval(10 * time.Millisecond); err != nil {
		t.Fatalf("SetInterval failed: %v", err)
	}
	waitFor(t, func() bool { return rec.passes.Load() >= 2 })
}

func TestInvalidCleanupSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.InitialSync = false
	cfg.CleanupSchedule = "not a schedule"

	d, err := NewWithConfig(&fakeReconciler{}, queue.New(queue.DefaultConfig(), nil), cfg)
	if err != nil {
		t.Fatalf("NewWithConfig failed: %v", err)
	}
	if err := d.Start(context.Background()); err == nil {
		d.Stop()
		t.Fatal("Start should reject an invalid cron spec")
	}
}

func TestCleanupSchedule(t *testing.T) {
	rec := &fakeReconciler{}
	cfg := testConfig()
	cfg.InitialSync = false
	cfg.CleanupSchedule = "@every 1s"

	d, err := NewWithConfig(rec, queue.New(queue.DefaultConfig(), nil), cfg)
	if err != nil {
		t.Fatalf("NewWithConfig failed: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for rec.cleanups.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if rec.cleanups.Load() == 0 {
		t.Error("cleanup job never ran")
	}
}

func TestStopFlushesQueue(t *testing.T) {
	cfg := testConfig()
	cfg.InitialSync = false
	q := queue.New(queue.Config{Capacity: 100, BatchSize: 50}, nil)

	d, err := NewWithConfig(&fakeReconciler{}, q, cfg)
	if err != nil {
		t.Fatalf("NewWithConfig failed: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 3; i++ {
		q.Enqueue(queue.Operation{
			Kind:  schema.KindTask,
			Label: "push",
			Run: func(context.Context) error {
				mu.Lock()
				ran++
				mu.Unlock()
				return nil
			},
		})
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if ran != 3 {
		t.Errorf("operations run on Stop = %d, want 3", ran)
	}
	if q.Size() != 0 {
		t.Errorf("queue size after Stop = %d, want 0", q.Size())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.InitialSync = false

	d, err := NewWithConfig(&fakeReconciler{}, queue.New(queue.DefaultConfig(), nil), cfg)
	if err != nil {
		t.Fatalf("NewWithConfig failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSkippedTickIsNotAnError(t *testing.T) {
	rec := &fakeReconciler{passErr: cachesync.ErrPassInProgress}
	d, err := NewWithConfig(rec, queue.New(queue.DefaultConfig(), nil), testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig failed: %v", err)
	}
	if err := d.runPass(context.Background()); err != nil {
		t.Errorf("runPass() = %v, want nil for a skipped tick", err)
	}
}
