package sync

import (
	"context"
	"errors"
	"time"

	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
)

// ErrPassInProgress is returned by RunPass when another pass is running.
var ErrPassInProgress = errors.New("sync pass already in progress")

// Reconciler keeps the local cache and the remote store converged.
type Reconciler interface {
	// RunPass drains the queue, pushes every unsynced row, pulls active
	// remote state and, if the pull succeeded, removes old synced rows.
	//
	// Only one pass runs at a time. A call made while a pass is running
	// returns ErrPassInProgress immediately.
	RunPass(ctx context.Context) (PassResult, error)

	// PushRecord creates or updates the remote copy of one row and marks it
	// synced if it did not change meanwhile.
	PushRecord(ctx context.Context, kind schema.Kind, localID uint64) error

	// PushTaskStatus sends only a task's status and comment, provided the
	// task still has the given version and a remote id. Otherwise it falls
	// back to PushRecord.
	PushTaskStatus(ctx context.Context, localID uint64, version int64) error

	// PushCheckout sends only an attendance check-out, with the same
	// fallback rule as PushTaskStatus.
	PushCheckout(ctx context.Context, localID uint64, version int64) error

	// Cleanup removes synced rows older than the retention period.
	Cleanup(ctx context.Context) (int64, error)

	// Warm reports whether a pull has completed since startup.
	Warm() bool

	// LastPass returns the result of the most recent pass.
	LastPass() (PassResult, bool)

	// SetObserver registers a receiver for sync events. nil removes it.
	SetObserver(o Observer)
}

// PassResult summarizes one reconciliation pass.
type PassResult struct {
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration"`
	QueueOps    int           `json:"queue_ops"`
	QueueFailed int           `json:"queue_failed"`
	Pushed      int           `json:"pushed"`
	PushFailed  int           `json:"push_failed"`
	Pulled      int           `json:"pulled"`
	// Kept counts pulled rows not applied because the local copy has
	// pending changes.
	Kept    int    `json:"kept"`
	Deleted int64  `json:"deleted"`
	Err     string `json:"error,omitempty"`
}

// EventType names a sync event.
type EventType string

const (
	EventRecordSynced EventType = "record_synced"
	EventRecordFailed EventType = "record_failed"
	EventPassComplete EventType = "pass_complete"
)

// Event is emitted to the Observer as records sync and passes complete.
type Event struct {
	Type     EventType   `json:"type"`
	Time     time.Time   `json:"time"`
	Kind     schema.Kind `json:"kind,omitempty"`
	LocalID  uint64      `json:"local_id,omitempty"`
	RemoteID string      `json:"remote_id,omitempty"`
	Error    string      `json:"error,omitempty"`
	Pass     *PassResult `json:"pass,omitempty"`
}

// Observer receives sync events. Implementations must not block.
type Observer interface {
	OnSyncEvent(e Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnSyncEvent(e Event) { f(e) }
