package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/shiftdesk/shiftdesk/internal/cache/remote"
	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
)

// push sends every unsynced row to the remote store, kind by kind.
// Returns how many rows were synced and how many failed.
func (r *reconciler) push(ctx context.Context) (int, int) {
	var pushed, failed int
	for _, kind := range schema.Kinds {
		records, err := r.db.ListUnsynced(ctx, kind)
		if err != nil {
			r.logger.Printf("Warning: failed to list unsynced %s rows: %v", kind, err)
			failed++
			continue
		}

		for _, rec := range records {
			if ctx.Err() != nil {
				return pushed, failed
			}
			if err := r.PushRecord(ctx, kind, rec.Base().LocalID); err != nil {
				failed++
				continue
			}
			pushed++
		}
	}
	return pushed, failed
}

// PushRecord implements Reconciler.PushRecord.
func (r *reconciler) PushRecord(ctx context.Context, kind schema.Kind, localID uint64) error {
	unlock := r.locks.lock(kind, localID)
	defer unlock()
	return r.pushLocked(ctx, kind, localID)
}

// pushLocked re-reads the row under its key lock so that a push that waited
// for another one sees the remote id that push stored.
func (r *reconciler) pushLocked(ctx context.Context, kind schema.Kind, localID uint64) error {
	rec, err := r.db.GetRecord(ctx, kind, localID)
	if errors.Is(err, schema.ErrNotFound) {
		// Deleted locally since it was queued.
		return nil
	}
	if err != nil {
		return r.failed(kind, localID, err)
	}

	meta := rec.Base()
	if meta.Synced {
		return nil
	}

	r.inflight.RLock()
	defer r.inflight.RUnlock()

	remoteID := meta.RemoteID
	if remoteID == "" {
		remoteID, err = remote.Create(ctx, r.remote, rec)
	} else {
		err = remote.Update(ctx, r.remote, rec)
		if errors.Is(err, schema.ErrNotFound) {
			r.logger.Printf("Warning: remote %s %s is gone, creating it again", kind, remoteID)
			remoteID, err = remote.Create(ctx, r.remote, rec)
		}
	}
	if err != nil {
		return r.failed(kind, localID, err)
	}

	return r.markSynced(ctx, kind, localID, remoteID, meta.Version)
}

func (r *reconciler) markSynced(ctx context.Context, kind schema.Kind, localID uint64, remoteID string, version int64) error {
	synced, err := r.db.MarkSyncedVersion(ctx, kind, localID, remoteID, version)
	if err != nil {
		return r.failed(kind, localID, fmt.Errorf("failed to mark synced: %w", err))
	}
	if !synced {
		r.logger.Printf("%s local:%d changed while syncing, will push again", kind, localID)
		return nil
	}

	r.emit(Event{Type: EventRecordSynced, Kind: kind, LocalID: localID, RemoteID: remoteID})
	return nil
}

func (r *reconciler) failed(kind schema.Kind, localID uint64, err error) error {
	r.logger.Printf("Warning: failed to sync %s local:%d: %v", kind, localID, err)
	r.emit(Event{Type: EventRecordFailed, Kind: kind, LocalID: localID, Error: err.Error()})
	return err
}

// PushTaskStatus implements Reconciler.PushTaskStatus.
func (r *reconciler) PushTaskStatus(ctx context.Context, localID uint64, version int64) error {
	unlock := r.locks.lock(schema.KindTask, localID)
	defer unlock()

	t, err := r.db.GetTaskByLocalID(ctx, localID)
	if errors.Is(err, schema.ErrNotFound) {
		return nil
	}
	if err != nil {
		return r.failed(schema.KindTask, localID, err)
	}
	if t.Synced {
		return nil
	}
	if t.RemoteID == "" || t.Version != version {
		return r.pushLocked(ctx, schema.KindTask, localID)
	}

	if err := r.remote.UpdateTaskStatus(ctx, t.RemoteID, t.Status, t.Comment); err != nil {
		if errors.Is(err, schema.ErrNotFound) {
			return r.pushLocked(ctx, schema.KindTask, localID)
		}
		return r.failed(schema.KindTask, localID, err)
	}
	return r.markSynced(ctx, schema.KindTask, localID, t.RemoteID, version)
}

// PushCheckout implements Reconciler.PushCheckout.
func (r *reconciler) PushCheckout(ctx context.Context, localID uint64, version int64) error {
	unlock := r.locks.lock(schema.KindAttendance, localID)
	defer unlock()

	a, err := r.db.GetAttendanceByLocalID(ctx, localID)
	if errors.Is(err, schema.ErrNotFound) {
		return nil
	}
	if err != nil {
		return r.failed(schema.KindAttendance, localID, err)
	}
	if a.Synced {
		return nil
	}
	if a.RemoteID == "" || a.Version != version || a.CheckOut == nil {
		return r.pushLocked(ctx, schema.KindAttendance, localID)
	}

	hours, err := r.remote.UpdateAttendanceCheckout(ctx, a.RemoteID, *a.CheckOut, a.CheckOutLocation)
	if err != nil {
		if errors.Is(err, schema.ErrNotFound) {
			return r.pushLocked(ctx, schema.KindAttendance, localID)
		}
		return r.failed(schema.KindAttendance, localID, err)
	}
	if hours != a.WorkedHours {
		r.logger.Printf("attendance local:%d: remote computed %.2fh, local %.2fh", localID, hours, a.WorkedHours)
	}
	return r.markSynced(ctx, schema.KindAttendance, localID, a.RemoteID, version)
}
