package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/shiftdesk/shiftdesk/internal/cache/db"
	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
)

// Local serves everything from the local store. Nothing is sent to the
// remote store, so written records stay unsynced.
type Local struct {
	db     *db.DB
	now    func() time.Time
	logger *log.Logger
}

var _ Service = (*Local)(nil)

// NewLocal creates a local-only Service.
func NewLocal(database *db.DB, logger *log.Logger) *Local {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Local{db: database, now: time.Now, logger: logger}
}

func (l *Local) SaveAccount(ctx context.Context, a *schema.Account) (*schema.Account, error) {
	out := *a
	out.Meta = schema.Meta{}
	if _, err := l.db.UpsertAccount(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (l *Local) SubmitReport(ctx context.Context, r *schema.Report) (*schema.Report, error) {
	out := *r
	out.Meta = schema.Meta{}
	if out.Status == "" {
		out.Status = schema.ReportSubmitted
	}
	if _, err := l.db.UpsertReport(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (l *Local) CreateTask(ctx context.Context, t *schema.Task) (*schema.Task, error) {
	out := *t
	if err := newTask(&out, l.now()); err != nil {
		return nil, err
	}
	if _, err := l.db.UpsertTask(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (l *Local) EditTask(ctx context.Context, id schema.Identifier, edit TaskEdit) (*schema.Task, error) {
	for attempt := 1; ; attempt++ {
		t, err := l.db.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := applyTaskEdit(t, edit); err != nil {
			return nil, err
		}
		_, err = l.db.UpsertTask(ctx, t)
		if errors.Is(err, schema.ErrConflict) && attempt < maxWriteAttempts {
			continue
		}
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

func (l *Local) CheckIn(ctx context.Context, ownerID string, at time.Time, loc *schema.Location) (*schema.Attendance, error) {
	a := checkIn(ownerID, at, loc)
	if _, err := l.db.UpsertAttendance(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (l *Local) CheckOut(ctx context.Context, ownerID string, at time.Time, loc *schema.Location) (*schema.Attendance, error) {
	a, _, err := l.checkOut(ctx, ownerID, at, loc)
	return a, err
}

// checkOut also returns the bookkeeping the record had before the write.
func (l *Local) checkOut(ctx context.Context, ownerID string, at time.Time, loc *schema.Location) (*schema.Attendance, schema.Meta, error) {
	date := schema.DateOf(at)
	a, err := l.db.GetAttendance(ctx, ownerID, date)
	if errors.Is(err, schema.ErrNotFound) {
		return nil, schema.Meta{}, noCheckIn(ownerID, date)
	}
	if err != nil {
		return nil, schema.Meta{}, err
	}

	prev := a.Meta
	if err := checkOut(a, at, loc); err != nil {
		return nil, prev, err
	}
	if _, err := l.db.UpsertAttendance(ctx, a); err != nil {
		return nil, prev, err
	}
	return a, prev, nil
}

func (l *Local) GetAccount(ctx context.Context, externalID string) (*schema.Account, error) {
	return l.db.GetAccount(ctx, externalID)
}

func (l *Local) GetReport(ctx context.Context, ownerID, date string) (*schema.Report, error) {
	return l.db.GetReport(ctx, ownerID, date)
}

func (l *Local) GetTask(ctx context.Context, id schema.Identifier) (*schema.Task, error) {
	return l.db.GetTask(ctx, id)
}

func (l *Local) GetAttendance(ctx context.Context, ownerID, date string) (*schema.Attendance, error) {
	return l.db.GetAttendance(ctx, ownerID, date)
}

func (l *Local) ListAccounts(ctx context.Context, f schema.Filter) ([]*schema.Account, error) {
	return l.db.QueryAccounts(ctx, f)
}

func (l *Local) ListReports(ctx context.Context, f schema.Filter) ([]*schema.Report, error) {
	return l.db.QueryReports(ctx, f)
}

func (l *Local) ListTasks(ctx context.Context, f schema.Filter) ([]*schema.Task, error) {
	return l.db.QueryTasks(ctx, f)
}

func (l *Local) ListAttendance(ctx context.Context, f schema.Filter) ([]*schema.Attendance, error) {
	return l.db.QueryAttendance(ctx, f)
}

func (l *Local) UpdateStatus(ctx context.Context, kind schema.Kind, id schema.Identifier, status, comment string) (schema.Record, error) {
	rec, _, err := l.updateStatus(ctx, kind, id, status, comment)
	return rec, err
}

// maxWriteAttempts bounds how often a task write is re-read and re-checked
// after losing a race with another write.
const maxWriteAttempts = 3

// updateStatus also returns the bookkeeping the record had before the write.
func (l *Local) updateStatus(ctx context.Context, kind schema.Kind, id schema.Identifier, status, comment string) (schema.Record, schema.Meta, error) {
	if kind == schema.KindAttendance {
		return nil, schema.Meta{}, fmt.Errorf("%w: attendance has no status", schema.ErrUnsupported)
	}

	for attempt := 1; ; attempt++ {
		rec, prev, err := l.writeStatus(ctx, kind, id, status, comment)
		if errors.Is(err, schema.ErrConflict) && attempt < maxWriteAttempts {
			continue
		}
		return rec, prev, err
	}
}

// writeStatus checks the transition against the stored row and writes it
// back. Task writes fail with ErrConflict if the row changed in between.
func (l *Local) writeStatus(ctx context.Context, kind schema.Kind, id schema.Identifier, status, comment string) (schema.Record, schema.Meta, error) {
	rec, err := l.db.Resolve(ctx, kind, id)
	if err != nil {
		return nil, schema.Meta{}, err
	}
	prev := *rec.Base()

	switch r := rec.(type) {
	case *schema.Task:
		if err := applyTaskStatus(r, schema.TaskStatus(status), comment, l.now()); err != nil {
			return nil, prev, err
		}
		_, err = l.db.UpsertTask(ctx, r)
	case *schema.Report:
		if err := applyReportStatus(r, status); err != nil {
			return nil, prev, err
		}
		_, err = l.db.UpsertReport(ctx, r)
	case *schema.Account:
		if err := applyAccountStatus(r, status); err != nil {
			return nil, prev, err
		}
		_, err = l.db.UpsertAccount(ctx, r)
	default:
		return nil, prev, fmt.Errorf("%w: status of %s", schema.ErrUnsupported, kind)
	}
	if err != nil {
		return nil, prev, err
	}
	return rec, prev, nil
}
