package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/shiftdesk/shiftdesk/internal/cache/remote"
	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
)

// Direct calls the remote store synchronously for every operation. Records
// it returns carry remote ids only.
type Direct struct {
	remote remote.Adapter
	now    func() time.Time
	logger *log.Logger
}

var _ Service = (*Direct)(nil)

// NewDirect creates a Service without a cache.
func NewDirect(adapter remote.Adapter, logger *log.Logger) *Direct {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Direct{remote: adapter, now: time.Now, logger: logger}
}

// stored marks rec as persisted remotely under remoteID.
func (d *Direct) stored(m *schema.Meta, remoteID string) {
	*m = schema.Meta{RemoteID: remoteID, Synced: true, UpdatedAt: d.now()}
}

func (d *Direct) SaveAccount(ctx context.Context, a *schema.Account) (*schema.Account, error) {
	out := *a
	if out.CreatedAt.IsZero() {
		out.CreatedAt = d.now()
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	id, err := d.remote.CreateAccount(ctx, &out)
	if err != nil {
		return nil, err
	}
	d.stored(&out.Meta, id)
	return &out, nil
}

func (d *Direct) SubmitReport(ctx context.Context, r *schema.Report) (*schema.Report, error) {
	out := *r
	if out.Status == "" {
		out.Status = schema.ReportSubmitted
	}
	if out.SubmittedAt.IsZero() {
		out.SubmittedAt = d.now()
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	id, err := d.remote.CreateReport(ctx, &out)
	if err != nil {
		return nil, err
	}
	d.stored(&out.Meta, id)
	return &out, nil
}

func (d *Direct) CreateTask(ctx context.Context, t *schema.Task) (*schema.Task, error) {
	out := *t
	if err := newTask(&out, d.now()); err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	id, err := d.remote.CreateTask(ctx, &out)
	if err != nil {
		return nil, err
	}
	d.stored(&out.Meta, id)
	return &out, nil
}

func (d *Direct) EditTask(ctx context.Context, id schema.Identifier, edit TaskEdit) (*schema.Task, error) {
	t, err := d.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := applyTaskEdit(t, edit); err != nil {
		return nil, err
	}
	if err := d.remote.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	t.UpdatedAt = d.now()
	return t, nil
}

func (d *Direct) CheckIn(ctx context.Context, ownerID string, at time.Time, loc *schema.Location) (*schema.Attendance, error) {
	a := checkIn(ownerID, at, loc)
	if err := a.Validate(); err != nil {
		return nil, err
	}
	id, err := d.remote.CreateAttendance(ctx, a)
	if err != nil {
		return nil, err
	}
	d.stored(&a.Meta, id)
	return a, nil
}

func (d *Direct) CheckOut(ctx context.Context, ownerID string, at time.Time, loc *schema.Location) (*schema.Attendance, error) {
	date := schema.DateOf(at)
	a, err := remote.GetAttendance(ctx, d.remote, ownerID, date)
	if errors.Is(err, schema.ErrNotFound) {
		return nil, noCheckIn(ownerID, date)
	}
	if err != nil {
		return nil, err
	}

	if err := checkOut(a, at, loc); err != nil {
		return nil, err
	}
	hours, err := d.remote.UpdateAttendanceCheckout(ctx, a.RemoteID, at, loc)
	if err != nil {
		return nil, err
	}
	a.WorkedHours = hours
	a.UpdatedAt = d.now()
	return a, nil
}

func (d *Direct) GetAccount(ctx context.Context, externalID string) (*schema.Account, error) {
	return remote.GetAccount(ctx, d.remote, externalID)
}

func (d *Direct) GetReport(ctx context.Context, ownerID, date string) (*schema.Report, error) {
	return remote.GetReport(ctx, d.remote, ownerID, date)
}

func (d *Direct) GetTask(ctx context.Context, id schema.Identifier) (*schema.Task, error) {
	remoteID, ok := id.Remote()
	if !ok {
		return nil, fmt.Errorf("%w: direct mode addresses tasks by remote id, got %s", schema.ErrInvalid, id)
	}
	return d.remote.GetTask(ctx, remoteID)
}

func (d *Direct) GetAttendance(ctx context.Context, ownerID, date string) (*schema.Attendance, error) {
	return remote.GetAttendance(ctx, d.remote, ownerID, date)
}

func (d *Direct) ListAccounts(ctx context.Context, f schema.Filter) ([]*schema.Account, error) {
	return d.remote.QueryAccounts(ctx, f)
}

func (d *Direct) ListReports(ctx context.Context, f schema.Filter) ([]*schema.Report, error) {
	return d.remote.QueryReports(ctx, f)
}

func (d *Direct) ListTasks(ctx context.Context, f schema.Filter) ([]*schema.Task, error) {
	return d.remote.QueryTasks(ctx, f)
}

func (d *Direct) ListAttendance(ctx context.Context, f schema.Filter) ([]*schema.Attendance, error) {
	return d.remote.QueryAttendance(ctx, f)
}

// UpdateStatus supports tasks only: the remote store has no lookup of
// reports or accounts by remote id.
func (d *Direct) UpdateStatus(ctx context.Context, kind schema.Kind, id schema.Identifier, status, comment string) (schema.Record, error) {
	if kind != schema.KindTask {
		return nil, fmt.Errorf("%w: direct mode cannot change %s status by id", schema.ErrUnsupported, kind)
	}

	t, err := d.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := applyTaskStatus(t, schema.TaskStatus(status), comment, d.now()); err != nil {
		return nil, err
	}
	if err := d.remote.UpdateTaskStatus(ctx, t.RemoteID, t.Status, t.Comment); err != nil {
		return nil, err
	}
	t.UpdatedAt = d.now()
	return t, nil
}
