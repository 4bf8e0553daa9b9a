// Package service is the read/write API that handlers use.
//
// One Service interface has three backends, chosen once at startup:
//
//   - Cached writes to the local store, returns at once and leaves the remote
//     call to the sync queue. Reads are served locally and fall back to the
//     remote store on a miss.
//   - Direct calls the remote store synchronously for everything.
//   - Local uses the local store only. Records stay pending forever.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
)

// Service is the facade consumed by handlers and routes.
type Service interface {
	// SaveAccount registers or updates an account keyed by its external id.
	SaveAccount(ctx context.Context, a *schema.Account) (*schema.Account, error)
	// SubmitReport stores the report for (owner, date), replacing an earlier
	// submission for the same day.
	SubmitReport(ctx context.Context, r *schema.Report) (*schema.Report, error)
	// CreateTask stores a new task in status new.
	CreateTask(ctx context.Context, t *schema.Task) (*schema.Task, error)
	// EditTask changes a task's title, description, priority or deadline.
	// Only the creator may edit, and only before the task is done.
	EditTask(ctx context.Context, id schema.Identifier, edit TaskEdit) (*schema.Task, error)
	// CheckIn stores the owner's check-in for the calendar day of at.
	CheckIn(ctx context.Context, ownerID string, at time.Time, loc *schema.Location) (*schema.Attendance, error)
	// CheckOut records the check-out on the owner's attendance for the
	// calendar day of at. ErrNotFound if there was no check-in.
	CheckOut(ctx context.Context, ownerID string, at time.Time, loc *schema.Location) (*schema.Attendance, error)

	GetAccount(ctx context.Context, externalID string) (*schema.Account, error)
	GetReport(ctx context.Context, ownerID, date string) (*schema.Report, error)
	GetTask(ctx context.Context, id schema.Identifier) (*schema.Task, error)
	GetAttendance(ctx context.Context, ownerID, date string) (*schema.Attendance, error)

	ListAccounts(ctx context.Context, f schema.Filter) ([]*schema.Account, error)
	ListReports(ctx context.Context, f schema.Filter) ([]*schema.Report, error)
	ListTasks(ctx context.Context, f schema.Filter) ([]*schema.Task, error)
	ListAttendance(ctx context.Context, f schema.Filter) ([]*schema.Attendance, error)

	// UpdateStatus changes the status of a task (new, in_progress, done;
	// forward only), report (submitted, missed) or account (active,
	// inactive). comment is stored on tasks and ignored otherwise.
	UpdateStatus(ctx context.Context, kind schema.Kind, id schema.Identifier, status, comment string) (schema.Record, error)
}

// TaskEdit lists the task fields a creator may change. Nil fields are left
// as they are.
type TaskEdit struct {
	EditorID      string
	Title         *string
	Description   *string
	Priority      *schema.TaskPriority
	Deadline      *time.Time
	ClearDeadline bool
}

// Mode selects a Service backend.
type Mode string

const (
	ModeCached Mode = "cached"
	ModeDirect Mode = "direct"
	ModeLocal  Mode = "local"
)

// ParseMode converts a configured mode name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeCached, ModeDirect, ModeLocal:
		return m, nil
	case "":
		return ModeCached, nil
	}
	return "", fmt.Errorf("%w: unknown service mode %q (want cached, direct or local)", schema.ErrInvalid, s)
}

// newTask prepares a task for its first write.
func newTask(t *schema.Task, now time.Time) error {
	if t.LocalID != 0 || t.RemoteID != "" {
		return fmt.Errorf("%w: new task must not carry an id", schema.ErrInvalid)
	}
	if t.Status == "" {
		t.Status = schema.TaskNew
	}
	if t.Status != schema.TaskNew {
		return fmt.Errorf("%w: new task must start in status %q, got %q", schema.ErrInvalid, schema.TaskNew, t.Status)
	}
	if t.Priority == "" {
		t.Priority = schema.PriorityMedium
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.CompletedAt = nil
	return nil
}

// applyTaskEdit changes t in place.
func applyTaskEdit(t *schema.Task, edit TaskEdit) error {
	if t.CreatorID != "" && edit.EditorID != t.CreatorID {
		return fmt.Errorf("%w: only the creator may edit task %s", schema.ErrInvalid, t.ID())
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: task %s is already %s", schema.ErrInvalidTransition, t.ID(), t.Status)
	}

	if edit.Title != nil {
		t.Title = *edit.Title
	}
	if edit.Description != nil {
		t.Description = *edit.Description
	}
	if edit.Priority != nil {
		t.Priority = *edit.Priority
	}
	switch {
	case edit.ClearDeadline:
		t.Deadline = nil
	case edit.Deadline != nil:
		d := *edit.Deadline
		t.Deadline = &d
	}
	return t.Validate()
}

// applyTaskStatus moves t to status. Moving to done stamps the completion
// time.
func applyTaskStatus(t *schema.Task, status schema.TaskStatus, comment string, now time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown task status %q", schema.ErrInvalid, status)
	}
	if !t.Status.CanTransition(status) {
		return fmt.Errorf("%w: task %s cannot move from %s to %s",
			schema.ErrInvalidTransition, t.ID(), t.Status, status)
	}

	t.Status = status
	if comment != "" {
		t.Comment = comment
	}
	if status == schema.TaskDone && t.CompletedAt == nil {
		done := now
		t.CompletedAt = &done
	}
	return nil
}

func applyReportStatus(r *schema.Report, status string) error {
	switch s := schema.ReportStatus(status); s {
	case schema.ReportSubmitted, schema.ReportMissed:
		r.Status = s
		return nil
	}
	return fmt.Errorf("%w: unknown report status %q", schema.ErrInvalid, status)
}

func applyAccountStatus(a *schema.Account, status string) error {
	switch status {
	case "active":
		a.Active = true
	case "inactive":
		a.Active = false
	default:
		return fmt.Errorf("%w: unknown account status %q", schema.ErrInvalid, status)
	}
	return nil
}

// checkIn builds the attendance record for a check-in.
func checkIn(ownerID string, at time.Time, loc *schema.Location) *schema.Attendance {
	return &schema.Attendance{
		OwnerID:         ownerID,
		Date:            schema.DateOf(at),
		CheckIn:         at,
		CheckInLocation: loc,
	}
}

// checkOut records a check-out on a.
func checkOut(a *schema.Attendance, at time.Time, loc *schema.Location) error {
	if at.Before(a.CheckIn) {
		return fmt.Errorf("%w: check-out %s is before check-in %s",
			schema.ErrInvalid, at.Format("15:04"), a.CheckIn.Format("15:04"))
	}
	out := at
	a.CheckOut = &out
	a.CheckOutLocation = loc
	a.RecomputeWorkedHours()
	return nil
}

func noCheckIn(ownerID, date string) error {
	return fmt.Errorf("no check-in for %s on %s: %w", ownerID, date, schema.ErrNotFound)
}
