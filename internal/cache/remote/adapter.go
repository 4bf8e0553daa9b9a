// Package remote talks to the hosted system of record.
//
// The sync worker and the direct-mode facade use the Adapter interface only.
// Two implementations are provided: Postgres, which stores records in a
// hosted Postgres database through pgx, and Memory, an in-process store used
// for development and tests.
//
// Adapters own their timeouts. Every failure is wrapped with
// schema.ErrRemote so callers can leave the record unsynced and retry on the
// next pass.
package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
)

// Adapter is the contract between the cache and the remote store.
//
// Create calls return the remote id of the new row. Creating an account,
// report or attendance record whose natural key already exists remotely
// returns the existing row's id, so replaying a create never duplicates.
type Adapter interface {
	CreateAccount(ctx context.Context, a *schema.Account) (string, error)
	CreateReport(ctx context.Context, r *schema.Report) (string, error)
	CreateTask(ctx context.Context, t *schema.Task) (string, error)
	CreateAttendance(ctx context.Context, a *schema.Attendance) (string, error)

	UpdateAccount(ctx context.Context, a *schema.Account) error
	UpdateReport(ctx context.Context, r *schema.Report) error
	UpdateTask(ctx context.Context, t *schema.Task) error
	UpdateAttendance(ctx context.Context, a *schema.Attendance) error

	// UpdateTaskStatus changes only a task's status and comment. Moving to
	// done stamps completed_at remotely if it is not set.
	UpdateTaskStatus(ctx context.Context, remoteID string, status schema.TaskStatus, comment string) error

	// UpdateAttendanceCheckout records a check-out and returns the worked
	// hours the remote store computed.
	UpdateAttendanceCheckout(ctx context.Context, remoteID string, checkOut time.Time, loc *schema.Location) (float64, error)

	GetTask(ctx context.Context, remoteID string) (*schema.Task, error)

	QueryAccounts(ctx context.Context, f schema.Filter) ([]*schema.Account, error)
	QueryReports(ctx context.Context, f schema.Filter) ([]*schema.Report, error)
	QueryTasks(ctx context.Context, f schema.Filter) ([]*schema.Task, error)
	QueryAttendance(ctx context.Context, f schema.Filter) ([]*schema.Attendance, error)

	Close() error
}

// Create dispatches to the Create call for the record's kind.
func Create(ctx context.Context, a Adapter, rec schema.Record) (string, error) {
	switch r := rec.(type) {
	case *schema.Account:
		return a.CreateAccount(ctx, r)
	case *schema.Report:
		return a.CreateReport(ctx, r)
	case *schema.Task:
		return a.CreateTask(ctx, r)
	case *schema.Attendance:
		return a.CreateAttendance(ctx, r)
	}
	return "", fmt.Errorf("%w: create %T", schema.ErrUnsupported, rec)
}

// Update dispatches to the Update call for the record's kind. The record's
// RemoteID must be set.
func Update(ctx context.Context, a Adapter, rec schema.Record) error {
	switch r := rec.(type) {
	case *schema.Account:
		return a.UpdateAccount(ctx, r)
	case *schema.Report:
		return a.UpdateReport(ctx, r)
	case *schema.Task:
		return a.UpdateTask(ctx, r)
	case *schema.Attendance:
		return a.UpdateAttendance(ctx, r)
	}
	return fmt.Errorf("%w: update %T", schema.ErrUnsupported, rec)
}

// GetAccount looks up one account by external id through QueryAccounts.
func GetAccount(ctx context.Context, a Adapter, externalID string) (*schema.Account, error) {
	rows, err := a.QueryAccounts(ctx, schema.Filter{OwnerID: externalID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("remote account %s: %w", externalID, schema.ErrNotFound)
	}
	return rows[0], nil
}

// GetReport looks up the report for (owner, date) through QueryReports.
func GetReport(ctx context.Context, a Adapter, ownerID, date string) (*schema.Report, error) {
	rows, err := a.QueryReports(ctx, schema.Filter{OwnerID: ownerID, From: date, To: date, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("remote report %s/%s: %w", ownerID, date, schema.ErrNotFound)
	}
	return rows[0], nil
}

// GetAttendance looks up the attendance record for (owner, date).
func GetAttendance(ctx context.Context, a Adapter, ownerID, date string) (*schema.Attendance, error) {
	rows, err := a.QueryAttendance(ctx, schema.Filter{OwnerID: ownerID, From: date, To: date, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("remote attendance %s/%s: %w", ownerID, date, schema.ErrNotFound)
	}
	return rows[0], nil
}

func remoteErr(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", schema.ErrRemote, op, err)
}
