package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
)

const reportColumns = `local_id, remote_id, owner_id, date, completed, planned, blockers,
	submitted_at, status, synced, version, updated_at`

func scanReport(s rowScanner) (*schema.Report, error) {
	var r schema.Report
	var remoteID sql.NullString
	var submittedAt, updatedAt string

	err := s.Scan(
		&r.LocalID,
		&remoteID,
		&r.OwnerID,
		&r.Date,
		&r.Completed,
		&r.Planned,
		&r.Blockers,
		&submittedAt,
		&r.Status,
		&r.Synced,
		&r.Version,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.RemoteID = remoteID.String
	r.SubmittedAt = parseTime(submittedAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// UpsertReport inserts or overwrites the report for (owner, date) and marks
// it unsynced. A second submission for the same day replaces the first.
func (db *DB) UpsertReport(ctx context.Context, r *schema.Report) (uint64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = db.now()
	}

	query := `
	INSERT INTO reports (
		remote_id, owner_id, date, completed, planned, blockers,
		submitted_at, status, synced, version, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 1, ?)
	ON CONFLICT(owner_id, date) DO UPDATE SET
		remote_id = COALESCE(excluded.remote_id, reports.remote_id),
		completed = excluded.completed,
		planned = excluded.planned,
		blockers = excluded.blockers,
		submitted_at = excluded.submitted_at,
		status = excluded.status,
		synced = 0,
		version = reports.version + 1,
		updated_at = excluded.updated_at
	RETURNING local_id, remote_id, version, updated_at
	`

	var remoteID sql.NullString
	var updatedAt string
	err := db.conn.QueryRowContext(ctx, query,
		nullRemoteID(r.RemoteID),
		r.OwnerID,
		r.Date,
		r.Completed,
		r.Planned,
		r.Blockers,
		formatTime(r.SubmittedAt),
		string(r.Status),
		db.stamp(),
	).Scan(&r.LocalID, &remoteID, &r.Version, &updatedAt)
	if err != nil {
		return 0, storageErr("upsert report "+r.OwnerID+"/"+r.Date, err)
	}

	r.RemoteID = remoteID.String
	r.Synced = false
	r.UpdatedAt = parseTime(updatedAt)
	return r.LocalID, nil
}

// ApplyRemoteReport stores a report read from the remote store as synced,
// unless the cached row has pending local changes.
func (db *DB) ApplyRemoteReport(ctx context.Context, r *schema.Report) (bool, error) {
	query := `
	INSERT INTO reports (
		remote_id, owner_id, date, completed, planned, blockers,
		submitted_at, status, synced, version, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, 1, ?)
	ON CONFLICT(owner_id, date) DO UPDATE SET
		remote_id = excluded.remote_id,
		completed = excluded.completed,
		planned = excluded.planned,
		blockers = excluded.blockers,
		submitted_at = excluded.submitted_at,
		status = excluded.status,
		synced = 1,
		version = reports.version + 1,
		updated_at = excluded.updated_at
	WHERE reports.synced = 1
	RETURNING local_id, version, updated_at
	`

	var updatedAt string
	err := db.conn.QueryRowContext(ctx, query,
		nullRemoteID(r.RemoteID),
		r.OwnerID,
		r.Date,
		r.Completed,
		r.Planned,
		r.Blockers,
		formatTime(r.SubmittedAt),
		string(r.Status),
		db.stamp(),
	).Scan(&r.LocalID, &r.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("apply remote report "+r.OwnerID+"/"+r.Date, err)
	}

	r.Synced = true
	r.UpdatedAt = parseTime(updatedAt)
	return true, nil
}

// GetReport retrieves the report for (owner, date).
// Returns an error wrapping schema.ErrNotFound if it is not cached.
func (db *DB) GetReport(ctx context.Context, ownerID, date string) (*schema.Report, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE owner_id = ? AND date = ?`, ownerID, date)
	r, err := scanReport(row)
	if err != nil {
		return nil, notFound("get report "+ownerID+"/"+date, err)
	}
	return r, nil
}

// GetReportByLocalID retrieves a report by local id.
func (db *DB) GetReportByLocalID(ctx context.Context, localID uint64) (*schema.Report, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE local_id = ?`, localID)
	r, err := scanReport(row)
	if err != nil {
		return nil, notFound("get report", err)
	}
	return r, nil
}

// QueryReports lists reports by owner, status and date range, ordered by date.
func (db *DB) QueryReports(ctx context.Context, f schema.Filter) ([]*schema.Report, error) {
	w := &whereBuilder{}
	if f.OwnerID != "" {
		w.add("owner_id = ?", f.OwnerID)
	}
	w.in("status", f.Statuses)
	if f.From != "" {
		w.add("date >= ?", f.From)
	}
	if f.To != "" {
		w.add("date <= ?", f.To)
	}

	query, args := finish(`SELECT `+reportColumns+` FROM reports`, w, "date", f)
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query reports", err)
	}
	defer rows.Close()

	var out []*schema.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, storageErr("scan report", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate reports", err)
	}
	return out, nil
}
