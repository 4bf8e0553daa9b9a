package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
)

const attendanceColumns = `local_id, remote_id, owner_id, date, check_in, check_out,
	worked_hours, in_lat, in_lon, out_lat, out_lon, synced, version, updated_at`

func scanAttendance(s rowScanner) (*schema.Attendance, error) {
	var a schema.Attendance
	var remoteID, checkOut sql.NullString
	var inLat, inLon, outLat, outLon sql.NullFloat64
	var checkIn, updatedAt string

	err := s.Scan(
		&a.LocalID,
		&remoteID,
		&a.OwnerID,
		&a.Date,
		&checkIn,
		&checkOut,
		&a.WorkedHours,
		&inLat,
		&inLon,
		&outLat,
		&outLon,
		&a.Synced,
		&a.Version,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.RemoteID = remoteID.String
	a.CheckIn = parseTime(checkIn)
	a.CheckOut = nullStringToTime(checkOut)
	a.CheckInLocation = locationFromNull(inLat, inLon)
	a.CheckOutLocation = locationFromNull(outLat, outLon)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func locationFromNull(lat, lon sql.NullFloat64) *schema.Location {
	if !lat.Valid || !lon.Valid {
		return nil
	}
	return &schema.Location{Lat: lat.Float64, Lon: lon.Float64}
}

func locationToNull(l *schema.Location) (sql.NullFloat64, sql.NullFloat64) {
	if l == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: l.Lat, Valid: true}, sql.NullFloat64{Float64: l.Lon, Valid: true}
}

func attendanceArgs(a *schema.Attendance, stamp string) []any {
	inLat, inLon := locationToNull(a.CheckInLocation)
	outLat, outLon := locationToNull(a.CheckOutLocation)
	return []any{
		nullRemoteID(a.RemoteID),
		a.OwnerID,
		a.Date,
		formatTime(a.CheckIn),
		timeToNullString(a.CheckOut),
		a.WorkedHours,
		inLat,
		inLon,
		outLat,
		outLon,
		stamp,
	}
}

// UpsertAttendance inserts or overwrites the attendance record for
// (owner, date) and marks it unsynced. Worked hours are recomputed from the
// check-in and check-out times.
func (db *DB) UpsertAttendance(ctx context.Context, a *schema.Attendance) (uint64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	a.RecomputeWorkedHours()

	query := `
	INSERT INTO attendance (
		remote_id, owner_id, date, check_in, check_out, worked_hours,
		in_lat, in_lon, out_lat, out_lon, synced, version, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 1, ?)
	ON CONFLICT(owner_id, date) DO UPDATE SET
		remote_id = COALESCE(excluded.remote_id, attendance.remote_id),
		check_in = excluded.check_in,
		check_out = excluded.check_out,
		worked_hours = excluded.worked_hours,
		in_lat = excluded.in_lat,
		in_lon = excluded.in_lon,
		out_lat = excluded.out_lat,
		out_lon = excluded.out_lon,
		synced = 0,
		version = attendance.version + 1,
		updated_at = excluded.updated_at
	RETURNING local_id, remote_id, version, updated_at
	`

	var remoteID sql.NullString
	var updatedAt string
	err := db.conn.QueryRowContext(ctx, query, attendanceArgs(a, db.stamp())...).
		Scan(&a.LocalID, &remoteID, &a.Version, &updatedAt)
	if err != nil {
		return 0, storageErr("upsert attendance "+a.OwnerID+"/"+a.Date, err)
	}

	a.RemoteID = remoteID.String
	a.Synced = false
	a.UpdatedAt = parseTime(updatedAt)
	return a.LocalID, nil
}

// ApplyRemoteAttendance stores an attendance record read from the remote
// store as synced, unless the cached row has pending local changes.
func (db *DB) ApplyRemoteAttendance(ctx context.Context, a *schema.Attendance) (bool, error) {
	query := `
	INSERT INTO attendance (
		remote_id, owner_id, date, check_in, check_out, worked_hours,
		in_lat, in_lon, out_lat, out_lon, synced, version, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 1, ?)
	ON CONFLICT(owner_id, date) DO UPDATE SET
		remote_id = excluded.remote_id,
		check_in = excluded.check_in,
		check_out = excluded.check_out,
		worked_hours = excluded.worked_hours,
		in_lat = excluded.in_lat,
		in_lon = excluded.in_lon,
		out_lat = excluded.out_lat,
		out_lon = excluded.out_lon,
		synced = 1,
		version = attendance.version + 1,
		updated_at = excluded.updated_at
	WHERE attendance.synced = 1
	RETURNING local_id, version, updated_at
	`

	var updatedAt string
	err := db.conn.QueryRowContext(ctx, query, attendanceArgs(a, db.stamp())...).
		Scan(&a.LocalID, &a.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("apply remote attendance "+a.OwnerID+"/"+a.Date, err)
	}

	a.Synced = true
	a.UpdatedAt = parseTime(updatedAt)
	return true, nil
}

// GetAttendance retrieves the attendance record for (owner, date).
// Returns an error wrapping schema.ErrNotFound if it is not cached.
func (db *DB) GetAttendance(ctx context.Context, ownerID, date string) (*schema.Attendance, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+attendanceColumns+` FROM attendance WHERE owner_id = ? AND date = ?`, ownerID, date)
	a, err := scanAttendance(row)
	if err != nil {
		return nil, notFound("get attendance "+ownerID+"/"+date, err)
	}
	return a, nil
}

// GetAttendanceByLocalID retrieves an attendance record by local id.
func (db *DB) GetAttendanceByLocalID(ctx context.Context, localID uint64) (*schema.Attendance, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+attendanceColumns+` FROM attendance WHERE local_id = ?`, localID)
	a, err := scanAttendance(row)
	if err != nil {
		return nil, notFound("get attendance", err)
	}
	return a, nil
}

// QueryAttendance lists attendance records by owner and date range, ordered
// by date. Statuses accepts "open" (no check-out yet) and "closed".
func (db *DB) QueryAttendance(ctx context.Context, f schema.Filter) ([]*schema.Attendance, error) {
	w := &whereBuilder{}
	if f.OwnerID != "" {
		w.add("owner_id = ?", f.OwnerID)
	}
	if len(f.Statuses) == 1 {
		switch f.Statuses[0] {
		case "open":
			w.add("check_out IS NULL")
		case "closed":
			w.add("check_out IS NOT NULL")
		}
	}
	if f.From != "" {
		w.add("date >= ?", f.From)
	}
	if f.To != "" {
		w.add("date <= ?", f.To)
	}

	query, args := finish(`SELECT `+attendanceColumns+` FROM attendance`, w, "date", f)
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query attendance", err)
	}
	defer rows.Close()

	var out []*schema.Attendance
	for rows.Next() {
		a, err := scanAttendance(rows)
		if err != nil {
			return nil, storageErr("scan attendance", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate attendance", err)
	}
	return out, nil
}
