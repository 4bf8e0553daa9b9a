package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
)

// MarkSynced records the remote id for a row and marks it synced.
func (db *DB) MarkSynced(ctx context.Context, kind schema.Kind, localID uint64, remoteID string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
	UPDATE %s SET remote_id = ?, synced = 1, updated_at = ?
	WHERE local_id = ?
	`, table)

	res, err := db.conn.ExecContext(ctx, query, nullRemoteID(remoteID), db.stamp(), localID)
	if err != nil {
		return storageErr("mark "+string(kind)+" synced", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark %s local:%d synced: %w", kind, localID, schema.ErrNotFound)
	}
	return nil
}

// MarkSyncedVersion records the remote id for a row and marks it synced only
// if its version still equals version. A local write that landed while the
// remote call was in flight bumps the version, so the row stays unsynced and
// the newer data is pushed on the next pass. The remote id is stored either
// way. Returns whether the row is now synced.
func (db *DB) MarkSyncedVersion(ctx context.Context, kind schema.Kind, localID uint64, remoteID string, version int64) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
	UPDATE %s SET
		remote_id = COALESCE(?, remote_id),
		synced = CASE WHEN version = ? THEN 1 ELSE synced END,
		updated_at = CASE WHEN version = ? THEN ? ELSE updated_at END
	WHERE local_id = ?
	RETURNING synced
	`, table)

	var synced bool
	err = db.conn.QueryRowContext(ctx, query,
		nullRemoteID(remoteID), version, version, db.stamp(), localID,
	).Scan(&synced)
	if err != nil {
		return false, notFound("mark "+string(kind)+" local:"+strconv.FormatUint(localID, 10)+" synced", err)
	}
	return synced, nil
}

// ListUnsynced returns every row of kind with pending local changes, oldest
// first.
func (db *DB) ListUnsynced(ctx context.Context, kind schema.Kind) ([]schema.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE synced = 0 ORDER BY local_id`, columnsFor(kind), table)
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("list unsynced "+string(kind), err)
	}
	defer rows.Close()

	var out []schema.Record
	for rows.Next() {
		rec, err := scanRecord(kind, rows)
		if err != nil {
			return nil, storageErr("scan unsynced "+string(kind), err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate unsynced "+string(kind), err)
	}
	return out, nil
}

// GetRecord retrieves a row of any kind by local id.
func (db *DB) GetRecord(ctx context.Context, kind schema.Kind, localID uint64) (schema.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE local_id = ?`, columnsFor(kind), table)
	rec, err := scanRecord(kind, db.conn.QueryRowContext(ctx, query, localID))
	if err != nil {
		return nil, notFound("get "+string(kind)+" local:"+strconv.FormatUint(localID, 10), err)
	}
	return rec, nil
}

// DeleteOlderThan removes synced rows of kind whose last write is before
// cutoff. Rows still in use are kept: tasks until they are done and accounts
// while they are active. Unsynced rows are never deleted.
func (db *DB) DeleteOlderThan(ctx context.Context, kind schema.Kind, cutoff time.Time) (int64, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE synced = 1 AND updated_at < ?`, table)
	switch kind {
	case schema.KindTask:
		query += ` AND status = 'done'`
	case schema.KindAccount:
		query += ` AND active = 0`
	}

	res, err := db.conn.ExecContext(ctx, query, formatTime(cutoff))
	if err != nil {
		return 0, storageErr("delete old "+string(kind)+" rows", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("count deleted "+string(kind)+" rows", err)
	}
	return n, nil
}

// KindCount summarizes the cached rows of one kind.
type KindCount struct {
	Kind     schema.Kind `json:"kind"`
	Total    int         `json:"total"`
	Unsynced int         `json:"unsynced"`
}

// Counts returns row totals per kind, in schema.Kinds order.
func (db *DB) Counts(ctx context.Context) ([]KindCount, error) {
	out := make([]KindCount, 0, len(schema.Kinds))
	for _, kind := range schema.Kinds {
		table, err := tableFor(kind)
		if err != nil {
			return nil, err
		}

		c := KindCount{Kind: kind}
		query := fmt.Sprintf(`SELECT COUNT(*), COALESCE(SUM(CASE WHEN synced = 0 THEN 1 ELSE 0 END), 0) FROM %s`, table)
		if err := db.conn.QueryRowContext(ctx, query).Scan(&c.Total, &c.Unsynced); err != nil {
			return nil, storageErr("count "+string(kind)+" rows", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// CountUnsynced returns the number of rows with pending local changes across
// every kind.
func (db *DB) CountUnsynced(ctx context.Context) (int, error) {
	counts, err := db.Counts(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, c := range counts {
		total += c.Unsynced
	}
	return total, nil
}

func columnsFor(kind schema.Kind) string {
	switch kind {
	case schema.KindAccount:
		return accountColumns
	case schema.KindReport:
		return reportColumns
	case schema.KindTask:
		return taskColumns
	default:
		return attendanceColumns
	}
}

func scanRecord(kind schema.Kind, s rowScanner) (schema.Record, error) {
	switch kind {
	case schema.KindAccount:
		return scanAccount(s)
	case schema.KindReport:
		return scanReport(s)
	case schema.KindTask:
		return scanTask(s)
	case schema.KindAttendance:
		return scanAttendance(s)
	}
	return nil, fmt.Errorf("%w: unknown entity kind %q", schema.ErrUnsupported, kind)
}

// FindLocalID returns the local id of the row of kind cached under remoteID.
func (db *DB) FindLocalID(ctx context.Context, kind schema.Kind, remoteID string) (uint64, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}

	var localID uint64
	query := fmt.Sprintf(`SELECT local_id FROM %s WHERE remote_id = ?`, table)
	if err := db.conn.QueryRowContext(ctx, query, remoteID).Scan(&localID); err != nil {
		return 0, notFound("find "+string(kind)+" remote:"+remoteID, err)
	}
	return localID, nil
}

// Resolve returns the row of kind addressed by id.
func (db *DB) Resolve(ctx context.Context, kind schema.Kind, id schema.Identifier) (schema.Record, error) {
	localID, ok := id.Local()
	if !ok {
		remoteID, ok := id.Remote()
		if !ok {
			return nil, fmt.Errorf("%w: empty %s identifier", schema.ErrInvalid, kind)
		}
		var err error
		if localID, err = db.FindLocalID(ctx, kind, remoteID); err != nil {
			return nil, err
		}
	}
	return db.GetRecord(ctx, kind, localID)
}
