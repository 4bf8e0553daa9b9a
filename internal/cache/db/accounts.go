package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
)

const accountColumns = `local_id, remote_id, external_id, name, position, active,
	created_at, synced, version, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(s rowScanner) (*schema.Account, error) {
	var a schema.Account
	var remoteID sql.NullString
	var createdAt, updatedAt string

	err := s.Scan(
		&a.LocalID,
		&remoteID,
		&a.ExternalID,
		&a.Name,
		&a.Position,
		&a.Active,
		&createdAt,
		&a.Synced,
		&a.Version,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.RemoteID = remoteID.String
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// UpsertAccount inserts or updates an account keyed by its external id and
// marks it unsynced. The account's Meta is refreshed from the stored row.
// An existing remote id is never cleared.
func (db *DB) UpsertAccount(ctx context.Context, a *schema.Account) (uint64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = db.now()
	}

	query := `
	INSERT INTO accounts (
		remote_id, external_id, name, position, active, created_at,
		synced, version, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, 0, 1, ?)
	ON CONFLICT(external_id) DO UPDATE SET
		remote_id = COALESCE(excluded.remote_id, accounts.remote_id),
		name = excluded.name,
		position = excluded.position,
		active = excluded.active,
		synced = 0,
		version = accounts.version + 1,
		updated_at = excluded.updated_at
	RETURNING local_id, remote_id, version, created_at, updated_at
	`

	var remoteID sql.NullString
	var createdAt, updatedAt string
	err := db.conn.QueryRowContext(ctx, query,
		nullRemoteID(a.RemoteID),
		a.ExternalID,
		a.Name,
		a.Position,
		boolToInt(a.Active),
		formatTime(a.CreatedAt),
		db.stamp(),
	).Scan(&a.LocalID, &remoteID, &a.Version, &createdAt, &updatedAt)
	if err != nil {
		return 0, storageErr("upsert account "+a.ExternalID, err)
	}

	a.RemoteID = remoteID.String
	a.Synced = false
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a.LocalID, nil
}

// ApplyRemoteAccount stores an account read from the remote store as synced.
// Rows with pending local changes are left alone; the return value reports
// whether the remote copy was applied.
func (db *DB) ApplyRemoteAccount(ctx context.Context, a *schema.Account) (bool, error) {
	query := `
	INSERT INTO accounts (
		remote_id, external_id, name, position, active, created_at,
		synced, version, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, 1, 1, ?)
	ON CONFLICT(external_id) DO UPDATE SET
		remote_id = excluded.remote_id,
		name = excluded.name,
		position = excluded.position,
		active = excluded.active,
		created_at = excluded.created_at,
		synced = 1,
		version = accounts.version + 1,
		updated_at = excluded.updated_at
	WHERE accounts.synced = 1
	RETURNING local_id, version, updated_at
	`

	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = db.now()
	}

	var updatedAt string
	err := db.conn.QueryRowContext(ctx, query,
		nullRemoteID(a.RemoteID),
		a.ExternalID,
		a.Name,
		a.Position,
		boolToInt(a.Active),
		formatTime(createdAt),
		db.stamp(),
	).Scan(&a.LocalID, &a.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("apply remote account "+a.ExternalID, err)
	}

	a.Synced = true
	a.UpdatedAt = parseTime(updatedAt)
	return true, nil
}

// GetAccount retrieves an account by its external identity key.
// Returns an error wrapping schema.ErrNotFound if it is not cached.
func (db *DB) GetAccount(ctx context.Context, externalID string) (*schema.Account, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE external_id = ?`, externalID)
	a, err := scanAccount(row)
	if err != nil {
		return nil, notFound("get account "+externalID, err)
	}
	return a, nil
}

// GetAccountByLocalID retrieves an account by local id.
func (db *DB) GetAccountByLocalID(ctx context.Context, localID uint64) (*schema.Account, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE local_id = ?`, localID)
	a, err := scanAccount(row)
	if err != nil {
		return nil, notFound("get account", err)
	}
	return a, nil
}

// QueryAccounts lists accounts matching the filter, ordered by name.
// OwnerID matches the external id; Statuses accepts "active" and "inactive".
func (db *DB) QueryAccounts(ctx context.Context, f schema.Filter) ([]*schema.Account, error) {
	w := &whereBuilder{}
	if f.OwnerID != "" {
		w.add("external_id = ?", f.OwnerID)
	}
	if f.ActiveOnly {
		w.add("active = 1")
	}
	if len(f.Statuses) == 1 {
		switch f.Statuses[0] {
		case "active":
			w.add("active = 1")
		case "inactive":
			w.add("active = 0")
		}
	}

	query, args := finish(`SELECT `+accountColumns+` FROM accounts`, w, "name", f)
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query accounts", err)
	}
	defer rows.Close()

	var out []*schema.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, storageErr("scan account", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate accounts", err)
	}
	return out, nil
}
