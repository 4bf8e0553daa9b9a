package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
)

const taskColumns = `local_id, remote_id, title, description, assignee_id, assignee_name,
	creator_id, creator_name, priority, status, created_at, deadline, completed_at,
	comment, synced, version, updated_at`

func scanTask(s rowScanner) (*schema.Task, error) {
	var t schema.Task
	var remoteID, deadline, completedAt sql.NullString
	var createdAt, updatedAt string

	err := s.Scan(
		&t.LocalID,
		&remoteID,
		&t.Title,
		&t.Description,
		&t.AssigneeID,
		&t.AssigneeName,
		&t.CreatorID,
		&t.CreatorName,
		&t.Priority,
		&t.Status,
		&createdAt,
		&deadline,
		&completedAt,
		&t.Comment,
		&t.Synced,
		&t.Version,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.RemoteID = remoteID.String
	t.CreatedAt = parseTime(createdAt)
	t.Deadline = nullStringToTime(deadline)
	t.CompletedAt = nullStringToTime(completedAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// UpsertTask stores a task and marks it unsynced.
//
// A task with a local id overwrites that row (ErrNotFound if it is gone).
// If it also carries a version, the row is only written while it still has
// that version; otherwise ErrConflict is returned and nothing changes.
// A task without one is inserted, unless it carries a remote id that is
// already cached, in which case that row is overwritten.
func (db *DB) UpsertTask(ctx context.Context, t *schema.Task) (uint64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = db.now()
	}

	if t.LocalID != 0 {
		return db.updateTask(ctx, t)
	}

	query := `
	INSERT INTO tasks (
		remote_id, title, description, assignee_id, assignee_name,
		creator_id, creator_name, priority, status, created_at,
		deadline, completed_at, comment, synced, version, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 1, ?)
	ON CONFLICT(remote_id) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,
		assignee_id = excluded.assignee_id,
		assignee_name = excluded.assignee_name,
		creator_id = excluded.creator_id,
		creator_name = excluded.creator_name,
		priority = excluded.priority,
		status = excluded.status,
		deadline = excluded.deadline,
		completed_at = excluded.completed_at,
		comment = excluded.comment,
		synced = 0,
		version = tasks.version + 1,
		updated_at = excluded.updated_at
	RETURNING local_id, version, updated_at
	`

	var updatedAt string
	err := db.conn.QueryRowContext(ctx, query,
		nullRemoteID(t.RemoteID),
		t.Title,
		t.Description,
		t.AssigneeID,
		t.AssigneeName,
		t.CreatorID,
		t.CreatorName,
		string(t.Priority),
		string(t.Status),
		formatTime(t.CreatedAt),
		timeToNullString(t.Deadline),
		timeToNullString(t.CompletedAt),
		t.Comment,
		db.stamp(),
	).Scan(&t.LocalID, &t.Version, &updatedAt)
	if err != nil {
		return 0, storageErr("insert task", err)
	}

	t.Synced = false
	t.UpdatedAt = parseTime(updatedAt)
	return t.LocalID, nil
}

func (db *DB) updateTask(ctx context.Context, t *schema.Task) (uint64, error) {
	query := `
	UPDATE tasks SET
		remote_id = COALESCE(?, remote_id),
		title = ?,
		description = ?,
		assignee_id = ?,
		assignee_name = ?,
		creator_id = ?,
		creator_name = ?,
		priority = ?,
		status = ?,
		deadline = ?,
		completed_at = ?,
		comment = ?,
		synced = 0,
		version = version + 1,
		updated_at = ?
	WHERE local_id = ? AND (? = 0 OR version = ?)
	RETURNING remote_id, version, updated_at
	`

	var remoteID sql.NullString
	var updatedAt string
	err := db.conn.QueryRowContext(ctx, query,
		nullRemoteID(t.RemoteID),
		t.Title,
		t.Description,
		t.AssigneeID,
		t.AssigneeName,
		t.CreatorID,
		t.CreatorName,
		string(t.Priority),
		string(t.Status),
		timeToNullString(t.Deadline),
		timeToNullString(t.CompletedAt),
		t.Comment,
		db.stamp(),
		t.LocalID,
		t.Version,
		t.Version,
	).Scan(&remoteID, &t.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) && t.Version != 0 {
		if _, getErr := db.GetTaskByLocalID(ctx, t.LocalID); getErr == nil {
			return 0, fmt.Errorf("update task local:%d at version %d: %w", t.LocalID, t.Version, schema.ErrConflict)
		}
	}
	if err != nil {
		return 0, notFound("update task "+strconv.FormatUint(t.LocalID, 10), err)
	}

	t.RemoteID = remoteID.String
	t.Synced = false
	t.UpdatedAt = parseTime(updatedAt)
	return t.LocalID, nil
}

// ApplyRemoteTask stores a task read from the remote store as synced, keyed
// by its remote id. Rows with pending local changes are left alone.
func (db *DB) ApplyRemoteTask(ctx context.Context, t *schema.Task) (bool, error) {
	if t.RemoteID == "" {
		return false, fmt.Errorf("%w: remote task without remote id", schema.ErrInvalid)
	}

	query := `
	INSERT INTO tasks (
		remote_id, title, description, assignee_id, assignee_name,
		creator_id, creator_name, priority, status, created_at,
		deadline, completed_at, comment, synced, version, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 1, ?)
	ON CONFLICT(remote_id) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,
		assignee_id = excluded.assignee_id,
		assignee_name = excluded.assignee_name,
		creator_id = excluded.creator_id,
		creator_name = excluded.creator_name,
		priority = excluded.priority,
		status = excluded.status,
		created_at = excluded.created_at,
		deadline = excluded.deadline,
		completed_at = excluded.completed_at,
		comment = excluded.comment,
		synced = 1,
		version = tasks.version + 1,
		updated_at = excluded.updated_at
	WHERE tasks.synced = 1
	RETURNING local_id, version, updated_at
	`

	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = db.now()
	}

	var updatedAt string
	err := db.conn.QueryRowContext(ctx, query,
		t.RemoteID,
		t.Title,
		t.Description,
		t.AssigneeID,
		t.AssigneeName,
		t.CreatorID,
		t.CreatorName,
		string(t.Priority),
		string(t.Status),
		formatTime(createdAt),
		timeToNullString(t.Deadline),
		timeToNullString(t.CompletedAt),
		t.Comment,
		db.stamp(),
	).Scan(&t.LocalID, &t.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("apply remote task "+t.RemoteID, err)
	}

	t.Synced = true
	t.UpdatedAt = parseTime(updatedAt)
	return true, nil
}

// GetTask retrieves a task by local or remote id.
// Returns an error wrapping schema.ErrNotFound if it is not cached.
func (db *DB) GetTask(ctx context.Context, id schema.Identifier) (*schema.Task, error) {
	if localID, ok := id.Local(); ok {
		return db.GetTaskByLocalID(ctx, localID)
	}
	remoteID, ok := id.Remote()
	if !ok {
		return nil, fmt.Errorf("%w: empty task identifier", schema.ErrInvalid)
	}

	row := db.conn.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE remote_id = ?`, remoteID)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFound("get task "+id.String(), err)
	}
	return t, nil
}

// GetTaskByLocalID retrieves a task by local id.
func (db *DB) GetTaskByLocalID(ctx context.Context, localID uint64) (*schema.Task, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE local_id = ?`, localID)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFound("get task local:"+strconv.FormatUint(localID, 10), err)
	}
	return t, nil
}

// QueryTasks lists tasks ordered by creation time. OwnerID matches the
// assignee; From and To bound the creation date.
func (db *DB) QueryTasks(ctx context.Context, f schema.Filter) ([]*schema.Task, error) {
	w := &whereBuilder{}
	if f.OwnerID != "" {
		w.add("assignee_id = ?", f.OwnerID)
	}
	if f.CreatorID != "" {
		w.add("creator_id = ?", f.CreatorID)
	}
	w.in("status", f.Statuses)
	if f.From != "" {
		w.add("substr(created_at, 1, 10) >= ?", f.From)
	}
	if f.To != "" {
		w.add("substr(created_at, 1, 10) <= ?", f.To)
	}

	query, args := finish(`SELECT `+taskColumns+` FROM tasks`, w, "created_at", f)
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query tasks", err)
	}
	defer rows.Close()

	var out []*schema.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storageErr("scan task", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate tasks", err)
	}
	return out, nil
}
