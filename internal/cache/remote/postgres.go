package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
)

// PostgresConfig configures the hosted Postgres adapter.
type PostgresConfig struct {
	DSN      string
	Timeout  time.Duration // per call
	MaxConns int32
	// Attempts is how many times a statement that failed with a
	// serialization, deadlock or lock timeout error is tried.
	Attempts int
}

// DefaultPostgresConfig returns the default adapter settings for dsn.
func DefaultPostgresConfig(dsn string) PostgresConfig {
	return PostgresConfig{
		DSN:      dsn,
		Timeout:  10 * time.Second,
		MaxConns: 4,
		Attempts: 3,
	}
}

// Postgres stores records in a hosted Postgres database.
type Postgres struct {
	pool   *pgxpool.Pool
	cfg    PostgresConfig
	logger *log.Logger
}

// NewPostgres connects to the remote database and verifies the connection.
func NewPostgres(ctx context.Context, cfg PostgresConfig, logger *log.Logger) (*Postgres, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse remote dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, remoteErr("connect", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, remoteErr("ping", err)
	}

	return &Postgres{pool: pool, cfg: cfg, logger: logger}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// EnsureSchema creates the remote tables if they don't exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS accounts (
		id          TEXT PRIMARY KEY,
		external_id TEXT NOT NULL UNIQUE,
		name        TEXT NOT NULL,
		position    TEXT NOT NULL DEFAULT '',
		active      BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS reports (
		id           TEXT PRIMARY KEY,
		owner_id     TEXT NOT NULL,
		date         TEXT NOT NULL,
		completed    TEXT NOT NULL DEFAULT '',
		planned      TEXT NOT NULL DEFAULT '',
		blockers     TEXT NOT NULL DEFAULT '',
		submitted_at TIMESTAMPTZ NOT NULL,
		status       TEXT NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (owner_id, date)
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id            TEXT PRIMARY KEY,
		title         TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		assignee_id   TEXT NOT NULL,
		assignee_name TEXT NOT NULL DEFAULT '',
		creator_id    TEXT NOT NULL DEFAULT '',
		creator_name  TEXT NOT NULL DEFAULT '',
		priority      TEXT NOT NULL,
		status        TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		deadline      TIMESTAMPTZ,
		completed_at  TIMESTAMPTZ,
		comment       TEXT NOT NULL DEFAULT '',
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS attendance (
		id           TEXT PRIMARY KEY,
		owner_id     TEXT NOT NULL,
		date         TEXT NOT NULL,
		check_in     TIMESTAMPTZ NOT NULL,
		check_out    TIMESTAMPTZ,
		worked_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
		in_lat       DOUBLE PRECISION,
		in_lon       DOUBLE PRECISION,
		out_lat      DOUBLE PRECISION,
		out_lon      DOUBLE PRECISION,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (owner_id, date)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_reports_date ON reports(date);
	CREATE INDEX IF NOT EXISTS idx_attendance_date ON attendance(date);
	`

	return p.do(ctx, "ensure remote schema", func(ctx context.Context) error {
		_, err := p.pool.Exec(ctx, ddl)
		return err
	})
}

// do runs fn under the per-call timeout, retrying transient Postgres errors.
func (p *Postgres) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		err = fn(callCtx)
		cancel()

		if err == nil || errors.Is(err, schema.ErrNotFound) {
			return err
		}
		if !isRetryablePGError(err) || attempt == p.cfg.Attempts {
			break
		}

		p.logger.Printf("Warning: %s failed (attempt %d/%d): %v", op, attempt, p.cfg.Attempts, err)
		if serr := sleepWithContext(ctx, time.Duration(attempt)*50*time.Millisecond); serr != nil {
			err = serr
			break
		}
	}
	return remoteErr(op, err)
}

func isRetryablePGError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func affectedOne(tag pgconn.CommandTag, what string) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("remote %s: %w", what, schema.ErrNotFound)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func locationArgs(l *schema.Location) (*float64, *float64) {
	if l == nil {
		return nil, nil
	}
	lat, lon := l.Lat, l.Lon
	return &lat, &lon
}

func locationFrom(lat, lon *float64) *schema.Location {
	if lat == nil || lon == nil {
		return nil
	}
	return &schema.Location{Lat: *lat, Lon: *lon}
}

// ===== Create =====

func (p *Postgres) CreateAccount(ctx context.Context, a *schema.Account) (string, error) {
	var id string
	err := p.do(ctx, "create remote account", func(ctx context.Context) error {
		return p.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, external_id, name, position, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (external_id) DO UPDATE SET
			name = EXCLUDED.name,
			position = EXCLUDED.position,
			active = EXCLUDED.active,
			updated_at = now()
		RETURNING id`,
			uuid.NewString(), a.ExternalID, a.Name, a.Position, a.Active, timeOrNow(a.CreatedAt),
		).Scan(&id)
	})
	return id, err
}

func (p *Postgres) CreateReport(ctx context.Context, r *schema.Report) (string, error) {
	var id string
	err := p.do(ctx, "create remote report", func(ctx context.Context) error {
		return p.pool.QueryRow(ctx, `
		INSERT INTO reports (id, owner_id, date, completed, planned, blockers, submitted_at, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (owner_id, date) DO UPDATE SET
			completed = EXCLUDED.completed,
			planned = EXCLUDED.planned,
			blockers = EXCLUDED.blockers,
			submitted_at = EXCLUDED.submitted_at,
			status = EXCLUDED.status,
			updated_at = now()
		RETURNING id`,
			uuid.NewString(), r.OwnerID, r.Date, r.Completed, r.Planned, r.Blockers,
			timeOrNow(r.SubmittedAt), string(r.Status),
		).Scan(&id)
	})
	return id, err
}

func (p *Postgres) CreateTask(ctx context.Context, t *schema.Task) (string, error) {
	id := uuid.NewString()
	err := p.do(ctx, "create remote task", func(ctx context.Context) error {
		_, err := p.pool.Exec(ctx, `
		INSERT INTO tasks (
			id, title, description, assignee_id, assignee_name, creator_id, creator_name,
			priority, status, created_at, deadline, completed_at, comment, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
		ON CONFLICT (id) DO NOTHING`,
			id, t.Title, t.Description, t.AssigneeID, t.AssigneeName, t.CreatorID, t.CreatorName,
			string(t.Priority), string(t.Status), timeOrNow(t.CreatedAt), t.Deadline, t.CompletedAt, t.Comment,
		)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) CreateAttendance(ctx context.Context, a *schema.Attendance) (string, error) {
	inLat, inLon := locationArgs(a.CheckInLocation)
	outLat, outLon := locationArgs(a.CheckOutLocation)

	var id string
	err := p.do(ctx, "create remote attendance", func(ctx context.Context) error {
		return p.pool.QueryRow(ctx, `
		INSERT INTO attendance (
			id, owner_id, date, check_in, check_out, worked_hours,
			in_lat, in_lon, out_lat, out_lon, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (owner_id, date) DO UPDATE SET
			check_in = EXCLUDED.check_in,
			check_out = EXCLUDED.check_out,
			worked_hours = EXCLUDED.worked_hours,
			in_lat = EXCLUDED.in_lat,
			in_lon = EXCLUDED.in_lon,
			out_lat = EXCLUDED.out_lat,
			out_lon = EXCLUDED.out_lon,
			updated_at = now()
		RETURNING id`,
			uuid.NewString(), a.OwnerID, a.Date, a.CheckIn.UTC(), a.CheckOut, a.WorkedHours,
			inLat, inLon, outLat, outLon,
		).Scan(&id)
	})
	return id, err
}

// ===== Update =====

func (p *Postgres) UpdateAccount(ctx context.Context, a *schema.Account) error {
	return p.do(ctx, "update remote account", func(ctx context.Context) error {
		tag, err := p.pool.Exec(ctx, `
		UPDATE accounts SET name = $2, position = $3, active = $4, updated_at = now()
		WHERE id = $1`,
			a.RemoteID, a.Name, a.Position, a.Active)
		if err != nil {
			return err
		}
		return affectedOne(tag, "account "+a.RemoteID)
	})
}

func (p *Postgres) UpdateReport(ctx context.Context, r *schema.Report) error {
	return p.do(ctx, "update remote report", func(ctx context.Context) error {
		tag, err := p.pool.Exec(ctx, `
		UPDATE reports SET
			completed = $2, planned = $3, blockers = $4,
			submitted_at = $5, status = $6, updated_at = now()
		WHERE id = $1`,
			r.RemoteID, r.Completed, r.Planned, r.Blockers, timeOrNow(r.SubmittedAt), string(r.Status))
		if err != nil {
			return err
		}
		return affectedOne(tag, "report "+r.RemoteID)
	})
}

func (p *Postgres) UpdateTask(ctx context.Context, t *schema.Task) error {
	return p.do(ctx, "update remote task", func(ctx context.Context) error {
		tag, err := p.pool.Exec(ctx, `
		UPDATE tasks SET
			title = $2, description = $3, assignee_id = $4, assignee_name = $5,
			creator_id = $6, creator_name = $7, priority = $8, status = $9,
			deadline = $10, completed_at = $11, comment = $12, updated_at = now()
		WHERE id = $1`,
			t.RemoteID, t.Title, t.Description, t.AssigneeID, t.AssigneeName,
			t.CreatorID, t.CreatorName, string(t.Priority), string(t.Status),
			t.Deadline, t.CompletedAt, t.Comment)
		if err != nil {
			return err
		}
		return affectedOne(tag, "task "+t.RemoteID)
	})
}

func (p *Postgres) UpdateAttendance(ctx context.Context, a *schema.Attendance) error {
	inLat, inLon := locationArgs(a.CheckInLocation)
	outLat, outLon := locationArgs(a.CheckOutLocation)

	return p.do(ctx, "update remote attendance", func(ctx context.Context) error {
		tag, err := p.pool.Exec(ctx, `
		UPDATE attendance SET
			check_in = $2, check_out = $3, worked_hours = $4,
			in_lat = $5, in_lon = $6, out_lat = $7, out_lon = $8, updated_at = now()
		WHERE id = $1`,
			a.RemoteID, a.CheckIn.UTC(), a.CheckOut, a.WorkedHours, inLat, inLon, outLat, outLon)
		if err != nil {
			return err
		}
		return affectedOne(tag, "attendance "+a.RemoteID)
	})
}

func (p *Postgres) UpdateTaskStatus(ctx context.Context, remoteID string, status schema.TaskStatus, comment string) error {
	return p.do(ctx, "update remote task status", func(ctx context.Context) error {
		tag, err := p.pool.Exec(ctx, `
		UPDATE tasks SET
			status = $2,
			comment = CASE WHEN $3 = '' THEN comment ELSE $3 END,
			completed_at = CASE WHEN $2 = 'done' THEN COALESCE(completed_at, now()) ELSE completed_at END,
			updated_at = now()
		WHERE id = $1`,
			remoteID, string(status), comment)
		if err != nil {
			return err
		}
		return affectedOne(tag, "task "+remoteID)
	})
}

func (p *Postgres) UpdateAttendanceCheckout(ctx context.Context, remoteID string, checkOut time.Time, loc *schema.Location) (float64, error) {
	lat, lon := locationArgs(loc)

	var hours float64
	err := p.do(ctx, "update remote checkout", func(ctx context.Context) error {
		err := p.pool.QueryRow(ctx, `
		UPDATE attendance SET
			check_out = $2,
			out_lat = $3,
			out_lon = $4,
			worked_hours = ROUND((GREATEST(EXTRACT(EPOCH FROM ($2::timestamptz - check_in)), 0) / 3600)::numeric, 2)::float8,
			updated_at = now()
		WHERE id = $1
		RETURNING worked_hours`,
			remoteID, checkOut.UTC(), lat, lon,
		).Scan(&hours)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("remote attendance %s: %w", remoteID, schema.ErrNotFound)
		}
		return err
	})
	return hours, err
}

// ===== Read =====

const pgTaskColumns = `id, title, description, assignee_id, assignee_name, creator_id,
	creator_name, priority, status, created_at, deadline, completed_at, comment, updated_at`

func scanPGTask(row pgx.Row) (*schema.Task, error) {
	var t schema.Task
	err := row.Scan(
		&t.RemoteID, &t.Title, &t.Description, &t.AssigneeID, &t.AssigneeName,
		&t.CreatorID, &t.CreatorName, &t.Priority, &t.Status, &t.CreatedAt,
		&t.Deadline, &t.CompletedAt, &t.Comment, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Synced = true
	return &t, nil
}

func (p *Postgres) GetTask(ctx context.Context, remoteID string) (*schema.Task, error) {
	var t *schema.Task
	err := p.do(ctx, "get remote task", func(ctx context.Context) error {
		var err error
		t, err = scanPGTask(p.pool.QueryRow(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE id = $1`, remoteID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("remote task %s: %w", remoteID, schema.ErrNotFound)
		}
		return err
	})
	return t, err
}

// pgWhere builds a WHERE clause with numbered placeholders.
type pgWhere struct {
	conditions []string
	args       []any
}

// add appends a condition; each "?" in cond becomes the next placeholder.
func (w *pgWhere) add(cond string, args ...any) {
	for _, arg := range args {
		w.args = append(w.args, arg)
		cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.conditions = append(w.conditions, cond)
}

func (w *pgWhere) statuses(column string, values []string) {
	if len(values) == 0 {
		return
	}
	w.add(column+" = ANY(?)", values)
}

func (w *pgWhere) build(query, orderColumn string, f schema.Filter) (string, []any) {
	if len(w.conditions) > 0 {
		query += " WHERE " + strings.Join(w.conditions, " AND ")
	}
	query += " ORDER BY " + orderColumn
	if f.Order == schema.OrderDesc {
		query += " DESC"
	}
	query += ", id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return query, w.args
}

func (p *Postgres) QueryAccounts(ctx context.Context, f schema.Filter) ([]*schema.Account, error) {
	w := &pgWhere{}
	if f.OwnerID != "" {
		w.add("external_id = ?", f.OwnerID)
	}
	if f.ActiveOnly {
		w.add("active")
	}
	if len(f.Statuses) == 1 {
		w.add("active = ?", f.Statuses[0] == "active")
	}
	query, args := w.build(`SELECT id, external_id, name, position, active, created_at, updated_at FROM accounts`, "name", f)

	var out []*schema.Account
	err := p.do(ctx, "query remote accounts", func(ctx context.Context) error {
		rows, err := p.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*schema.Account, error) {
			var a schema.Account
			err := row.Scan(&a.RemoteID, &a.ExternalID, &a.Name, &a.Position, &a.Active, &a.CreatedAt, &a.UpdatedAt)
			a.Synced = true
			return &a, err
		})
		return err
	})
	return out, err
}

func (p *Postgres) QueryReports(ctx context.Context, f schema.Filter) ([]*schema.Report, error) {
	w := &pgWhere{}
	if f.OwnerID != "" {
		w.add("owner_id = ?", f.OwnerID)
	}
	w.statuses("status", f.Statuses)
	if f.From != "" {
		w.add("date >= ?", f.From)
	}
	if f.To != "" {
		w.add("date <= ?", f.To)
	}
	query, args := w.build(`SELECT id, owner_id, date, completed, planned, blockers, submitted_at, status, updated_at FROM reports`, "date", f)

	var out []*schema.Report
	err := p.do(ctx, "query remote reports", func(ctx context.Context) error {
		rows, err := p.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*schema.Report, error) {
			var r schema.Report
			err := row.Scan(&r.RemoteID, &r.OwnerID, &r.Date, &r.Completed, &r.Planned, &r.Blockers,
				&r.SubmittedAt, &r.Status, &r.UpdatedAt)
			r.Synced = true
			return &r, err
		})
		return err
	})
	return out, err
}

func (p *Postgres) QueryTasks(ctx context.Context, f schema.Filter) ([]*schema.Task, error) {
	w := &pgWhere{}
	if f.OwnerID != "" {
		w.add("assignee_id = ?", f.OwnerID)
	}
	if f.CreatorID != "" {
		w.add("creator_id = ?", f.CreatorID)
	}
	w.statuses("status", f.Statuses)
	if f.From != "" {
		w.add("to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') >= ?", f.From)
	}
	if f.To != "" {
		w.add("to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') <= ?", f.To)
	}
	query, args := w.build(`SELECT `+pgTaskColumns+` FROM tasks`, "created_at", f)

	var out []*schema.Task
	err := p.do(ctx, "query remote tasks", func(ctx context.Context) error {
		rows, err := p.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*schema.Task, error) {
			return scanPGTask(row)
		})
		return err
	})
	return out, err
}

func (p *Postgres) QueryAttendance(ctx context.Context, f schema.Filter) ([]*schema.Attendance, error) {
	w := &pgWhere{}
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
	query, args := w.build(`SELECT id, owner_id, date, check_in, check_out, worked_hours,
		in_lat, in_lon, out_lat, out_lon, updated_at FROM attendance`, "date", f)

	var out []*schema.Attendance
	err := p.do(ctx, "query remote attendance", func(ctx context.Context) error {
		rows, err := p.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*schema.Attendance, error) {
			var a schema.Attendance
			var inLat, inLon, outLat, outLon *float64
			err := row.Scan(&a.RemoteID, &a.OwnerID, &a.Date, &a.CheckIn, &a.CheckOut, &a.WorkedHours,
				&inLat, &inLon, &outLat, &outLon, &a.UpdatedAt)
			a.CheckInLocation = locationFrom(inLat, inLon)
			a.CheckOutLocation = locationFrom(outLat, outLon)
			a.Synced = true
			return &a, err
		})
		return err
	})
	return out, err
}

var _ Adapter = (*Postgres)(nil)
