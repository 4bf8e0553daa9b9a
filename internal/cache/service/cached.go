package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/shiftdesk/shiftdesk/internal/cache/db"
	"github.com/shiftdesk/shiftdesk/internal/cache/queue"
	"github.com/shiftdesk/shiftdesk/internal/cache/remote"
	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
	cachesync "github.com/shiftdesk/shiftdesk/internal/cache/sync"
)

// Config controls which list queries the cache answers.
type Config struct {
	// PullWindowDays must match the reconciler's pull window. Report and
	// attendance queries starting before it go to the remote store.
	PullWindowDays int
	// Now returns the current time (defaults to time.Now).
	Now func() time.Time
}

// DefaultConfig returns the default facade settings.
func DefaultConfig() Config {
	return Config{
		PullWindowDays: cachesync.DefaultConfig().PullWindowDays,
		Now:            time.Now,
	}
}

// Cached is the write-back cache backend.
//
// Writes go to the local store and enqueue a push; they never wait for the
// remote store. Reads are local first. A miss goes to the remote store and
// the result is stored locally as synced.
type Cached struct {
	local  *Local
	db     *db.DB
	remote remote.Adapter
	rec    cachesync.Reconciler
	queue  *queue.Queue
	cfg    Config
	logger *log.Logger
}

var _ Service = (*Cached)(nil)

// NewCached creates the cached backend.
func NewCached(database *db.DB, adapter remote.Adapter, rec cachesync.Reconciler, q *queue.Queue, cfg Config, logger *log.Logger) *Cached {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.PullWindowDays <= 0 {
		cfg.PullWindowDays = DefaultConfig().PullWindowDays
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	local := NewLocal(database, logger)
	local.now = cfg.Now
	return &Cached{
		local:  local,
		db:     database,
		remote: adapter,
		rec:    rec,
		queue:  q,
		cfg:    cfg,
		logger: logger,
	}
}

// ===== Writes =====

func (c *Cached) push(kind schema.Kind, localID uint64) {
	c.queue.Enqueue(queue.Operation{
		Kind:    kind,
		LocalID: localID,
		Label:   "push",
		Run: func(ctx context.Context) error {
			return c.rec.PushRecord(ctx, kind, localID)
		},
	})
}

func (c *Cached) SaveAccount(ctx context.Context, a *schema.Account) (*schema.Account, error) {
	out, err := c.local.SaveAccount(ctx, a)
	if err != nil {
		return nil, err
	}
	c.push(schema.KindAccount, out.LocalID)
	return out, nil
}

func (c *Cached) SubmitReport(ctx context.Context, r *schema.Report) (*schema.Report, error) {
	out, err := c.local.SubmitReport(ctx, r)
	if err != nil {
		return nil, err
	}
	c.push(schema.KindReport, out.LocalID)
	return out, nil
}

func (c *Cached) CreateTask(ctx context.Context, t *schema.Task) (*schema.Task, error) {
	out, err := c.local.CreateTask(ctx, t)
	if err != nil {
		return nil, err
	}
	c.push(schema.KindTask, out.LocalID)
	return out, nil
}

func (c *Cached) EditTask(ctx context.Context, id schema.Identifier, edit TaskEdit) (*schema.Task, error) {
	// Load a task known only remotely before editing it.
	if _, err := c.GetTask(ctx, id); err != nil {
		return nil, err
	}
	out, err := c.local.EditTask(ctx, id, edit)
	if err != nil {
		return nil, err
	}
	c.push(schema.KindTask, out.LocalID)
	return out, nil
}

func (c *Cached) CheckIn(ctx context.Context, ownerID string, at time.Time, loc *schema.Location) (*schema.Attendance, error) {
	out, err := c.local.CheckIn(ctx, ownerID, at, loc)
	if err != nil {
		return nil, err
	}
	c.push(schema.KindAttendance, out.LocalID)
	return out, nil
}

func (c *Cached) CheckOut(ctx context.Context, ownerID string, at time.Time, loc *schema.Location) (*schema.Attendance, error) {
	date := schema.DateOf(at)
	if _, err := c.GetAttendance(ctx, ownerID, date); err != nil {
		if errors.Is(err, schema.ErrNotFound) {
			return nil, noCheckIn(ownerID, date)
		}
		return nil, err
	}

	out, prev, err := c.local.checkOut(ctx, ownerID, at, loc)
	if err != nil {
		return nil, err
	}

	// A check-out on a fully synced record only needs the check-out sent.
	if prev.Synced && prev.RemoteID != "" {
		localID, version := out.LocalID, out.Version
		c.queue.Enqueue(queue.Operation{
			Kind:    schema.KindAttendance,
			LocalID: localID,
			Label:   "checkout",
			Run: func(ctx context.Context) error {
				return c.rec.PushCheckout(ctx, localID, version)
			},
		})
	} else {
		c.push(schema.KindAttendance, out.LocalID)
	}
	return out, nil
}

func (c *Cached) UpdateStatus(ctx context.Context, kind schema.Kind, id schema.Identifier, status, comment string) (schema.Record, error) {
	if kind == schema.KindTask {
		if _, err := c.GetTask(ctx, id); err != nil {
			return nil, err
		}
	}

	rec, prev, err := c.local.updateStatus(ctx, kind, id, status, comment)
	if err != nil {
		return nil, err
	}

	meta := rec.Base()
	if kind == schema.KindTask && prev.Synced && prev.RemoteID != "" {
		localID, version := meta.LocalID, meta.Version
		c.queue.Enqueue(queue.Operation{
			Kind:    schema.KindTask,
			LocalID: localID,
			Label:   "task-status",
			Run: func(ctx context.Context) error {
				return c.rec.PushTaskStatus(ctx, localID, version)
			},
		})
	} else {
		c.push(kind, meta.LocalID)
	}
	return rec, nil
}

// ===== Reads =====

// readThrough returns the cached row, or fetches it remotely and caches it.
func readThrough[T schema.Record](
	ctx context.Context,
	c *Cached,
	kind schema.Kind,
	cached func() (T, error),
	fetch func() (T, error),
	apply func(context.Context, T) (bool, error),
) (T, error) {
	rec, err := cached()
	if !errors.Is(err, schema.ErrNotFound) {
		return rec, err
	}

	rec, err = fetch()
	if err != nil {
		return rec, err
	}

	applied, err := apply(ctx, rec)
	if err != nil {
		c.logger.Printf("Warning: failed to cache remote %s %s: %v", kind, rec.Base().RemoteID, err)
		return rec, nil
	}
	if !applied {
		// A local write landed first; it is newer than what was fetched.
		return cached()
	}
	return rec, nil
}

func (c *Cached) GetAccount(ctx context.Context, externalID string) (*schema.Account, error) {
	return readThrough(ctx, c, schema.KindAccount,
		func() (*schema.Account, error) { return c.db.GetAccount(ctx, externalID) },
		func() (*schema.Account, error) { return remote.GetAccount(ctx, c.remote, externalID) },
		c.db.ApplyRemoteAccount)
}

func (c *Cached) GetReport(ctx context.Context, ownerID, date string) (*schema.Report, error) {
	return readThrough(ctx, c, schema.KindReport,
		func() (*schema.Report, error) { return c.db.GetReport(ctx, ownerID, date) },
		func() (*schema.Report, error) { return remote.GetReport(ctx, c.remote, ownerID, date) },
		c.db.ApplyRemoteReport)
}

func (c *Cached) GetTask(ctx context.Context, id schema.Identifier) (*schema.Task, error) {
	return readThrough(ctx, c, schema.KindTask,
		func() (*schema.Task, error) { return c.db.GetTask(ctx, id) },
		func() (*schema.Task, error) {
			remoteID, ok := id.Remote()
			if !ok {
				// Local ids never exist remotely.
				return nil, fmt.Errorf("get task %s: %w", id, schema.ErrNotFound)
			}
			return c.remote.GetTask(ctx, remoteID)
		},
		c.db.ApplyRemoteTask)
}

func (c *Cached) GetAttendance(ctx context.Context, ownerID, date string) (*schema.Attendance, error) {
	return readThrough(ctx, c, schema.KindAttendance,
		func() (*schema.Attendance, error) { return c.db.GetAttendance(ctx, ownerID, date) },
		func() (*schema.Attendance, error) { return remote.GetAttendance(ctx, c.remote, ownerID, date) },
		c.db.ApplyRemoteAttendance)
}

// windowStart is the first date the pull refreshes.
func (c *Cached) windowStart() string {
	return schema.DateOf(c.cfg.Now().UTC().AddDate(0, 0, -c.cfg.PullWindowDays))
}

// covered reports whether the cache population policy holds every row f can
// match: active accounts, active tasks, and reports and attendance inside
// the pull window.
func (c *Cached) covered(kind schema.Kind, f schema.Filter) bool {
	switch kind {
	case schema.KindAccount:
		return f.ActiveOnly || (len(f.Statuses) == 1 && f.Statuses[0] == "active")
	case schema.KindTask:
		if len(f.Statuses) == 0 {
			return false
		}
		for _, s := range f.Statuses {
			if s != string(schema.TaskNew) && s != string(schema.TaskInProgress) {
				return false
			}
		}
		return true
	case schema.KindReport, schema.KindAttendance:
		return f.From != "" && f.From >= c.windowStart()
	}
	return false
}

// readMany answers covered queries locally. Uncovered queries go to the
// remote store and are not cached; matching local rows with pending changes
// are laid over the remote result. While no pull has completed, covered
// queries are first filled from the remote store.
func readMany[T schema.Record](
	ctx context.Context,
	c *Cached,
	kind schema.Kind,
	f schema.Filter,
	cached func(context.Context, schema.Filter) ([]T, error),
	fetch func(context.Context, schema.Filter) ([]T, error),
	apply func(context.Context, T) (bool, error),
) ([]T, error) {
	if !c.covered(kind, f) {
		rows, err := fetch(ctx, f)
		if err != nil {
			return nil, err
		}
		return withPending(ctx, f, rows, cached)
	}

	if !c.rec.Warm() {
		rows, err := fetch(ctx, f)
		if err != nil {
			c.logger.Printf("Warning: cache is cold and remote %s query failed, serving local rows: %v", kind, err)
			return cached(ctx, f)
		}
		for _, row := range rows {
			if _, err := apply(ctx, row); err != nil {
				c.logger.Printf("Warning: failed to cache remote %s %s: %v", kind, row.Base().RemoteID, err)
			}
		}
	}
	return cached(ctx, f)
}

// withPending replaces remote rows that have unsynced local changes with the
// local version and appends pending rows the remote store has not seen yet.
func withPending[T schema.Record](
	ctx context.Context,
	f schema.Filter,
	rows []T,
	cached func(context.Context, schema.Filter) ([]T, error),
) ([]T, error) {
	lf := f
	lf.Limit = 0
	local, err := cached(ctx, lf)
	if err != nil {
		return nil, err
	}

	byRemote := make(map[string]int, len(rows))
	for i, row := range rows {
		byRemote[row.Base().RemoteID] = i
	}
	for _, row := range local {
		meta := row.Base()
		if meta.Synced {
			continue
		}
		if i, ok := byRemote[meta.RemoteID]; ok && meta.RemoteID != "" {
			rows[i] = row
			continue
		}
		rows = append(rows, row)
	}

	if f.Limit > 0 && len(rows) > f.Limit {
		rows = rows[:f.Limit]
	}
	return rows, nil
}

func (c *Cached) ListAccounts(ctx context.Context, f schema.Filter) ([]*schema.Account, error) {
	return readMany(ctx, c, schema.KindAccount, f, c.db.QueryAccounts, c.remote.QueryAccounts, c.db.ApplyRemoteAccount)
}

func (c *Cached) ListReports(ctx context.Context, f schema.Filter) ([]*schema.Report, error) {
	return readMany(ctx, c, schema.KindReport, f, c.db.QueryReports, c.remote.QueryReports, c.db.ApplyRemoteReport)
}

func (c *Cached) ListTasks(ctx context.Context, f schema.Filter) ([]*schema.Task, error) {
	return readMany(ctx, c, schema.KindTask, f, c.db.QueryTasks, c.remote.QueryTasks, c.db.ApplyRemoteTask)
}

func (c *Cached) ListAttendance(ctx context.Context, f schema.Filter) ([]*schema.Attendance, error) {
	return readMany(ctx, c, schema.KindAttendance, f, c.db.QueryAttendance, c.remote.QueryAttendance, c.db.ApplyRemoteAttendance)
}
