package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
)

// ErrInjected is the failure returned by a Memory adapter while failing.
var ErrInjected = errors.New("injected remote failure")

// Memory is an in-process remote store. Ids are assigned as R1, R2, ...
// Creating a record whose natural key exists overwrites it and returns the
// existing id, matching Postgres.
// It supports failure injection and artificial latency, and counts calls per
// operation so tests can assert how often the remote was contacted.
type Memory struct {
	mu sync.Mutex

	nextID     int
	accounts   map[string]*schema.Account
	reports    map[string]*schema.Report
	tasks      map[string]*schema.Task
	attendance map[string]*schema.Attendance

	failing   bool
	failKinds map[schema.Kind]bool
	latency   time.Duration
	calls     map[string]int
	now       func() time.Time
}

// NewMemory creates an empty in-process remote store.
func NewMemory() *Memory {
	return &Memory{
		accounts:   make(map[string]*schema.Account),
		reports:    make(map[string]*schema.Report),
		tasks:      make(map[string]*schema.Task),
		attendance: make(map[string]*schema.Attendance),
		failKinds:  make(map[schema.Kind]bool),
		calls:      make(map[string]int),
		now:        time.Now,
	}
}

// SetFailing makes every call fail (true) or succeed (false).
func (m *Memory) SetFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

// FailKind makes calls for one entity kind fail.
func (m *Memory) FailKind(kind schema.Kind, failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failKinds[kind] = failing
}

// SetLatency delays every call by d.
func (m *Memory) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Calls returns how many times op was invoked, e.g. "CreateTask".
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Len returns the number of stored rows of kind.
func (m *Memory) Len(kind schema.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch kind {
	case schema.KindAccount:
		return len(m.accounts)
	case schema.KindReport:
		return len(m.reports)
	case schema.KindTask:
		return len(m.tasks)
	case schema.KindAttendance:
		return len(m.attendance)
	}
	return 0
}

// enter records the call, applies latency and reports an injected failure.
// It returns with m.mu held on success.
func (m *Memory) enter(ctx context.Context, op string, kind schema.Kind) error {
	m.mu.Lock()
	m.calls[op]++
	latency := m.latency
	m.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return remoteErr(op, ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return remoteErr(op, err)
	}

	m.mu.Lock()
	if m.failing || m.failKinds[kind] {
		m.mu.Unlock()
		return remoteErr(op, ErrInjected)
	}
	return nil
}

func (m *Memory) newID() string {
	m.nextID++
	return "R" + strconv.Itoa(m.nextID)
}

func (m *Memory) CreateAccount(ctx context.Context, a *schema.Account) (string, error) {
	if err := m.enter(ctx, "CreateAccount", schema.KindAccount); err != nil {
		return "", err
	}
	defer m.mu.Unlock()

	for id, existing := range m.accounts {
		if existing.ExternalID == a.ExternalID {
			c := *a
			c.Meta = schema.Meta{RemoteID: id, Synced: true, UpdatedAt: m.now()}
			m.accounts[id] = &c
			return id, nil
		}
	}
	c := *a
	c.Meta = schema.Meta{RemoteID: m.newID(), Synced: true, UpdatedAt: m.now()}
	m.accounts[c.RemoteID] = &c
	return c.RemoteID, nil
}

func (m *Memory) CreateReport(ctx context.Context, r *schema.Report) (string, error) {
	if err := m.enter(ctx, "CreateReport", schema.KindReport); err != nil {
		return "", err
	}
	defer m.mu.Unlock()

	for id, existing := range m.reports {
		if existing.OwnerID == r.OwnerID && existing.Date == r.Date {
			c := *r
			c.Meta = schema.Meta{RemoteID: id, Synced: true, UpdatedAt: m.now()}
			m.reports[id] = &c
			return id, nil
		}
	}
	c := *r
	c.Meta = schema.Meta{RemoteID: m.newID(), Synced: true, UpdatedAt: m.now()}
	m.reports[c.RemoteID] = &c
	return c.RemoteID, nil
}

func (m *Memory) CreateTask(ctx context.Context, t *schema.Task) (string, error) {
	if err := m.enter(ctx, "CreateTask", schema.KindTask); err != nil {
		return "", err
	}
	defer m.mu.Unlock()

	c := *t
	c.Meta = schema.Meta{RemoteID: m.newID(), Synced: true, UpdatedAt: m.now()}
	m.tasks[c.RemoteID] = &c
	return c.RemoteID, nil
}

func (m *Memory) CreateAttendance(ctx context.Context, a *schema.Attendance) (string, error) {
	if err := m.enter(ctx, "CreateAttendance", schema.KindAttendance); err != nil {
		return "", err
	}
	defer m.mu.Unlock()

	for id, existing := range m.attendance {
		if existing.OwnerID == a.OwnerID && existing.Date == a.Date {
			c := *a
			c.Meta = schema.Meta{RemoteID: id, Synced: true, UpdatedAt: m.now()}
			c.RecomputeWorkedHours()
			m.attendance[id] = &c
			return id, nil
		}
	}
	c := *a
	c.Meta = schema.Meta{RemoteID: m.newID(), Synced: true, UpdatedAt: m.now()}
	c.RecomputeWorkedHours()
	m.attendance[c.RemoteID] = &c
	return c.RemoteID, nil
}

func (m *Memory) UpdateAccount(ctx context.Context, a *schema.Account) error {
	if err := m.enter(ctx, "UpdateAccount", schema.KindAccount); err != nil {
		return err
	}
	defer m.mu.Unlock()

	if _, ok := m.accounts[a.RemoteID]; !ok {
		return fmt.Errorf("remote account %s: %w", a.RemoteID, schema.ErrNotFound)
	}
	c := *a
	c.Meta = schema.Meta{RemoteID: a.RemoteID, Synced: true, UpdatedAt: m.now()}
	m.accounts[a.RemoteID] = &c
	return nil
}

func (m *Memory) UpdateReport(ctx context.Context, r *schema.Report) error {
	if err := m.enter(ctx, "UpdateReport", schema.KindReport); err != nil {
		return err
	}
	defer m.mu.Unlock()

	if _, ok := m.reports[r.RemoteID]; !ok {
		return fmt.Errorf("remote report %s: %w", r.RemoteID, schema.ErrNotFound)
	}
	c := *r
	c.Meta = schema.Meta{RemoteID: r.RemoteID, Synced: true, UpdatedAt: m.now()}
	m.reports[r.RemoteID] = &c
	return nil
}

func (m *Memory) UpdateTask(ctx context.Context, t *schema.Task) error {
	if err := m.enter(ctx, "UpdateTask", schema.KindTask); err != nil {
		return err
	}
	defer m.mu.Unlock()

	if _, ok := m.tasks[t.RemoteID]; !ok {
		return fmt.Errorf("remote task %s: %w", t.RemoteID, schema.ErrNotFound)
	}
	c := *t
	c.Meta = schema.Meta{RemoteID: t.RemoteID, Synced: true, UpdatedAt: m.now()}
	m.tasks[t.RemoteID] = &c
	return nil
}

func (m *Memory) UpdateAttendance(ctx context.Context, a *schema.Attendance) error {
	if err := m.enter(ctx, "UpdateAttendance", schema.KindAttendance); err != nil {
		return err
	}
	defer m.mu.Unlock()

	if _, ok := m.attendance[a.RemoteID]; !ok {
		return fmt.Errorf("remote attendance %s: %w", a.RemoteID, schema.ErrNotFound)
	}
	c := *a
	c.Meta = schema.Meta{RemoteID: a.RemoteID, Synced: true, UpdatedAt: m.now()}
	c.RecomputeWorkedHours()
	m.attendance[a.RemoteID] = &c
	return nil
}

func (m *Memory) UpdateTaskStatus(ctx context.Context, remoteID string, status schema.TaskStatus, comment string) error {
	if err := m.enter(ctx, "UpdateTaskStatus", schema.KindTask); err != nil {
		return err
	}
	defer m.mu.Unlock()

	t, ok := m.tasks[remoteID]
	if !ok {
		return fmt.Errorf("remote task %s: %w", remoteID, schema.ErrNotFound)
	}
	t.Status = status
	if comment != "" {
		t.Comment = comment
	}
	if status == schema.TaskDone && t.CompletedAt == nil {
		now := m.now()
		t.CompletedAt = &now
	}
	t.UpdatedAt = m.now()
	return nil
}

func (m *Memory) UpdateAttendanceCheckout(ctx context.Context, remoteID string, checkOut time.Time, loc *schema.Location) (float64, error) {
	if err := m.enter(ctx, "UpdateAttendanceCheckout", schema.KindAttendance); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()

	a, ok := m.attendance[remoteID]
	if !ok {
		return 0, fmt.Errorf("remote attendance %s: %w", remoteID, schema.ErrNotFound)
	}
	a.CheckOut = &checkOut
	a.CheckOutLocation = loc
	a.RecomputeWorkedHours()
	a.UpdatedAt = m.now()
	return a.WorkedHours, nil
}

func (m *Memory) GetTask(ctx context.Context, remoteID string) (*schema.Task, error) {
	if err := m.enter(ctx, "GetTask", schema.KindTask); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	t, ok := m.tasks[remoteID]
	if !ok {
		return nil, fmt.Errorf("remote task %s: %w", remoteID, schema.ErrNotFound)
	}
	c := *t
	return &c, nil
}

func (m *Memory) QueryAccounts(ctx context.Context, f schema.Filter) ([]*schema.Account, error) {
	if err := m.enter(ctx, "QueryAccounts", schema.KindAccount); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	var out []*schema.Account
	for _, a := range m.accounts {
		if f.OwnerID != "" && a.ExternalID != f.OwnerID {
			continue
		}
		if f.ActiveOnly && !a.Active {
			continue
		}
		if len(f.Statuses) == 1 && (f.Statuses[0] == "active") != a.Active {
			continue
		}
		c := *a
		out = append(out, &c)
	}
	sortRows(out, f, func(a *schema.Account) string { return a.Name })
	return limit(out, f.Limit), nil
}

func (m *Memory) QueryReports(ctx context.Context, f schema.Filter) ([]*schema.Report, error) {
	if err := m.enter(ctx, "QueryReports", schema.KindReport); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	var out []*schema.Report
	for _, r := range m.reports {
		if !matchOwnerDate(f, r.OwnerID, r.Date) || !matchStatus(f, string(r.Status)) {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	sortRows(out, f, func(r *schema.Report) string { return r.Date })
	return limit(out, f.Limit), nil
}

func (m *Memory) QueryTasks(ctx context.Context, f schema.Filter) ([]*schema.Task, error) {
	if err := m.enter(ctx, "QueryTasks", schema.KindTask); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	var out []*schema.Task
	for _, t := range m.tasks {
		if !matchOwnerDate(f, t.AssigneeID, schema.DateOf(t.CreatedAt.UTC())) || !matchStatus(f, string(t.Status)) {
			continue
		}
		if f.CreatorID != "" && t.CreatorID != f.CreatorID {
			continue
		}
		c := *t
		out = append(out, &c)
	}
	sortRows(out, f, func(t *schema.Task) string { return t.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000") })
	return limit(out, f.Limit), nil
}

func (m *Memory) QueryAttendance(ctx context.Context, f schema.Filter) ([]*schema.Attendance, error) {
	if err := m.enter(ctx, "QueryAttendance", schema.KindAttendance); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	var out []*schema.Attendance
	for _, a := range m.attendance {
		if !matchOwnerDate(f, a.OwnerID, a.Date) {
			continue
		}
		if len(f.Statuses) == 1 && (f.Statuses[0] == "open") != (a.CheckOut == nil) {
			continue
		}
		c := *a
		out = append(out, &c)
	}
	sortRows(out, f, func(a *schema.Attendance) string { return a.Date })
	return limit(out, f.Limit), nil
}

func (m *Memory) Close() error { return nil }

func matchOwnerDate(f schema.Filter, owner, date string) bool {
	if f.OwnerID != "" && owner != f.OwnerID {
		return false
	}
	if f.From != "" && date < f.From {
		return false
	}
	if f.To != "" && date > f.To {
		return false
	}
	return true
}

func matchStatus(f schema.Filter, status string) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

func sortRows[T schema.Record](rows []T, f schema.Filter, key func(T) string) {
	sort.SliceStable(rows, func(i, j int) bool {
		ki, kj := key(rows[i]), key(rows[j])
		if ki == kj {
			return rows[i].Base().RemoteID < rows[j].Base().RemoteID
		}
		if f.Order == schema.OrderDesc {
			return ki > kj
		}
		return ki < kj
	})
}

func limit[T any](rows []T, n int) []T {
	if n > 0 && len(rows) > n {
		return rows[:n]
	}
	return rows
}

var _ Adapter = (*Memory)(nil)
