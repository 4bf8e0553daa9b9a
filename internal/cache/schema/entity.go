package schema

import (
	"math"
	"time"
)

// DateLayout is the calendar date format used for report and attendance keys.
const DateLayout = "2006-01-02"

// DateOf returns the calendar date of t in DateLayout.
func DateOf(t time.Time) string {
	return t.Format(DateLayout)
}

// Meta is the sync bookkeeping shared by every cached record.
type Meta struct {
	LocalID   uint64    `json:"local_id"`
	RemoteID  string    `json:"remote_id,omitempty"`
	Synced    bool      `json:"synced"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Base returns the record's bookkeeping fields.
func (m *Meta) Base() *Meta { return m }

// ID returns the most specific identifier known for the record.
func (m *Meta) ID() Identifier {
	if m.LocalID != 0 {
		return Local(m.LocalID)
	}
	return Remote(m.RemoteID)
}

// Record is implemented by every cached entity.
type Record interface {
	Kind() Kind
	Base() *Meta
	Validate() error
}

// ===== Accounts =====

// Account is an employee registered with the tool.
type Account struct {
	Meta

	ExternalID string    `json:"external_id" validate:"required"`
	Name       string    `json:"name" validate:"required,max=200"`
	Position   string    `json:"position,omitempty" validate:"max=200"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

func (a *Account) Kind() Kind { return KindAccount }

// ===== Reports =====

// ReportStatus is the state of a daily report.
type ReportStatus string

const (
	ReportSubmitted ReportStatus = "submitted"
	ReportMissed    ReportStatus = "missed"
)

// Report is an employee's daily report. There is at most one per owner and date.
type Report struct {
	Meta

	OwnerID     string       `json:"owner_id" validate:"required"`
	Date        string       `json:"date" validate:"required,datetime=2006-01-02"`
	Completed   string       `json:"completed,omitempty" validate:"max=4000"`
	Planned     string       `json:"planned,omitempty" validate:"max=4000"`
	Blockers    string       `json:"blockers,omitempty" validate:"max=4000"`
	SubmittedAt time.Time    `json:"submitted_at"`
	Status      ReportStatus `json:"status" validate:"required,oneof=submitted missed"`
}

func (r *Report) Kind() Kind { return KindReport }

// ===== Tasks =====

// TaskPriority ranks a task.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

// TaskStatus is the state of a task. Status only moves forward:
// new -> in_progress -> done.
type TaskStatus string

const (
	TaskNew        TaskStatus = "new"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
)

func (s TaskStatus) rank() int {
	switch s {
	case TaskNew:
		return 0
	case TaskInProgress:
		return 1
	case TaskDone:
		return 2
	}
	return -1
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool { return s.rank() >= 0 }

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool { return s == TaskDone }

// CanTransition reports whether a task may move from s to next.
// Forward skips (new -> done) are allowed; staying put and regressions are not.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	return next.Valid() && s.Valid() && next.rank() > s.rank()
}

// ActiveTaskStatuses are the non-terminal statuses refreshed from remote.
var ActiveTaskStatuses = []TaskStatus{TaskNew, TaskInProgress}

// Task is a unit of work assigned by a creator to an assignee.
type Task struct {
	Meta

	Title        string       `json:"title" validate:"required,max=500"`
	Description  string       `json:"description,omitempty" validate:"max=4000"`
	AssigneeID   string       `json:"assignee_id" validate:"required"`
	AssigneeName string       `json:"assignee_name,omitempty"`
	CreatorID    string       `json:"creator_id,omitempty"`
	CreatorName  string       `json:"creator_name,omitempty"`
	Priority     TaskPriority `json:"priority" validate:"required,oneof=low medium high"`
	Status       TaskStatus   `json:"status" validate:"required,oneof=new in_progress done"`
	CreatedAt    time.Time    `json:"created_at"`
	Deadline     *time.Time   `json:"deadline,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	Comment      string       `json:"comment,omitempty" validate:"max=4000"`
}

func (t *Task) Kind() Kind { return KindTask }

// ===== Attendance =====

// Location is a geolocation sample.
type Location struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lon float64 `json:"lon" validate:"longitude"`
}

// Attendance is one employee's check-in/check-out for a day.
// There is at most one per owner and date.
type Attendance struct {
	Meta

	OwnerID          string     `json:"owner_id" validate:"required"`
	Date             string     `json:"date" validate:"required,datetime=2006-01-02"`
	CheckIn          time.Time  `json:"check_in" validate:"required"`
	CheckOut         *time.Time `json:"check_out,omitempty"`
	WorkedHours      float64    `json:"worked_hours"`
	CheckInLocation  *Location  `json:"check_in_location,omitempty" validate:"omitempty"`
	CheckOutLocation *Location  `json:"check_out_location,omitempty" validate:"omitempty"`
}

func (a *Attendance) Kind() Kind { return KindAttendance }

// WorkedHoursBetween returns the hours between check-in and check-out,
// rounded to two decimals and never negative.
func WorkedHoursBetween(in, out time.Time) float64 {
	h := out.Sub(in).Hours()
	if h < 0 {
		return 0
	}
	return math.Round(h*100) / 100
}

// RecomputeWorkedHours refreshes WorkedHours from the check-in/out times.
func (a *Attendance) RecomputeWorkedHours() {
	if a.CheckOut == nil {
		a.WorkedHours = 0
		return
	}
	a.WorkedHours = WorkedHoursBetween(a.CheckIn, *a.CheckOut)
}
