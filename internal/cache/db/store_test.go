package db

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "cache.db")
}

// setupTestDB opens a fresh database with the schema applied.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func newReport(owner, date, completed string) *schema.Report {
	return &schema.Report{
		OwnerID:   owner,
		Date:      date,
		Completed: completed,
		Status:    schema.ReportSubmitted,
	}
}

func newTask(title, assignee string) *schema.Task {
	return &schema.Task{
		Title:      title,
		AssigneeID: assignee,
		CreatorID:  "1",
		Priority:   schema.PriorityMedium,
		Status:     schema.TaskNew,
	}
}

// TestInitSchema_Success tests schema creation
func TestInitSchema_Success(t *testing.T) {
	db := setupTestDB(t)

	tables := []string{"accounts", "reports", "tasks", "attendance"}
	for _, table := range tables {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := db.conn.QueryRow(query, table).Scan(&count); err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

// TestInitSchema_Idempotent tests that schema initialization is idempotent
func TestInitSchema_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	if err := db.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestUpsertReport_OverwritesNaturalKey(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first := newReport("7", "2024-01-01", "first draft")
	id1, err := db.UpsertReport(ctx, first)
	if err != nil {
		t.Fatalf("UpsertReport() failed: %v", err)
	}

	second := newReport("7", "2024-01-01", "final")
	id2, err := db.UpsertReport(ctx, second)
	if err != nil {
		t.Fatalf("second UpsertReport() failed: %v", err)
	}

	if id1 != id2 {
		t.Errorf("local id changed: %d -> %d", id1, id2)
	}
	if second.Version != 2 {
		t.Errorf("Version = %d, want 2", second.Version)
	}

	got, err := db.GetReport(ctx, "7", "2024-01-01")
	if err != nil {
		t.Fatalf("GetReport() failed: %v", err)
	}
	if got.Completed != "final" {
		t.Errorf("Completed = %q, want %q", got.Completed, "final")
	}
	if got.Synced {
		t.Error("freshly written report should be unsynced")
	}

	var count int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM reports`).Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("report rows = %d, want 1", count)
	}
}

func TestUpsert_KeepsRemoteID(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	r := newReport("7", "2024-01-01", "a")
	id, err := db.UpsertReport(ctx, r)
	if err != nil {
		t.Fatalf("UpsertReport() failed: %v", err)
	}
	if err := db.MarkSynced(ctx, schema.KindReport, id, "R1"); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}

	// A later local write without the remote id must not clear it.
	if _, err := db.UpsertReport(ctx, newReport("7", "2024-01-01", "b")); err != nil {
		t.Fatalf("UpsertReport() failed: %v", err)
	}

	got, err := db.GetReport(ctx, "7", "2024-01-01")
	if err != nil {
		t.Fatalf("GetReport() failed: %v", err)
	}
	if got.RemoteID != "R1" {
		t.Errorf("RemoteID = %q, want R1", got.RemoteID)
	}
	if got.Synced {
		t.Error("report should be unsynced after local edit")
	}
}

func TestGet_NotFound(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if _, err := db.GetReport(ctx, "7", "2024-01-01"); !errors.Is(err, schema.ErrNotFound) {
		t.Errorf("GetReport() error = %v, want ErrNotFound", err)
	}
	if _, err := db.GetTask(ctx, schema.Remote("R9")); !errors.Is(err, schema.ErrNotFound) {
		t.Errorf("GetTask() error = %v, want ErrNotFound", err)
	}
	if _, err := db.GetAccount(ctx, "nobody"); !errors.Is(err, schema.ErrNotFound) {
		t.Errorf("GetAccount() error = %v, want ErrNotFound", err)
	}
}

func TestUpsertTask_LocalAndRemoteKeys(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	task := newTask("X", "42")
	id, err := db.UpsertTask(ctx, task)
	if err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	if id == 0 {
		t.Fatal("UpsertTask() returned zero local id")
	}

	task.Status = schema.TaskInProgress
	if _, err := db.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask() update failed: %v", err)
	}

	got, err := db.GetTask(ctx, schema.Local(id))
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if got.Status != schema.TaskInProgress {
		t.Errorf("Status = %q, want in_progress", got.Status)
	}

	if err := db.MarkSynced(ctx, schema.KindTask, id, "R1"); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	byRemote, err := db.GetTask(ctx, schema.Remote("R1"))
	if err != nil {
		t.Fatalf("GetTask(remote) failed: %v", err)
	}
	if byRemote.LocalID != id {
		t.Errorf("LocalID = %d, want %d", byRemote.LocalID, id)
	}

	// A task carrying only the remote id lands on the same row.
	edit := newTask("X renamed", "42")
	edit.RemoteID = "R1"
	editID, err := db.UpsertTask(ctx, edit)
	if err != nil {
		t.Fatalf("UpsertTask(remote key) failed: %v", err)
	}
	if editID != id {
		t.Errorf("UpsertTask(remote key) local id = %d, want %d", editID, id)
	}

	missing := newTask("ghost", "42")
	missing.LocalID = 999
	if _, err := db.UpsertTask(ctx, missing); !errors.Is(err, schema.ErrNotFound) {
		t.Errorf("UpsertTask(missing) error = %v, want ErrNotFound", err)
	}
}

func TestUpsert_ValidationError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	bad := newReport("", "2024-01-01", "x")
	if _, err := db.UpsertReport(ctx, bad); !errors.Is(err, schema.ErrInvalid) {
		t.Errorf("UpsertReport() error = %v, want ErrInvalid", err)
	}
}

func TestApplyRemote_DoesNotClobberPending(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	local := newReport("7", "2024-01-01", "local edit")
	if _, err := db.UpsertReport(ctx, local); err != nil {
		t.Fatalf("UpsertReport() failed: %v", err)
	}

	remote := newReport("7", "2024-01-01", "stale remote")
	remote.RemoteID = "R1"
	applied, err := db.ApplyRemoteReport(ctx, remote)
	if err != nil {
		t.Fatalf("ApplyRemoteReport() failed: %v", err)
	}
	if applied {
		t.Error("ApplyRemoteReport() overwrote a pending row")
	}

	got, _ := db.GetReport(ctx, "7", "2024-01-01")
	if got.Completed != "local edit" {
		t.Errorf("Completed = %q, want %q", got.Completed, "local edit")
	}

	// Once synced, remote state wins.
	if err := db.MarkSynced(ctx, schema.KindReport, got.LocalID, "R1"); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	applied, err = db.ApplyRemoteReport(ctx, remote)
	if err != nil {
		t.Fatalf("ApplyRemoteReport() failed: %v", err)
	}
	if !applied {
		t.Error("ApplyRemoteReport() skipped a synced row")
	}
	got, _ = db.GetReport(ctx, "7", "2024-01-01")
	if got.Completed != "stale remote" || !got.Synced {
		t.Errorf("got %+v, want remote copy marked synced", got)
	}
}

func TestApplyRemoteTask_InsertsSynced(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	remote := newTask("pulled", "42")
	remote.RemoteID = "R5"
	applied, err := db.ApplyRemoteTask(ctx, remote)
	if err != nil {
		t.Fatalf("ApplyRemoteTask() failed: %v", err)
	}
	if !applied || remote.LocalID == 0 {
		t.Fatalf("ApplyRemoteTask() applied=%v local=%d", applied, remote.LocalID)
	}

	unsynced, err := db.ListUnsynced(ctx, schema.KindTask)
	if err != nil {
		t.Fatalf("ListUnsynced() failed: %v", err)
	}
	if len(unsynced) != 0 {
		t.Errorf("ListUnsynced() = %d records, want 0", len(unsynced))
	}
}

func TestMarkSyncedVersion_RacingWrite(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	a := &schema.Account{ExternalID: "ext-1", Name: "Ann", Active: true}
	id, err := db.UpsertAccount(ctx, a)
	if err != nil {
		t.Fatalf("UpsertAccount() failed: %v", err)
	}
	pushed := a.Version

	// A local edit lands while the remote call is in flight.
	a.Name = "Ann B."
	if _, err := db.UpsertAccount(ctx, a); err != nil {
		t.Fatalf("UpsertAccount() failed: %v", err)
	}

	synced, err := db.MarkSyncedVersion(ctx, schema.KindAccount, id, "R1", pushed)
	if err != nil {
		t.Fatalf("MarkSyncedVersion() failed: %v", err)
	}
	if synced {
		t.Error("MarkSyncedVersion() marked a row with a newer version synced")
	}

	got, err := db.GetAccount(ctx, "ext-1")
	if err != nil {
		t.Fatalf("GetAccount() failed: %v", err)
	}
	if got.RemoteID != "R1" {
		t.Errorf("RemoteID = %q, want R1 stored even when unsynced", got.RemoteID)
	}

	synced, err = db.MarkSyncedVersion(ctx, schema.KindAccount, id, "R1", got.Version)
	if err != nil {
		t.Fatalf("MarkSyncedVersion() failed: %v", err)
	}
	if !synced {
		t.Error("MarkSyncedVersion() with current version did not mark synced")
	}
}

func TestQueryReports_Filters(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for _, r := range []*schema.Report{
		newReport("7", "2024-01-01", "a"),
		newReport("7", "2024-01-02", "b"),
		newReport("7", "2024-01-03", "c"),
		newReport("8", "2024-01-02", "d"),
	} {
		if _, err := db.UpsertReport(ctx, r); err != nil {
			t.Fatalf("UpsertReport() failed: %v", err)
		}
	}
	missed := newReport("8", "2024-01-03", "")
	missed.Status = schema.ReportMissed
	if _, err := db.UpsertReport(ctx, missed); err != nil {
		t.Fatalf("UpsertReport() failed: %v", err)
	}

	tests := []struct {
		name   string
		filter schema.Filter
		want   []string
	}{
		{"owner", schema.Filter{OwnerID: "7"}, []string{"a", "b", "c"}},
		{"range", schema.Filter{From: "2024-01-02", To: "2024-01-02"}, []string{"b", "d"}},
		{"owner and range desc", schema.Filter{OwnerID: "7", From: "2024-01-02", Order: schema.OrderDesc}, []string{"c", "b"}},
		{"status", schema.Filter{Statuses: []string{"missed"}}, []string{""}},
		{"limit", schema.Filter{OwnerID: "7", Limit: 1}, []string{"a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.QueryReports(ctx, tt.filter)
			if err != nil {
				t.Fatalf("QueryReports() failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("QueryReports() = %d rows, want %d", len(got), len(tt.want))
			}
			for i, r := range got {
				if r.Completed != tt.want[i] {
					t.Errorf("row %d Completed = %q, want %q", i, r.Completed, tt.want[i])
				}
			}
		})
	}
}

func TestQueryTasks_StatusAndAssignee(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	open := newTask("open", "42")
	if _, err := db.UpsertTask(ctx, open); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	now := time.Now()
	done := newTask("done", "42")
	done.Status = schema.TaskDone
	done.CompletedAt = &now
	if _, err := db.UpsertTask(ctx, done); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	other := newTask("other", "43")
	if _, err := db.UpsertTask(ctx, other); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	got, err := db.QueryTasks(ctx, schema.Filter{
		OwnerID:  "42",
		Statuses: schema.TaskStatuses(schema.ActiveTaskStatuses...),
	})
	if err != nil {
		t.Fatalf("QueryTasks() failed: %v", err)
	}
	if len(got) != 1 || got[0].Title != "open" {
		t.Errorf("QueryTasks() = %+v, want only the open task", got)
	}
}

func TestAttendance_LocationsAndHours(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	in := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	out := in.Add(7*time.Hour + 45*time.Minute)
	a := &schema.Attendance{
		OwnerID:         "7",
		Date:            "2024-01-01",
		CheckIn:         in,
		CheckInLocation: &schema.Location{Lat: 52.52, Lon: 13.405},
	}
	if _, err := db.UpsertAttendance(ctx, a); err != nil {
		t.Fatalf("UpsertAttendance() failed: %v", err)
	}

	a.CheckOut = &out
	if _, err := db.UpsertAttendance(ctx, a); err != nil {
		t.Fatalf("UpsertAttendance() checkout failed: %v", err)
	}

	got, err := db.GetAttendance(ctx, "7", "2024-01-01")
	if err != nil {
		t.Fatalf("GetAttendance() failed: %v", err)
	}
	if got.WorkedHours != 7.75 {
		t.Errorf("WorkedHours = %v, want 7.75", got.WorkedHours)
	}
	if got.CheckInLocation == nil || got.CheckInLocation.Lat != 52.52 {
		t.Errorf("CheckInLocation = %+v", got.CheckInLocation)
	}
	if got.CheckOutLocation != nil {
		t.Errorf("CheckOutLocation = %+v, want nil", got.CheckOutLocation)
	}
	if !got.CheckIn.Equal(in) {
		t.Errorf("CheckIn = %v, want %v", got.CheckIn, in)
	}

	open, err := db.QueryAttendance(ctx, schema.Filter{Statuses: []string{"open"}})
	if err != nil {
		t.Fatalf("QueryAttendance() failed: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("open attendance = %d, want 0", len(open))
	}
}

// TestUpsertAttendance_Concurrent checks that concurrent writes for the same
// owner and day converge on a single row.
func TestUpsertAttendance_Concurrent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := &schema.Attendance{
				OwnerID: "7",
				Date:    "2024-01-01",
				CheckIn: base.Add(time.Duration(i) * time.Minute),
			}
			if _, err := db.UpsertAttendance(ctx, a); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("UpsertAttendance() failed: %v", err)
	}

	rows, err := db.QueryAttendance(ctx, schema.Filter{OwnerID: "7"})
	if err != nil {
		t.Fatalf("QueryAttendance() failed: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("attendance rows = %d, want 1", len(rows))
	}
}

func TestListUnsyncedAndGetRecord(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	r := newReport("7", "2024-01-01", "a")
	id, err := db.UpsertReport(ctx, r)
	if err != nil {
		t.Fatalf("UpsertReport() failed: %v", err)
	}

	recs, err := db.ListUnsynced(ctx, schema.KindReport)
	if err != nil {
		t.Fatalf("ListUnsynced() failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Base().LocalID != id {
		t.Fatalf("ListUnsynced() = %v", recs)
	}

	rec, err := db.GetRecord(ctx, schema.KindReport, id)
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	if _, ok := rec.(*schema.Report); !ok {
		t.Errorf("GetRecord() returned %T, want *schema.Report", rec)
	}

	n, err := db.CountUnsynced(ctx)
	if err != nil {
		t.Fatalf("CountUnsynced() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("CountUnsynced() = %d, want 1", n)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	old := time.Now().Add(-60 * 24 * time.Hour)
	db.now = func() time.Time { return old }

	synced := newReport("7", "2024-01-01", "old synced")
	id, _ := db.UpsertReport(ctx, synced)
	if err := db.MarkSynced(ctx, schema.KindReport, id, "R1"); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	if _, err := db.UpsertReport(ctx, newReport("7", "2024-01-02", "old pending")); err != nil {
		t.Fatalf("UpsertReport() failed: %v", err)
	}

	openTask := newTask("still open", "42")
	taskID, _ := db.UpsertTask(ctx, openTask)
	if err := db.MarkSynced(ctx, schema.KindTask, taskID, "R2"); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}

	db.now = time.Now
	cutoff := time.Now().Add(-30 * 24 * time.Hour)

	n, err := db.DeleteOlderThan(ctx, schema.KindReport, cutoff)
	if err != nil {
		t.Fatalf("DeleteOlderThan() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted reports = %d, want 1", n)
	}
	if _, err := db.GetReport(ctx, "7", "2024-01-02"); err != nil {
		t.Errorf("pending report was deleted: %v", err)
	}

	n, err = db.DeleteOlderThan(ctx, schema.KindTask, cutoff)
	if err != nil {
		t.Fatalf("DeleteOlderThan() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("deleted tasks = %d, want 0 (task is not done)", n)
	}
}

func TestResolve(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	r := newReport("7", "2024-01-01", "a")
	id, err := db.UpsertReport(ctx, r)
	if err != nil {
		t.Fatalf("UpsertReport() failed: %v", err)
	}
	if err := db.MarkSynced(ctx, schema.KindReport, id, "R9"); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}

	tests := []struct {
		name    string
		id      schema.Identifier
		wantErr error
	}{
		{name: "local", id: schema.Local(id)},
		{name: "remote", id: schema.Remote("R9")},
		{name: "unknown remote", id: schema.Remote("R404"), wantErr: schema.ErrNotFound},
		{name: "zero", id: schema.Identifier{}, wantErr: schema.ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := db.Resolve(ctx, schema.KindReport, tt.id)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resolve() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() failed: %v", err)
			}
			if rec.Base().LocalID != id {
				t.Errorf("Resolve() local id = %d, want %d", rec.Base().LocalID, id)
			}
		})
	}
}

func TestUpsertTask_StaleVersionConflicts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	task := newTask("X", "42")
	if _, err := db.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	stale := *task

	now := time.Now()
	task.Status = schema.TaskDone
	task.CompletedAt = &now
	if _, err := db.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	stale.Status = schema.TaskInProgress
	if _, err := db.UpsertTask(ctx, &stale); !errors.Is(err, schema.ErrConflict) {
		t.Fatalf("UpsertTask(stale) error = %v, want ErrConflict", err)
	}

	got, err := db.GetTaskByLocalID(ctx, task.LocalID)
	if err != nil {
		t.Fatalf("GetTaskByLocalID() failed: %v", err)
	}
	if got.Status != schema.TaskDone || got.CompletedAt == nil {
		t.Errorf("status = %q completed_at = %v, want done with completion time", got.Status, got.CompletedAt)
	}
}
