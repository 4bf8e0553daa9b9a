package sync

import (
	"context"
	"fmt"

	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
)

// pull refreshes the active subsets of remote state into the local store.
// A failed remote query aborts the pull; a failed local apply is logged and
// skipped. Returns how many rows were applied and how many were kept because
// they have pending local changes.
func (r *reconciler) pull(ctx context.Context) (int, int, error) {
	from := schema.DateOf(r.cfg.Now().UTC().AddDate(0, 0, -r.cfg.PullWindowDays))

	var applied, kept int
	tally := func(kind schema.Kind, ok bool, err error) {
		switch {
		case err != nil:
			r.logger.Printf("Warning: failed to apply remote %s: %v", kind, err)
		case ok:
			applied++
		default:
			kept++
		}
	}

	accounts, err := r.remote.QueryAccounts(ctx, schema.Filter{ActiveOnly: true})
	if err != nil {
		return applied, kept, fmt.Errorf("failed to query accounts: %w", err)
	}
	for _, a := range accounts {
		ok, err := r.db.ApplyRemoteAccount(ctx, a)
		tally(schema.KindAccount, ok, err)
	}

	reports, err := r.remote.QueryReports(ctx, schema.Filter{From: from})
	if err != nil {
		return applied, kept, fmt.Errorf("failed to query reports: %w", err)
	}
	for _, rep := range reports {
		ok, err := r.db.ApplyRemoteReport(ctx, rep)
		tally(schema.KindReport, ok, err)
	}

	tasks, err := r.remote.QueryTasks(ctx, schema.Filter{
		Statuses: schema.TaskStatuses(schema.ActiveTaskStatuses...),
	})
	if err != nil {
		return applied, kept, fmt.Errorf("failed to query tasks: %w", err)
	}
	// Tasks have no natural key: a remote row can only be matched to its
	// local row once the push that created it has stored the remote id.
	r.inflight.Lock()
	for _, t := range tasks {
		ok, err := r.db.ApplyRemoteTask(ctx, t)
		tally(schema.KindTask, ok, err)
	}
	r.inflight.Unlock()

	attendance, err := r.remote.QueryAttendance(ctx, schema.Filter{From: from})
	if err != nil {
		return applied, kept, fmt.Errorf("failed to query attendance: %w", err)
	}
	for _, a := range attendance {
		ok, err := r.db.ApplyRemoteAttendance(ctx, a)
		tally(schema.KindAttendance, ok, err)
	}

	if !r.warm.Swap(true) {
		r.logger.Printf("Cache warm: pulled %d rows", applied)
	}
	return applied, kept, nil
}
