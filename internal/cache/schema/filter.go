package schema

// Order controls the sort direction of a query. Reports and attendance sort
// by date; tasks by creation time; accounts by name.
type Order int

const (
	OrderAsc Order = iota
	OrderDesc
)

// Filter selects records for list queries against the local or remote store.
// Every field is optional and fields combine with AND.
type Filter struct {
	// OwnerID is the report/attendance owner, the task assignee, or the
	// account external id.
	OwnerID string
	// CreatorID restricts tasks to those created by this account.
	CreatorID string
	// Statuses restricts to records in any of these statuses.
	Statuses []string
	// From and To bound the date range, inclusive, in DateLayout.
	// Tasks are ranged by the date they were created.
	From string
	To   string
	// ActiveOnly restricts accounts to active ones.
	ActiveOnly bool
	Order      Order
	// Limit caps the number of results (0 = no limit).
	Limit int
}

// TaskStatuses converts task statuses to filter values.
func TaskStatuses(statuses ...TaskStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
