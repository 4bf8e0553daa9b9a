// Package sync reconciles the local cache with the remote system of record.
//
// Overview
//
// Writes land in the local store first, marked unsynced, and return
// immediately. The reconciler is the only component that talks to the remote
// store on behalf of those writes and the only one that flips a row to synced.
//
// Architecture
//
//	Facade write ──► Local Store (synced=0) ──► Queue ──┐
//	                                                    ▼
//	                 ┌──────────── Reconciler.RunPass ─────────────┐
//	                 │ 1. drain queue, run operations              │
//	                 │ 2. push: every unsynced row → create/update │
//	                 │ 3. pull: active remote rows → local store   │
//	                 │ 4. cleanup: drop old synced rows            │
//	                 └─────────────────────────────────────────────┘
//
// Pushes are keyed per record, so a queued operation and the push loop never
// create the same record twice. A push marks the row synced only if the row's
// version has not moved since it was read; a write that lands during the
// remote call leaves the row unsynced for the next pass.
//
// Pull never overwrites rows with pending local changes, and only refreshes
// active subsets: active accounts, reports and attendance inside the pull
// window, and tasks that are not done.
//
// Usage
//
//	rec := sync.New(store, adapter, q, sync.DefaultConfig(), nil)
//	res, err := rec.RunPass(ctx)
//	if errors.Is(err, sync.ErrPassInProgress) {
//	    // another pass is running; this tick is skipped
//	}
//
// Error Handling
//
// Per-record failures are logged and counted; the record stays unsynced and
// its siblings continue. A failed pull query fails the pass, which is logged
// by the caller; the next tick proceeds normally.
package sync
