// Package schema defines the records held by the shiftdesk cache.
//
// Four entity kinds are cached locally and mirrored to the remote system of
// record: accounts, daily reports, tasks and attendance records. Every record
// embeds Meta, which carries the sync bookkeeping:
//
//	LocalID   assigned by the local store on first insert, never changes
//	RemoteID  empty until the sync worker creates the remote counterpart
//	Synced    false while the local copy has changes the remote has not seen
//	Version   bumped on every local write
//	UpdatedAt time of the last local write
//
// # Natural Keys
//
// Writes are idempotent on each kind's natural key:
//
//	account     external_id
//	report      (owner_id, date)
//	attendance  (owner_id, date)
//	task        local_id (remote_id for rows pulled from the remote store)
//
// # Identifiers
//
// Callers that address a record by id use Identifier, which is either a local
// id or a remote id:
//
//	id := schema.Local(42)
//	id := schema.Remote("recA1b2C3")
//
// # Validation
//
// Validate methods use go-playground/validator struct tags. Validation errors
// wrap ErrInvalid so callers can test for them with errors.Is.
package schema
