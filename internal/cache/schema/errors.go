package schema

import "errors"

// Errors returned by the cache layers.
//
// They are wrapped with context as they travel up, so check them with
// errors.Is:
//
//	if errors.Is(err, schema.ErrNotFound) {
//	    // nothing cached and nothing remote
//	}
var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("record not found")

	// ErrInvalid is returned when a record fails validation.
	ErrInvalid = errors.New("invalid record")

	// ErrInvalidTransition is returned when a status change would move a
	// record backwards (e.g. a done task back to in_progress).
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflict is returned when a row changed between being read and
	// being written back.
	ErrConflict = errors.New("record changed concurrently")

	// ErrUnsupported is returned when an operation does not apply to the
	// requested entity kind or backend.
	ErrUnsupported = errors.New("operation not supported")

	// ErrStorage is returned when the local store fails. The local store
	// holds the only durable copy of unsynced data, so these errors always
	// reach the caller.
	ErrStorage = errors.New("local storage failure")

	// ErrRemote is returned when a remote store call fails or times out.
	ErrRemote = errors.New("remote store failure")
)

// IsRetryable returns true if the operation may succeed when repeated.
// Local I/O failures and remote failures are retryable; validation and
// lookup errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrStorage) || errors.Is(err, ErrRemote)
}
