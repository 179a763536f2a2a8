// Package resource implements the client-side mirror of server-tracked
// entities: an identity-map registry per resource type, and a per-object
// lifecycle (pending, ready, failed) whose completion can be awaited from
// any goroutine.
//
// The event stream goroutine is the sole writer of resource state. Caller
// goroutines read state, block in Wait, or remove entries. A resource's
// fields snapshot is swapped as a unit, so concurrent readers always see
// either the state before or after an update, never a partial one.
package resource

// StatusSuccessful is the one server status string that completes a job
// successfully.
const StatusSuccessful = "successful"

// Upload lifecycle statuses carried by resource-kind events.
const (
	StatusUploadCreated = "created"
	StatusUploadFailed  = "upload_failed"
)

// failureStatuses are the server statuses folded into the Failed state.
// Rejected, cancelled and errored jobs are all terminal failures; the
// distinction survives only in the failure reason.
var failureStatuses = map[string]bool{
	"failure":   true,
	"rejected":  true,
	"cancelled": true,
}

// pendingStatuses are the server statuses under which a job is still in
// flight. Statuses outside every vocabulary leave the current state
// untouched so new server-side statuses degrade gracefully.
var pendingStatuses = map[string]bool{
	"unknown":         true,
	"queued":          true,
	"pending request": true,
	"requested":       true,
	"processing":      true,
	"pending_retry":   true,
}

// IsFailureStatus reports whether a server status string is a terminal
// failure.
func IsFailureStatus(s string) bool {
	return failureStatuses[s]
}

// IsPendingStatus reports whether a server status string means the job is
// still in flight.
func IsPendingStatus(s string) bool {
	return pendingStatuses[s]
}
