package resource

import (
	"errors"
	"fmt"

	"github.com/simcloud-ai/simcloud-go/pkg/event"
)

// ErrMissingID indicates a snapshot without a server-assigned id. Resources
// are only materialized from complete snapshots.
var ErrMissingID = errors.New("snapshot has no id")

// FailedError is returned by Wait once a resource has reached the Failed
// state. It is never retried automatically - the caller decides what to do
// with a failed resource, which stays registered and inspectable.
type FailedError struct {
	// Kind is the resource type.
	Kind event.TargetType

	// ID is the server-assigned resource identifier.
	ID string

	// Reason optionally details the failure in human-readable form.
	Reason string
}

// Error implements the error interface.
func (e *FailedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %s failed: %s", e.Kind, e.ID, e.Reason)
	}
	return fmt.Sprintf("%s %s failed", e.Kind, e.ID)
}

// IsFailed reports whether err is a resource failure.
func IsFailed(err error) bool {
	var fe *FailedError
	return errors.As(err, &fe)
}
