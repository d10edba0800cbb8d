package tagbox

import (
	"errors"
	"fmt"
	"strings"
)

type (
	// ReservationConflictError reports that a tag's write slot could not be
	// claimed. Callers can re-read state and retry
	ReservationConflictError struct {
		Tag      string
		Reason   ConflictReason
		Expected SortableUniqueID
		Actual   SortableUniqueID
	}

	// ConflictReason explains why a reservation was refused
	ConflictReason int

	// ReservationError is returned by the executor when any tag of a
	// command's write set could not be reserved. Nothing was written
	ReservationError struct {
		Tags      []string
		Conflicts []error
	}

	// UnregisteredTypeError is returned when a fold meets an event type or a
	// projector name that nothing was registered for
	UnregisteredTypeError struct {
		Kind string
		Name string
	}
)

const (
	// ConflictActiveReservation means another writer holds the tag
	ConflictActiveReservation ConflictReason = iota

	// ConflictStalePosition means the caller read an outdated tip
	ConflictStalePosition

	// ConflictPositionBehindTip means the proposed write position is not
	// after the tag's tip. The executor mints above the tips it sees, so
	// this only happens when a concurrent write lands first
	ConflictPositionBehindTip
)

var (
	// ErrInvalidTag is returned when a tag string cannot be parsed
	ErrInvalidTag = errors.New("invalid tag")

	// ErrInvalidSortableID is returned for malformed sortable ids
	ErrInvalidSortableID = errors.New("invalid sortable unique id")

	// ErrProjectorMismatch is returned when a snapshot or a registered actor
	// belongs to a different projector name, version, or payload type
	ErrProjectorMismatch = errors.New("projector mismatch")

	// ErrInvalidEnvelope is returned when a snapshot envelope does not carry
	// exactly one of its inline or offloaded states
	ErrInvalidEnvelope = errors.New("snapshot envelope must carry exactly one state")

	// ErrNoBlobStore is returned when an offloaded snapshot is restored
	// without a blob store
	ErrNoBlobStore = errors.New("no blob store configured")

	// ErrBlobNotFound is returned by blob stores for unknown keys
	ErrBlobNotFound = errors.New("blob not found")

	// ErrSubscriptionStopped is returned by operations on a stopped
	// Subscription
	ErrSubscriptionStopped = errors.New("subscription stopped")

	// ErrCatchUpTimeout is returned when catch-up does not complete in time
	ErrCatchUpTimeout = errors.New("catch-up did not complete in time")

	// ErrMaxRetriesExceeded is returned by ExecRetry when every attempt
	// failed to reserve its tags
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

func (r ConflictReason) String() string {
	switch r {
	case ConflictActiveReservation:
		return "reservation already active"
	case ConflictStalePosition:
		return "stale position"
	case ConflictPositionBehindTip:
		return "position behind tip"
	default:
		return "unknown"
	}
}

func (e *ReservationConflictError) Error() string {
	switch e.Reason {
	case ConflictActiveReservation:
		return fmt.Sprintf("tag %s: %s", e.Tag, e.Reason)
	default:
		return fmt.Sprintf(
			"tag %s: %s: expected %q, but at %q",
			e.Tag, e.Reason, e.Expected, e.Actual,
		)
	}
}

func (e *ReservationError) Error() string {
	return "failed to reserve tags: " + strings.Join(e.Tags, ", ")
}

// Unwrap exposes the individual conflicts to errors.As
func (e *ReservationError) Unwrap() []error {
	return e.Conflicts
}

func (e *UnregisteredTypeError) Error() string {
	return fmt.Sprintf("unregistered %s: %s", e.Kind, e.Name)
}

// IsReservationFailure reports whether err came from the reservation layer,
// meaning the command can be retried with fresh state
func IsReservationFailure(err error) bool {
	var resErr *ReservationError
	if errors.As(err, &resErr) {
		return true
	}
	var conflict *ReservationConflictError
	return errors.As(err, &conflict)
}
