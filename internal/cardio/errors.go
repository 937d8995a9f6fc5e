package cardio

import "errors"

var (
	ErrCapabilityUnavailable = errors.New("location capability unavailable")
	ErrMissingIdentity       = errors.New("user not logged in")
	ErrSubmissionFailure     = errors.New("session submission failed")
	ErrIllegalTransition     = errors.New("illegal session transition")
	ErrSubmitInFlight        = errors.New("session submission already in flight")
	ErrInvalidActivity       = errors.New("invalid activity kind")
	ErrNothingToSubmit       = errors.New("session has no recorded duration")
	ErrTrackerClosed         = errors.New("tracker closed")
)

// FixError is a transient error reported by the location stream, such as
// signal loss or a permission revoked mid session.
type FixError struct {
	Reason string
}

func (e *FixError) Error() string {
	return "location fix error: " + e.Reason
}
