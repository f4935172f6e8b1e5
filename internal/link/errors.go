package link

import "errors"

var (
	// ErrInvalidState is returned when an operation is not valid in the current state
	ErrInvalidState = errors.New("invalid state")

	// ErrUnavailable is returned when no transport is present
	ErrUnavailable = errors.New("bluetooth unavailable")

	// ErrBusy is reported by a transport when a connect attempt hit a busy controller
	ErrBusy = errors.New("transport busy")

	// ErrInvalidIdentity is returned for malformed service identifiers
	ErrInvalidIdentity = errors.New("invalid service identity")
)

// Handle identifies one transport-level connection on the central side.
// Zero is never a valid handle.
type Handle uint64

// Status is the result code a peripheral returns for a GATT request.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
)

func (s Status) String() string {
	if s == StatusSuccess {
		return "success"
	}
	return "failure"
}
