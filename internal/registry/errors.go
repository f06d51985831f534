package registry

import "errors"

var (
	// ErrNotFound reports an unknown strategy id.
	ErrNotFound = errors.New("strategy not found")

	// ErrAdmissionExceeded reports that the active-strategy cap is reached.
	ErrAdmissionExceeded = errors.New("active strategy limit reached")

	// ErrInvalid reports rejected input (empty name, empty identifier,
	// resuming a strategy that was never activated).
	ErrInvalid = errors.New("invalid input")
)
