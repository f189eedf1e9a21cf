package asyncctx

import "fmt"

// Status is the terminal outcome code of a Context, set exactly once
// when the context enters Completed.
type Status int

const (
	// StatusNone is the zero value, observed only before a Context has
	// completed; Status() panics if called before Completed.
	StatusNone Status = iota

	// StatusSuccess indicates the operation completed normally.
	StatusSuccess

	// StatusCancelled indicates an explicit Cancel won the race with
	// whatever the owner was doing.
	StatusCancelled

	// StatusShutdownPending indicates the context's owning service was
	// deactivated (or never activated) when the operation was queued
	// or attempted.
	StatusShutdownPending

	// StatusResourceExhausted indicates a host allocator failure
	// surfaced through the core.
	StatusResourceExhausted

	// StatusInvalidState indicates API misuse (e.g. Start called on a
	// non-Initialized Context).
	StatusInvalidState
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusNone:
		return "None"
	case StatusSuccess:
		return "Success"
	case StatusCancelled:
		return "Cancelled"
	case StatusShutdownPending:
		return "ShutdownPending"
	case StatusResourceExhausted:
		return "ResourceExhausted"
	case StatusInvalidState:
		return "InvalidState"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// StatusError adapts a non-success Status to the error interface, so
// callers can use errors.Is against the sentinel values below.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return "asyncctx: " + e.Status.String()
}

// Is supports errors.Is comparisons between StatusErrors carrying the
// same Status, and against the package's sentinel values.
func (e *StatusError) Is(target error) bool {
	other, ok := target.(*StatusError)
	return ok && other.Status == e.Status
}

// Sentinel errors, one per non-success Status, suitable for
// errors.Is(err, asyncctx.ErrCancelled) style checks.
var (
	ErrCancelled         = &StatusError{Status: StatusCancelled}
	ErrShutdownPending   = &StatusError{Status: StatusShutdownPending}
	ErrResourceExhausted = &StatusError{Status: StatusResourceExhausted}
	ErrInvalidState      = &StatusError{Status: StatusInvalidState}
)

// AsError converts a terminal Status to an error, or nil for
// StatusSuccess.
func (s Status) AsError() error {
	switch s {
	case StatusSuccess, StatusNone:
		return nil
	case StatusCancelled:
		return ErrCancelled
	case StatusShutdownPending:
		return ErrShutdownPending
	case StatusResourceExhausted:
		return ErrResourceExhausted
	case StatusInvalidState:
		return ErrInvalidState
	default:
		return &StatusError{Status: s}
	}
}
