package asyncctx

import "github.com/fabricforge/asyncprim/internal/obslog"

// InvariantViolation is panicked when a caller breaks the contract of
// this package (or quota, which is built on it) in a way that would
// otherwise corrupt internal state — e.g. reusing a Context that
// hasn't completed, or completing one that is not Operational or
// Cancelling.
// These are not recoverable error conditions; per this module's
// specification, invariant violations abort the process, the same way
// the KTL sources this package descends from call KInvariant/KAssert.
//
// The core itself never recovers from these; it is the embedding
// application's responsibility to decide whether to recover at a
// process boundary (the invariant helper below has already logged the
// violation via obslog before panicking).
type InvariantViolation struct {
	Message string
	Cause   error
}

func (e *InvariantViolation) Error() string {
	if e.Cause != nil {
		return "asyncctx: invariant violation: " + e.Message + ": " + e.Cause.Error()
	}
	return "asyncctx: invariant violation: " + e.Message
}

func (e *InvariantViolation) Unwrap() error {
	return e.Cause
}

// invariant panics with an InvariantViolation if cond is false, after
// logging the violation at Critical level so the reason survives
// structured logs even though the process is about to go down.
func invariant(cond bool, message string) {
	if cond {
		return
	}
	obslog.Get().Crit().Str("invariant", message).Log("asyncctx: invariant violation")
	panic(&InvariantViolation{Message: message})
}
