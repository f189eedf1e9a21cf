package quota

import (
	"context"

	"github.com/fabricforge/asyncprim/asyncctx"
)

// Await adapts StartAcquire's callback-based completion to a blocking,
// context-cancellable call, for callers that would rather synchronize
// than supply a callback — the same role KQuotaGate's
// StartAcquireAsync/KCoQuotaGate awaitable wrappers play over the
// callback-based AcquireContext in the Service Fabric source this
// module descends from, adapted to Go's idiom of a channel plus
// context.Context instead of a coroutine handle.
//
// If ctx is cancelled before the acquire completes, Await returns
// ctx.Err() immediately; the underlying AcquireContext is also
// Cancel()'d, but since that cancellation and the gate's own grant can
// race, the request may still be granted — in which case the quanta it
// was given are never released back to the gate by this call. A
// caller that needs acquired-then-abandoned quanta returned should
// itself call ReleaseQuanta(desired) against the gate once ctx.Err()
// is observed here.
func (a *AcquireContext) Await(ctx context.Context, desired uint64, parent *asyncctx.Context) (asyncctx.Status, error) {
	done := make(chan asyncctx.Status, 1)

	if err := a.StartAcquire(desired, parent, func(status asyncctx.Status) {
		done <- status
	}); err != nil {
		return asyncctx.StatusInvalidState, err
	}

	select {
	case status := <-done:
		return status, status.AsError()
	case <-ctx.Done():
		a.Cancel()
		return asyncctx.StatusNone, ctx.Err()
	}
}

// ActivateAsync is Activate's blocking counterpart: it returns once the
// gate has become active. Activation itself never queues or blocks in
// this implementation (unlike a deactivating gate's drain), so this
// exists chiefly for symmetry with DeactivateAsync and to give callers
// a single style to reach for regardless of which operation they're
// sequencing.
func ActivateAsync(g *Gate, initialFreeQuanta uint64) error {
	return g.Activate(initialFreeQuanta, nil, nil)
}

// DeactivateAsync calls Deactivate and then blocks until the gate has
// fully drained — every queued waiter completed and the self-reference
// released — or ctx is cancelled first, mirroring KCoQuotaGate's
// DeactivateAsync co_await over the same drain this package's Deactivate
// already performs. It reads Gate.Deactivated rather than the
// Activate-supplied callback, since that callback is installed once, up
// front, and may already be nil or spoken for by other application
// code.
func DeactivateAsync(ctx context.Context, g *Gate) error {
	done := g.Deactivated()
	g.Deactivate()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
