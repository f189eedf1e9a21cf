package quota

import (
	"github.com/fabricforge/asyncprim/asyncctx"
	"github.com/fabricforge/asyncprim/internal/obslog"
)

// AcquireContext represents one request for some desired quantity of a
// Gate's quanta. It embeds asyncctx.Context for its own lifecycle
// (Initialized -> Operational -> Completed), exactly like any other
// operation built on this module's core: the parent and callback
// passed to StartAcquire are the caller's own, unrelated to the gate's
// internal bookkeeping.
//
// AcquireContext is reusable: once Completed, Reuse resets it (via the
// embedded Context's own Reuse) so it can be recycled by a
// pool.Allocator rather than reallocated for every acquire.
type AcquireContext struct {
	asyncctx.Context

	gate         *Gate
	ownerVersion uint64
	desired      uint64

	// queued links this node into the gate's waiter list. Only ever
	// touched while the owning gate's mutex is held.
	prev, next *AcquireContext
	queued     bool
}

// NewAcquireContext constructs an AcquireContext bound to gate, using
// the same dispatcher the gate itself was constructed with (via
// WithDispatcher), so every completion callback this gate triggers —
// the activation's own and every acquire's — runs on the same worker
// pool. The returned value is Initialized; call StartAcquire to begin
// a request.
func NewAcquireContext(gate *Gate) *AcquireContext {
	a := &AcquireContext{
		Context: *asyncctx.New(gate.dispatcher),
		gate:    gate,
	}
	gate.mu.Lock()
	a.ownerVersion = gate.version
	gate.mu.Unlock()
	return a
}

// Gate returns the gate this AcquireContext was constructed against.
func (a *AcquireContext) Gate() *Gate {
	return a.gate
}

// DesiredQuanta returns the quantity requested by the most recent
// StartAcquire call.
func (a *AcquireContext) DesiredQuanta() uint64 {
	return a.desired
}

// StartAcquire requests desired quanta from the owning gate. If the
// gate currently has enough free quanta and no one is already queued
// ahead of this request, the request is granted immediately (the
// completion callback still runs on a worker goroutine, never inline,
// per this module's off-thread-dispatch rule). Otherwise it queues,
// FIFO, behind any other pending waiters, and is granted later by
// ReleaseQuanta, or completed with StatusShutdownPending if the gate is
// deactivated first.
//
// StartAcquire returns asyncctx.ErrInvalidState synchronously, before
// transitioning this Context out of Initialized, if it is not
// currently Initialized (e.g. called twice without an intervening
// Reuse). Every other failure mode — the gate being inactive, or
// becoming inactive while this request is queued — is delivered
// through the completion callback as StatusShutdownPending, not
// through StartAcquire's return value.
func (a *AcquireContext) StartAcquire(desired uint64, parent *asyncctx.Context, callback func(asyncctx.Status)) error {
	if err := a.Context.Start(parent, callback); err != nil {
		return err
	}
	a.desired = desired

	g := a.gate
	g.mu.Lock()

	if !g.isActive || a.ownerVersion != g.version {
		g.mu.Unlock()
		// Either the gate isn't active, or this AcquireContext was
		// created/Rebind-ed against a prior Activate/Deactivate cycle
		// and never updated since (ownerVersion is captured once, at
		// NewAcquireContext/Rebind time, and only ever compared here —
		// never overwritten — so a stale context can't silently start
		// acquiring against a gate it was never bound to). Either way
		// the gate never took an activity reference for this request,
		// so complete it directly rather than through completeWaiter,
		// which would release a reference the gate never acquired.
		a.Context.Complete(asyncctx.StatusShutdownPending)
		return nil
	}

	g.activityCount++

	if g.waiters.empty() && desired <= g.freeQuanta {
		g.freeQuanta -= desired
		g.mu.Unlock()
		g.completeWaiter(a, asyncctx.StatusSuccess)
		return nil
	}

	g.waiters.pushBack(a)
	a.queued = true
	g.mu.Unlock()
	return nil
}

// Cancel requests cancellation of a queued acquire. If the request has
// already been granted or has already completed for any other reason,
// Cancel is a no-op (matching asyncctx.Context.Cancel's own
// contract) — in particular, if the service loop (ReleaseQuanta) has
// already unlinked this context from the waiter list by the time
// Cancel observes it, success wins and Cancel does nothing further. If
// it is still queued, it is removed from the gate's waiter list and
// completed with StatusCancelled.
func (a *AcquireContext) Cancel() {
	a.Context.Cancel()

	g := a.gate
	g.mu.Lock()
	if !a.queued || a.ownerVersion != g.version {
		raced := !a.queued && a.ownerVersion == g.version
		g.mu.Unlock()
		if raced && obslog.AllowDiagnostic("quota.cancel-race") {
			g.log().Info().
				Str("gate", g.label).
				Log("quota: Cancel raced the service loop, acquire already resolving")
		}
		return
	}
	g.waiters.remove(a)
	g.mu.Unlock()

	g.completeWaiter(a, asyncctx.StatusCancelled)
}

// Reuse resets a Completed AcquireContext back to Initialized so it
// can be handed to a pool.Allocator and recycled for a future
// StartAcquire, without reallocating.
func (a *AcquireContext) Reuse() {
	a.Context.Reuse()
	a.gate = nil
	a.ownerVersion = 0
	a.desired = 0
	a.prev, a.next = nil, nil
	a.queued = false
}

// Rebind assigns a (possibly different) gate to a reused
// AcquireContext before the next StartAcquire, capturing gate's current
// version the same way NewAcquireContext does. Pairing Reuse with
// Rebind is what lets a single pool.Allocator[*AcquireContext] serve
// acquires against more than one gate. Rebind does not change which
// worker pool completion callbacks run on — that was fixed at
// NewAcquireContext and travels with the AcquireContext, not the gate.
func (a *AcquireContext) Rebind(gate *Gate) {
	a.gate = gate
	gate.mu.Lock()
	a.ownerVersion = gate.version
	gate.mu.Unlock()
}
