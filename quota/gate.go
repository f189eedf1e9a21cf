// Package quota implements a FIFO quantitative semaphore — the quota
// gate — built directly on asyncctx.Context.
//
// A Gate holds a pool of "quanta" (an abstract unit of whatever
// resource the caller is rationing: outstanding requests, buffer
// slots, concurrent workers). Callers acquire some desired quantity
// through an AcquireContext; if enough quanta are free the acquire
// completes immediately, otherwise it queues, FIFO, until enough quanta
// accumulate from ReleaseQuanta calls. This is a direct port of the
// Kernel Template Library's KQuotaGate (see KQuotaGate.h in the Service
// Fabric source tree this design descends from), adapted to Go's
// concurrency idiom: explicit mutex instead of a spinlock, completion
// callbacks dispatched onto a worker pool instead of KTL's own
// apartment/thread-pool abstraction.
package quota

import (
	"math"
	"sync"

	"github.com/fabricforge/asyncprim/asyncctx"
	"github.com/fabricforge/asyncprim/internal/obslog"
	"github.com/fabricforge/asyncprim/internal/worker"
	"github.com/fabricforge/asyncprim/pool"
)

// Gate is a FIFO quantitative semaphore.
//
// The zero value is not usable; construct with New. A Gate is itself
// built on an asyncctx.Context: Activate is this context's Start,
// and the callback supplied to Activate fires only once the gate has
// fully deactivated and every waiter (including the gate's own
// self-reference) has drained — the same "activity count reaches
// zero" handoff KQuotaGate uses internally, except here it is modelled
// explicitly as the gate's own counter rather than reusing the
// Context's generic parent/child activity mechanism, because the
// gate's activity count and the Context's activity count answer two
// different questions: the Context's tracks whatever the *caller*
// chose to parent under this gate (unrelated to the gate's own
// bookkeeping), while the gate's own count tracks exactly the waiters
// and the gate's self-reference, per KQuotaGate.h.
type Gate struct {
	activation *asyncctx.Context
	dispatcher *worker.Pool
	logger     *obslog.Logger
	allocator  *pool.Allocator[*AcquireContext]

	mu            sync.Mutex
	isActive      bool
	version       uint64
	freeQuanta    uint64
	waiters       waiterList
	activityCount int64
	deactivated   chan struct{}
	label         string
}

// Option configures a Gate constructed by New.
type Option func(*gateConfig)

type gateConfig struct {
	dispatcher *worker.Pool
	logger     *obslog.Logger
	allocator  *pool.Allocator[*AcquireContext]
	label      string
}

// WithDispatcher supplies the worker pool used to run completion
// callbacks for this gate's acquires and its own activation callback.
// If omitted, asyncctx's default dispatcher is used.
func WithDispatcher(p *worker.Pool) Option {
	return func(c *gateConfig) { c.dispatcher = p }
}

// WithLogger overrides the structured logger this gate uses for its
// own diagnostics (a negative activity count, an overflowing
// ReleaseQuanta, and the rate-limited ReleaseQuanta(0) and Cancel-race
// notices). If
// omitted, internal/obslog's current process-wide logger is used.
func WithLogger(logger *obslog.Logger) Option {
	return func(c *gateConfig) { c.logger = logger }
}

// WithAllocator supplies a pool.Allocator this gate draws
// AcquireContext instances from via PooledAcquireContext /
// ReleasePooledAcquireContext, instead of the runtime allocator. This
// is the concrete wiring for the Pooled Allocator's intended use with
// the Quota Gate: high-rate acquire/release traffic recycles
// AcquireContext instances instead of allocating one per request.
func WithAllocator(a *pool.Allocator[*AcquireContext]) Option {
	return func(c *gateConfig) { c.allocator = a }
}

// WithLabel attaches a short name to this gate for diagnostic logging.
func WithLabel(label string) Option {
	return func(c *gateConfig) { c.label = label }
}

// New constructs an inactive Gate. Call Activate before any
// StartAcquire.
func New(opts ...Option) *Gate {
	var c gateConfig
	for _, opt := range opts {
		opt(&c)
	}
	g := &Gate{
		dispatcher: c.dispatcher,
		logger:     c.logger,
		allocator:  c.allocator,
		label:      c.label,
	}
	g.activation = asyncctx.New(c.dispatcher)
	return g
}

// log returns the structured logger this gate should use: the one
// supplied via WithLogger, or internal/obslog's current process-wide
// logger otherwise.
func (g *Gate) log() *obslog.Logger {
	if g.logger != nil {
		return g.logger
	}
	return obslog.Get()
}

// PooledAcquireContext returns an AcquireContext bound to this gate,
// drawn from the allocator supplied via WithAllocator if one was, or
// freshly constructed otherwise. Pair with ReleasePooledAcquireContext
// once the acquire (and whatever it guarded) has finished, to actually
// realize the reuse.
func (g *Gate) PooledAcquireContext() *AcquireContext {
	if g.allocator == nil {
		return NewAcquireContext(g)
	}
	a := g.allocator.Allocate()
	a.Rebind(g)
	return a
}

// ReleasePooledAcquireContext resets a Completed AcquireContext
// (Reuse) and returns it to this gate's allocator, if one was supplied
// via WithAllocator; otherwise it just calls Reuse, leaving the value
// to be garbage collected once unreferenced.
func (g *Gate) ReleasePooledAcquireContext(a *AcquireContext) {
	a.Reuse()
	if g.allocator != nil {
		a.Rebind(g)
		g.allocator.Free(a)
	}
}

// Activate brings the gate up with initialFreeQuanta available
// immediately, arms callback to fire (on a worker goroutine, never
// inline) once the gate fully deactivates, and optionally links the
// gate's own activation lifecycle under parent exactly as
// asyncctx.Context.Start would for any other operation.
//
// Activate is legal only on a newly constructed gate, or on a
// fully-deactivated gate that has since been Reuse'd (mirroring
// Context.Start's own Initialized-only contract); any other Activate
// returns asyncctx.ErrInvalidState.
func (g *Gate) Activate(initialFreeQuanta uint64, parent *asyncctx.Context, callback func(asyncctx.Status)) error {
	if err := g.activation.Start(parent, callback); err != nil {
		return err
	}

	g.mu.Lock()
	g.isActive = true
	g.freeQuanta = initialFreeQuanta
	g.activityCount = 1 // the gate's own self-reference
	g.deactivated = make(chan struct{})
	g.mu.Unlock()

	return nil
}

// Deactivated returns a channel that is closed once this activation
// has fully drained (every waiter completed, self-reference released,
// Activate's callback fired). Unlike the Activate callback — which is
// installed once, up front — this channel can be read by any number of
// independent waiters, including ones that started watching after
// Deactivate was already called. Primarily used by DeactivateAsync.
func (g *Gate) Deactivated() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deactivated
}

// Reuse resets a fully-deactivated gate (the Activate callback must
// have already fired) back to its pre-Activate state, so it can be
// Activated again without reallocating. Reuse is an invariant
// violation — via the embedded activation Context's own Reuse — if
// called before the gate has fully deactivated.
//
// Any AcquireContext still referencing the prior activation (by
// ownerVersion) is already guaranteed complete by the time this
// returns, since Deactivate drains the waiter list before releasing
// the self-reference Reuse depends on; a stale AcquireContext that
// later calls Cancel simply no-ops, because its ownerVersion no longer
// matches g.version.
func (g *Gate) Reuse() {
	g.activation.Reuse()
	g.mu.Lock()
	g.freeQuanta = 0
	g.activityCount = 0
	g.mu.Unlock()
}

// Deactivate begins an orderly shutdown: no further acquire will be
// granted or queued (new StartAcquire calls fail with
// StatusShutdownPending), every currently queued waiter is completed
// with StatusShutdownPending, and then the gate's self-reference is
// released. Once every waiter and the self-reference have drained, the
// callback supplied to Activate fires.
//
// Deactivate is idempotent: calling it more than once, or before
// Activate, is a harmless no-op.
func (g *Gate) Deactivate() {
	g.mu.Lock()
	if !g.isActive {
		g.mu.Unlock()
		return
	}
	g.isActive = false
	g.version++
	drained := g.waiters.drainAll()
	g.mu.Unlock()

	for _, w := range drained {
		g.completeWaiter(w, asyncctx.StatusShutdownPending)
	}

	g.releaseActivity()
}

// GetFreeQuanta returns the quanta currently available to be granted
// immediately, i.e. not yet claimed by any queued or granted waiter.
func (g *Gate) GetFreeQuanta() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.freeQuanta
}

// ReleaseQuanta returns quantaToRelease quanta to the gate and then
// runs the FIFO service loop: waiters at the head of the queue are
// granted, in arrival order, for as long as the head waiter's desired
// quantity is fully covered by what's free. A waiter whose desired
// quantity exceeds what's currently free blocks the whole queue behind
// it — this gate grants strictly in order, it never lets a
// smaller later request jump ahead of a larger earlier one.
//
// quantaToRelease may be zero — a pure wake-up, useful to re-run the
// service loop without actually returning any quanta — but a caller
// doing that in a tight loop is exactly the kind of noisy diagnostic
// this module rate-limits rather than logs unconditionally. Releasing
// more than free_quanta can hold without overflowing uint64 is a
// contract violation (the gate does not track a ceiling to validate
// against); rather than wrapping silently, the addition saturates at
// the maximum representable value and the violation is logged.
func (g *Gate) ReleaseQuanta(quantaToRelease uint64) {
	g.mu.Lock()
	if !g.isActive {
		g.mu.Unlock()
		return
	}

	zeroRelease := quantaToRelease == 0
	overflowed := quantaToRelease > math.MaxUint64-g.freeQuanta
	if overflowed {
		g.freeQuanta = math.MaxUint64
	} else {
		g.freeQuanta += quantaToRelease
	}

	var granted []*AcquireContext
	for {
		head := g.waiters.peekFront()
		if head == nil || head.desired > g.freeQuanta {
			break
		}
		g.freeQuanta -= head.desired
		g.waiters.popFront()
		granted = append(granted, head)
	}
	g.mu.Unlock()

	if overflowed {
		g.log().Crit().
			Str("gate", g.label).
			Log("quota: ReleaseQuanta overflowed free_quanta, saturated at MaxUint64")
	} else if zeroRelease && obslog.AllowDiagnostic("quota.release-zero") {
		g.log().Info().
			Str("gate", g.label).
			Log("quota: ReleaseQuanta(0) used as a service-loop wake-up")
	}

	for _, w := range granted {
		g.completeWaiter(w, asyncctx.StatusSuccess)
	}
}

// completeWaiter finalizes one AcquireContext and releases the gate's
// activity reference it held while queued/granted-pending. Always
// invoked outside g.mu.
func (g *Gate) completeWaiter(w *AcquireContext, status asyncctx.Status) {
	w.Context.Complete(status)
	g.releaseActivity()
}

// releaseActivity decrements the gate's own activity count and, if it
// has just reached zero (only possible after Deactivate has run, since
// the self-reference taken in Activate keeps it positive until then),
// completes the activation context — which fires the caller's Activate
// callback.
func (g *Gate) releaseActivity() {
	remaining := g.acquireOrReleaseActivity(-1)
	if remaining == 0 {
		g.activation.Complete(asyncctx.StatusSuccess)
		g.mu.Lock()
		close(g.deactivated)
		g.mu.Unlock()
	} else if remaining < 0 {
		g.log().Crit().
			Str("gate", g.label).
			Int64("activity_count", remaining).
			Log("quota: gate activity count went negative")
		panic("quota: gate activity count invariant violated")
	}
}

func (g *Gate) acquireOrReleaseActivity(delta int64) int64 {
	g.mu.Lock()
	g.activityCount += delta
	v := g.activityCount
	g.mu.Unlock()
	return v
}
