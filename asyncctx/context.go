// Package asyncctx implements the activity-counted, cancellable,
// reusable operation state machine that every asynchronous operation
// in this module rides on.
//
// A Context moves through a small state machine:
//
//	Initialized --Start--> Operational --Complete(ok)-------> Completed
//	                           |                                  |
//	                           +--Cancel--> Cancelling -------> Completed
//	                           |                                  |
//	                           +--Complete(err)---------------> Completed
//	Completed --Reuse--> Initialized
//
// Completion callbacks are always dispatched on a worker goroutine,
// never inline on whichever goroutine called Complete — this lets
// higher layers (quota.Gate in particular) call Complete while holding
// their own lock without risking reentrant deadlock in the callback.
package asyncctx

import (
	"sync"
	"sync/atomic"

	"github.com/fabricforge/asyncprim/internal/worker"
)

// State is one of the Context lifecycle states.
type State int

const (
	// Initialized is the state of a freshly created or freshly reused
	// Context: not yet started.
	Initialized State = iota
	// Operational is the state between Start and Complete.
	Operational
	// Cancelling is entered from Operational when Cancel is observed;
	// it is a transient marker the owner may check before calling
	// Complete, not a state external callers wait on.
	Cancelling
	// Completed is the terminal state of one operational cycle.
	Completed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Initialized:
		return "Initialized"
	case Operational:
		return "Operational"
	case Cancelling:
		return "Cancelling"
	case Completed:
		return "Completed"
	default:
		return "Unknown"
	}
}

// Start returning ErrInvalidState (defined in status.go alongside the
// other terminal Status sentinels) is the one misuse case this
// module's specification calls out as a synchronous, recoverable
// failure rather than a process-aborting invariant violation, since a
// caller racing two Starts on one Context is something a caller can
// reasonably check for and retry past.

var (
	defaultDispatcher     *worker.Pool
	defaultDispatcherOnce sync.Once
)

func getDefaultDispatcher() *worker.Pool {
	defaultDispatcherOnce.Do(func() {
		defaultDispatcher = worker.New(4)
	})
	return defaultDispatcher
}

// SetDefaultDispatcher overrides the worker pool used by Contexts
// constructed with a nil dispatcher. Intended for embedding
// applications that want a single shared pool across every gate and
// context in the process; tests may also use it to inject a
// synchronous-for-testing dispatcher. Must be called before any
// Context using the default dispatcher starts.
func SetDefaultDispatcher(p *worker.Pool) {
	defaultDispatcherOnce.Do(func() {})
	defaultDispatcher = p
}

// Context is one asynchronous operation's state machine.
//
// The zero value is Initialized and ready to Start, using the package's
// default dispatcher; New exists so callers that want a dedicated
// worker.Pool (or that are embedding a Context, as quota.AcquireContext
// does) have somewhere to say so explicitly. A Context is safe for
// concurrent use: Start, Cancel, Complete, Reuse, and the readers below
// may all be called from different goroutines (though per Start's
// contract, at most one Start is ever in flight at a time per
// operational cycle).
type Context struct {
	mu         sync.Mutex
	state      State
	status     Status
	parent     *Context
	callback   func(Status)
	cancelReq  bool
	dispatcher *worker.Pool
	activity   atomic.Int64
}

// New constructs a Context in the Initialized state. dispatcher may be
// nil, in which case the package's default dispatcher is used.
func New(dispatcher *worker.Pool) *Context {
	return &Context{dispatcher: dispatcher}
}

// State returns the current state. Safe to call at any time, from any
// goroutine; useful for polling and tests. Unlike Status, it never
// panics.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CancelRequested reports whether Cancel has been called during the
// current operational cycle. Safe to call at any time.
func (c *Context) CancelRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelReq
}

// Activity returns the current activity count: the number of
// operations that have Start'd with this Context as their parent and
// have not yet completed, plus any manual AddActivity adjustments. It
// is informational bookkeeping only — this package takes no action
// when it reaches zero; callers that need a zero-activity trigger (as
// quota.Gate does, for its own deactivation-complete signal) implement
// that themselves against their own counter.
func (c *Context) Activity() int64 {
	return c.activity.Load()
}

// AddActivity adjusts the activity count directly. Exported so owners
// that model their own child relationships without routing every child
// through Start's parent parameter (quota.Gate's self-reference is one
// such case) can still use this Context's counter.
func (c *Context) AddActivity(delta int64) int64 {
	return c.activity.Add(delta)
}

// Start transitions Initialized -> Operational. If parent is non-nil,
// parent's activity count is incremented now and decremented when this
// Context completes. callback, if non-nil, is invoked exactly once,
// on a worker goroutine, after this Context reaches Completed.
//
// Start returns ErrInvalidState if the Context is not Initialized;
// this is the only synchronous failure mode — everything else is
// delivered through the completion callback (or absence thereof, for
// callers that poll Status instead).
func (c *Context) Start(parent *Context, callback func(Status)) error {
	c.mu.Lock()
	if c.state != Initialized {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.state = Operational
	c.parent = parent
	c.callback = callback
	c.cancelReq = false
	c.mu.Unlock()

	if parent != nil {
		parent.AddActivity(1)
	}
	return nil
}

// Cancel requests cancellation. It is idempotent and non-blocking: it
// only sets a flag (and, if the Context is still Operational, advances
// it to Cancelling so the owner can observe the request without a
// second map/flag); the owner decides when — and whether — to actually
// call Complete(StatusCancelled). Calling Cancel after the Context has
// already completed, or before it has started, is a harmless no-op.
func (c *Context) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelReq = true
	if c.state == Operational {
		c.state = Cancelling
	}
}

// Complete is the owner-internal transition to Completed. It is legal
// only from Operational or Cancelling; calling it from any other state
// is this package's caller (always internal: quota.Gate, or a test)
// breaking its own contract, so it is treated as an invariant
// violation rather than a recoverable error.
//
// Complete sets status, releases the parent's activity slot, then
// schedules the completion callback on a worker goroutine — never
// inline — so Complete itself never blocks waiting for the callback
// and the callback never runs on the completer's own goroutine.
func (c *Context) Complete(status Status) {
	c.mu.Lock()
	invariant(c.state == Operational || c.state == Cancelling, "Complete called outside Operational/Cancelling")

	c.state = Completed
	c.status = status
	parent := c.parent
	callback := c.callback
	dispatcher := c.dispatcher
	c.mu.Unlock()

	if parent != nil {
		parent.AddActivity(-1)
	}

	if callback != nil {
		if dispatcher == nil {
			dispatcher = getDefaultDispatcher()
		}
		dispatcher.Submit(func() { callback(status) })
	}
}

// Status returns the terminal outcome. Legal only after Completed;
// calling it earlier is a caller contract violation (an invariant
// violation), matching this module's specification ("legal only from
// Completed"). Use State to poll without risking a panic.
func (c *Context) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	invariant(c.state == Completed, "Status read before Completed")
	return c.status
}

// Reuse resets a Completed Context back to Initialized, clearing
// status, parent, and callback, without reallocating. Legal only from
// Completed; calling it from any other state is an invariant
// violation.
func (c *Context) Reuse() {
	c.mu.Lock()
	defer c.mu.Unlock()
	invariant(c.state == Completed, "Reuse called outside Completed")
	c.state = Initialized
	c.status = StatusNone
	c.parent = nil
	c.callback = nil
	c.cancelReq = false
}
