package quota

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fabricforge/asyncprim/asyncctx"
)

func awaitStatus(t *testing.T, ch <-chan asyncctx.Status) asyncctx.Status {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for acquire completion")
		return asyncctx.StatusNone
	}
}

func newActivatedGate(t *testing.T, initial uint64) *Gate {
	t.Helper()
	g := New(WithLabel(t.Name()))
	require.NoError(t, g.Activate(initial, nil, nil))
	return g
}

func TestGateImmediateAcquireWhenQuantaAvailable(t *testing.T) {
	g := newActivatedGate(t, 10)
	a := NewAcquireContext(g)
	done := make(chan asyncctx.Status, 1)

	require.NoError(t, a.StartAcquire(4, nil, func(s asyncctx.Status) { done <- s }))
	require.Equal(t, asyncctx.StatusSuccess, awaitStatus(t, done))
	require.Equal(t, uint64(6), g.GetFreeQuanta())
}

func TestGateFIFOOrderingAcrossWaiters(t *testing.T) {
	g := newActivatedGate(t, 0)

	var order []int
	recv := make(chan int, 3)

	a1 := NewAcquireContext(g)
	a2 := NewAcquireContext(g)
	a3 := NewAcquireContext(g)

	require.NoError(t, a1.StartAcquire(5, nil, func(asyncctx.Status) { recv <- 1 }))
	require.NoError(t, a2.StartAcquire(5, nil, func(asyncctx.Status) { recv <- 2 }))
	require.NoError(t, a3.StartAcquire(5, nil, func(asyncctx.Status) { recv <- 3 }))

	// Release exactly enough for one waiter at a time, and confirm they
	// are granted strictly in arrival order.
	g.ReleaseQuanta(5)
	order = append(order, <-recv)
	g.ReleaseQuanta(5)
	order = append(order, <-recv)
	g.ReleaseQuanta(5)
	order = append(order, <-recv)

	require.Equal(t, []int{1, 2, 3}, order)
}

func TestGateLargeRequestBlocksSmallerLaterRequest(t *testing.T) {
	g := newActivatedGate(t, 0)

	big := NewAcquireContext(g)
	small := NewAcquireContext(g)

	bigDone := make(chan asyncctx.Status, 1)
	smallDone := make(chan asyncctx.Status, 1)

	require.NoError(t, big.StartAcquire(10, nil, func(s asyncctx.Status) { bigDone <- s }))
	require.NoError(t, small.StartAcquire(1, nil, func(s asyncctx.Status) { smallDone <- s }))

	// Enough for the small request but not the big one: FIFO means the
	// small request must NOT jump the queue.
	g.ReleaseQuanta(5)

	select {
	case <-smallDone:
		t.Fatal("smaller later request must not be granted ahead of an earlier larger one")
	case <-time.After(50 * time.Millisecond):
	}

	g.ReleaseQuanta(6) // now 11 free: big is granted first, then small from the 1 left
	require.Equal(t, asyncctx.StatusSuccess, awaitStatus(t, bigDone))
	require.Equal(t, asyncctx.StatusSuccess, awaitStatus(t, smallDone))
}

func TestGateZeroDesiredBehindLargeStillQueuesInOrder(t *testing.T) {
	g := newActivatedGate(t, 0)

	big := NewAcquireContext(g)
	zero := NewAcquireContext(g)

	bigDone := make(chan asyncctx.Status, 1)
	zeroDone := make(chan asyncctx.Status, 1)

	require.NoError(t, big.StartAcquire(10, nil, func(s asyncctx.Status) { bigDone <- s }))
	require.NoError(t, zero.StartAcquire(0, nil, func(s asyncctx.Status) { zeroDone <- s }))

	select {
	case <-zeroDone:
		t.Fatal("a zero-quanta request queued behind an unsatisfied larger request must still wait its turn")
	case <-time.After(50 * time.Millisecond):
	}

	g.ReleaseQuanta(10)
	require.Equal(t, asyncctx.StatusSuccess, awaitStatus(t, bigDone))
	require.Equal(t, asyncctx.StatusSuccess, awaitStatus(t, zeroDone))
}

func TestGateCancelWhileQueuedRemovesFromWaiterList(t *testing.T) {
	g := newActivatedGate(t, 0)

	blocker := NewAcquireContext(g)
	victim := NewAcquireContext(g)

	blockerDone := make(chan asyncctx.Status, 1)
	victimDone := make(chan asyncctx.Status, 1)

	require.NoError(t, blocker.StartAcquire(10, nil, func(s asyncctx.Status) { blockerDone <- s }))
	require.NoError(t, victim.StartAcquire(1, nil, func(s asyncctx.Status) { victimDone <- s }))

	victim.Cancel()
	require.Equal(t, asyncctx.StatusCancelled, awaitStatus(t, victimDone))

	// The cancelled waiter must be fully unlinked: releasing enough for
	// only the blocker must grant the blocker, not resurrect victim.
	g.ReleaseQuanta(10)
	require.Equal(t, asyncctx.StatusSuccess, awaitStatus(t, blockerDone))
}

func TestGateDeactivateDrainsQueuedWaiters(t *testing.T) {
	g := newActivatedGate(t, 0)

	a1 := NewAcquireContext(g)
	a2 := NewAcquireContext(g)
	done1 := make(chan asyncctx.Status, 1)
	done2 := make(chan asyncctx.Status, 1)

	require.NoError(t, a1.StartAcquire(1, nil, func(s asyncctx.Status) { done1 <- s }))
	require.NoError(t, a2.StartAcquire(1, nil, func(s asyncctx.Status) { done2 <- s }))

	g.Deactivate()

	require.Equal(t, asyncctx.StatusShutdownPending, awaitStatus(t, done1))
	require.Equal(t, asyncctx.StatusShutdownPending, awaitStatus(t, done2))
}

func TestGateStartAcquireAfterDeactivateFailsWithShutdownPending(t *testing.T) {
	g := newActivatedGate(t, 5)
	g.Deactivate()

	a := NewAcquireContext(g)
	done := make(chan asyncctx.Status, 1)
	require.NoError(t, a.StartAcquire(1, nil, func(s asyncctx.Status) { done <- s }))
	require.Equal(t, asyncctx.StatusShutdownPending, awaitStatus(t, done))
}

func TestGateActivateCallbackFiresOnlyAfterFullDrain(t *testing.T) {
	g := New(WithLabel(t.Name()))
	activationDone := make(chan asyncctx.Status, 1)
	require.NoError(t, g.Activate(0, nil, func(s asyncctx.Status) { activationDone <- s }))

	waiter := NewAcquireContext(g)
	waiterDone := make(chan asyncctx.Status, 1)
	require.NoError(t, waiter.StartAcquire(1, nil, func(s asyncctx.Status) { waiterDone <- s }))

	g.Deactivate()

	// The waiter must drain before (or concurrently racing, but always
	// eventually alongside) the activation callback; both must fire.
	require.Equal(t, asyncctx.StatusShutdownPending, awaitStatus(t, waiterDone))
	require.Equal(t, asyncctx.StatusSuccess, awaitStatus(t, activationDone))
}

func TestGateStaleAcquireContextAcrossVersionsCancelIsNoop(t *testing.T) {
	g := newActivatedGate(t, 0)

	a := NewAcquireContext(g)
	done := make(chan asyncctx.Status, 1)
	require.NoError(t, a.StartAcquire(1, nil, func(s asyncctx.Status) { done <- s }))

	g.Deactivate()
	require.Equal(t, asyncctx.StatusShutdownPending, awaitStatus(t, done))

	g.Reuse()
	require.NoError(t, g.Activate(5, nil, nil))

	// a belongs to the prior version: cancelling it now must not touch
	// the new activation's waiter list or free quanta.
	a.Cancel()
	require.Equal(t, uint64(5), g.GetFreeQuanta())
}

func TestGateStaleAcquireContextAcrossVersionsStartAcquireFailsWithShutdownPending(t *testing.T) {
	g := newActivatedGate(t, 0)

	// Created (and its ownerVersion captured) under the first activation.
	stale := NewAcquireContext(g)

	g.Deactivate()
	g.Reuse()
	require.NoError(t, g.Activate(5, nil, nil)) // version has now advanced

	done := make(chan asyncctx.Status, 1)
	require.NoError(t, stale.StartAcquire(1, nil, func(s asyncctx.Status) { done <- s }))
	require.Equal(t, asyncctx.StatusShutdownPending, awaitStatus(t, done))

	// Must not have been granted against the new activation's free quanta.
	require.Equal(t, uint64(5), g.GetFreeQuanta())
}

func TestGateCancelImmediatelyAfterGrantIsNoop(t *testing.T) {
	g := newActivatedGate(t, 0)
	a := NewAcquireContext(g)
	done := make(chan asyncctx.Status, 1)
	require.NoError(t, a.StartAcquire(5, nil, func(s asyncctx.Status) { done <- s }))

	// ReleaseQuanta's service loop unlinks a from the waiter list (and, per
	// the fix under test, clears a.queued) synchronously, before dispatching
	// the completion callback. A Cancel racing in right after must observe
	// the cleared flag and no-op rather than double-completing a or
	// corrupting the waiter list.
	g.ReleaseQuanta(5)
	a.Cancel()

	require.Equal(t, asyncctx.StatusSuccess, awaitStatus(t, done))
}

func TestGateReleaseQuantaOverflowSaturates(t *testing.T) {
	g := newActivatedGate(t, math.MaxUint64-1)
	g.ReleaseQuanta(10)
	require.Equal(t, uint64(math.MaxUint64), g.GetFreeQuanta())
}

func TestAwaitGrantedImmediately(t *testing.T) {
	g := newActivatedGate(t, 3)
	a := NewAcquireContext(g)

	status, err := a.Await(context.Background(), 3, nil)
	require.NoError(t, err)
	require.Equal(t, asyncctx.StatusSuccess, status)
}

func TestAwaitContextCancelledWhileQueued(t *testing.T) {
	g := newActivatedGate(t, 0)
	a := NewAcquireContext(g)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Await(ctx, 1, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDeactivateAsyncWaitsForDrain(t *testing.T) {
	g := newActivatedGate(t, 0)
	a := NewAcquireContext(g)
	done := make(chan asyncctx.Status, 1)
	require.NoError(t, a.StartAcquire(1, nil, func(s asyncctx.Status) { done <- s }))

	err := DeactivateAsync(context.Background(), g)
	require.NoError(t, err)
	require.Equal(t, asyncctx.StatusShutdownPending, awaitStatus(t, done))
}
