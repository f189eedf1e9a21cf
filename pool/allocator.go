// Package pool implements a generic, size-adaptive lookaside cache.
//
// It exists to amortise allocation cost for short-lived objects that
// are created and released at high rates — principally, in this
// module, quota.AcquireContext instances. Its adaptive-depth algorithm
// is a direct port of the Kernel Template Library's KLookaside<T>
// (see klookaside.h in the Service Fabric source tree this package's
// design descends from): the free-list target depth grows under
// sustained misses and decays under light or absent traffic, rebalanced
// lazily, no more than once per configured interval.
package pool

import (
	"sync"
	"time"

	"github.com/fabricforge/asyncprim/internal/obslog"
)

// Tuning constants from the adaptive-depth algorithm. Preserved
// exactly, including the pair that look inconsistent at first glance:
// missRateThresholdPerMille is 5 (five per mille, i.e. 0.5%) — the
// comment in the source this was ported from calls it "0.5%" right
// next to the numeral 5, which is correct (5/1000 = 0.5%), not a typo;
// nothing here is "fixed" relative to that numeral.
const (
	lowTrafficAllocateThreshold = 75
	lowTrafficAdjustment        = 10
	missRateThresholdPerMille   = 5
	minGrowthDelta              = 5
	maxGrowthDelta              = 30
	growthDeltaDivisor          = 2000
)

// Factory produces a new T, for use when the free list is empty.
type Factory[T any] func() T

// Destructor releases resources held by a T that is being evicted from
// the free list (or discarded because the free list is already at
// target depth). It is always called outside the allocator's lock.
type Destructor[T any] func(T)

// Allocator is a bounded, self-tuning cache of reusable T values.
//
// All methods are safe for concurrent use. The internal lock is held
// only across constant-time free-list and statistics operations;
// Factory and Destructor are always invoked outside the lock, per the
// the concurrency model in this module's specification (allocator
// calls are always performed outside the gate/allocator lock).
type Allocator[T any] struct {
	factory     Factory[T]
	destructor  Destructor[T]
	minDepth    int
	maxDepth    int
	balanceGap  time.Duration
	label       string
	mu          sync.Mutex
	freeList    []T
	targetDepth int
	nextBalance time.Time
	allocates   uint64
	misses      uint64
}

// Option configures an Allocator constructed by New.
type Option[T any] func(*config[T])

type config[T any] struct {
	destructor Destructor[T]
	minDepth   int
	maxDepth   int
	balanceGap time.Duration
	label      string
}

// WithDestructor supplies a Destructor, invoked whenever a T is
// evicted from the free list or exceeds the current target depth on
// Free. If omitted, evicted values are simply dropped.
func WithDestructor[T any](d Destructor[T]) Option[T] {
	return func(c *config[T]) { c.destructor = d }
}

// WithMinDepth sets the floor the adaptive depth never drops below.
// Default 4, matching KLookaside's default MinimumDepth.
func WithMinDepth[T any](n int) Option[T] {
	return func(c *config[T]) { c.minDepth = n }
}

// WithMaxDepth sets the ceiling the adaptive depth never exceeds, and
// the capacity reserved for the free list up front (so Free can never
// fail to append). Default 256, matching KLookaside's default
// MaximumDepth.
func WithMaxDepth[T any](n int) Option[T] {
	return func(c *config[T]) { c.maxDepth = n }
}

// WithBalanceInterval sets the minimum wall-clock gap between depth
// rebalances. Default 3s, matching KLookaside's default
// BalanceIntervalInMs.
func WithBalanceInterval[T any](d time.Duration) Option[T] {
	return func(c *config[T]) { c.balanceGap = d }
}

// WithLabel attaches a short name to this allocator for diagnostic
// logging (e.g. "quota.acquire-context"). Optional.
func WithLabel[T any](label string) Option[T] {
	return func(c *config[T]) { c.label = label }
}

// New constructs an Allocator. factory must never be nil.
func New[T any](factory Factory[T], opts ...Option[T]) *Allocator[T] {
	if factory == nil {
		panic("pool: factory must not be nil")
	}

	c := config[T]{
		minDepth:   4,
		maxDepth:   256,
		balanceGap: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.minDepth < 0 {
		c.minDepth = 0
	}
	if c.maxDepth < c.minDepth {
		c.maxDepth = c.minDepth
	}

	return &Allocator[T]{
		factory:     factory,
		destructor:  c.destructor,
		minDepth:    c.minDepth,
		maxDepth:    c.maxDepth,
		balanceGap:  c.balanceGap,
		label:       c.label,
		freeList:    make([]T, 0, c.maxDepth),
		targetDepth: c.minDepth,
	}
}

// Allocate returns a T from the free list if one is available,
// otherwise calls the factory. The factory runs outside the lock.
func (a *Allocator[T]) Allocate() T {
	a.mu.Lock()
	a.rebalanceLocked(time.Now())
	a.allocates++

	n := len(a.freeList)
	if n > 0 {
		v := a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
		a.mu.Unlock()
		return v
	}

	a.misses++
	a.mu.Unlock()
	return a.factory()
}

// Free returns a T to the free list if the list is below target depth,
// otherwise calls the destructor. destructor runs outside the lock.
//
// Free never fails: the free list's backing array is reserved to
// maxDepth capacity at construction, so the append below can never
// reallocate or panic from an out-of-bounds invariant. If that
// invariant is ever violated (e.g. by a construction bug that shrank
// the slice below its reserved capacity), this is treated the same as
// any other contract break in this module: it logs and panics rather
// than silently corrupting the free list.
func (a *Allocator[T]) Free(v T) {
	a.mu.Lock()
	a.rebalanceLocked(time.Now())

	if len(a.freeList) < a.targetDepth {
		if cap(a.freeList) < a.targetDepth || len(a.freeList) == cap(a.freeList) {
			// Would have to reallocate: the maxDepth reservation was
			// violated. This can only happen if targetDepth somehow
			// exceeded maxDepth, which New and rebalanceLocked both
			// prevent.
			a.mu.Unlock()
			obslog.Get().Crit().
				Str("allocator", a.label).
				Int64("target_depth", int64(a.targetDepth)).
				Int64("free_list_cap", int64(cap(a.freeList))).
				Log("pool: free-list capacity invariant violated")
			panic("pool: free-list capacity invariant violated")
		}
		a.freeList = append(a.freeList, v)
		a.mu.Unlock()
		return
	}

	a.mu.Unlock()
	if a.destructor != nil {
		a.destructor(v)
	}
}

// Clear destroys every cached T via the Destructor (if any) and empties
// the free list.
func (a *Allocator[T]) Clear() {
	a.mu.Lock()
	items := a.freeList
	a.freeList = make([]T, 0, a.maxDepth)
	a.mu.Unlock()

	if a.destructor != nil {
		for _, v := range items {
			a.destructor(v)
		}
	}
}

// Count returns the current free-list length.
func (a *Allocator[T]) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.freeList)
}

// TargetDepth returns the current adaptive target depth, primarily for
// tests and diagnostics.
func (a *Allocator[T]) TargetDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.targetDepth
}

// rebalanceLocked runs the adaptive-depth algorithm if due. Must be
// called with a.mu held.
func (a *Allocator[T]) rebalanceLocked(now time.Time) {
	if now.Before(a.nextBalance) {
		return
	}
	a.nextBalance = now.Add(a.balanceGap)
	a.adjustDepthLocked()
}

// adjustDepthLocked implements KLookaside<T>::AdjustDepth exactly.
func (a *Allocator[T]) adjustDepthLocked() {
	switch {
	case a.allocates < lowTrafficAllocateThreshold:
		if a.targetDepth > lowTrafficAdjustment+a.minDepth {
			a.targetDepth -= lowTrafficAdjustment
		} else {
			a.targetDepth = a.minDepth
		}
	default:
		r := a.misses * 1000 / a.allocates
		if r < missRateThresholdPerMille {
			a.targetDepth--
			if a.targetDepth < a.minDepth {
				a.targetDepth = a.minDepth
			}
		} else {
			delta := int(r*uint64(a.maxDepth-a.targetDepth)) / growthDeltaDivisor + minGrowthDelta
			if delta > maxGrowthDelta {
				delta = maxGrowthDelta
			}
			if a.targetDepth+delta < a.maxDepth {
				a.targetDepth += delta
			} else {
				a.targetDepth = a.maxDepth
			}
		}
	}

	a.allocates = 0
	a.misses = 0
}
