package quota

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabricforge/asyncprim/asyncctx"
	"github.com/fabricforge/asyncprim/pool"
)

func TestGatePooledAcquireContextRecycles(t *testing.T) {
	var g *Gate
	factoryCalls := 0
	allocator := pool.New(func() *AcquireContext {
		factoryCalls++
		return NewAcquireContext(g)
	}, pool.WithMinDepth[*AcquireContext](1), pool.WithMaxDepth[*AcquireContext](4))

	g = New(WithAllocator(allocator), WithLabel(t.Name()))
	require.NoError(t, g.Activate(10, nil, nil))

	a1 := g.PooledAcquireContext()
	require.Equal(t, 1, factoryCalls)

	done := make(chan asyncctx.Status, 1)
	require.NoError(t, a1.StartAcquire(2, nil, func(s asyncctx.Status) { done <- s }))
	require.Equal(t, asyncctx.StatusSuccess, awaitStatus(t, done))

	g.ReleasePooledAcquireContext(a1)
	require.Equal(t, 1, allocator.Count())

	a2 := g.PooledAcquireContext()
	require.Same(t, a1, a2)
	require.Equal(t, 1, factoryCalls, "expected the pooled instance to be reused, not reallocated")
}
