package zone

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/autozone/internal/format"
	"github.com/joshuapare/autozone/zone/freelist"
	"github.com/joshuapare/autozone/zone/sidedata"
)

// Test_Admin_Conservation checks that carved bytes are always split exactly
// between live blocks and the free lists.
func Test_Admin_Conservation(t *testing.T) {
	z, rec := newTestZone(t)

	sizes := []uintptr{1, 16, 17, 48, 100, 256, 1000, 1024, 33, 64}
	var blocks []uintptr
	for round := 0; round < 20; round++ {
		for _, s := range sizes {
			blocks = append(blocks, mustAllocate(t, z, s+uintptr(round), Scanned))
		}
	}
	live := map[uintptr]bool{}
	for i, b := range blocks {
		if i%3 == 0 {
			require.NoError(t, z.Free(b))
			continue
		}
		live[b] = true
	}

	var liveBytes uintptr
	for b := range live {
		if sz := z.subzoneFor(b); sz == nil || sz.admin != z.small {
			continue
		}
		liveBytes += z.Size(b)
	}

	cs := z.small.classStats()
	require.Equal(t, cs.CommittedBytes, liveBytes+cs.FreeBytes)
	require.NoError(t, z.Verify())
	require.Zero(t, rec.count())
}

// Test_Admin_ConservationAllFreed frees every block of both size classes and
// checks that every carved byte is back on the free lists.
func Test_Admin_ConservationAllFreed(t *testing.T) {
	z, rec := newTestZone(t)

	sizes := []uintptr{1, 16, 17, 48, 100, 256, 1000, 1024, 2000, 5000, 33, 64}
	var blocks []uintptr
	for round := 0; round < 20; round++ {
		for _, s := range sizes {
			blocks = append(blocks, mustAllocate(t, z, s+uintptr(round), Scanned))
		}
	}
	// Free in an order that exercises both coalescing directions.
	for i := 0; i < len(blocks); i += 2 {
		require.NoError(t, z.Free(blocks[i]))
	}
	for i := 1; i < len(blocks); i += 2 {
		require.NoError(t, z.Free(blocks[i]))
	}

	for _, cs := range []ClassStats{z.small.classStats(), z.medium.classStats()} {
		require.NotZero(t, cs.CommittedBytes)
		require.Equal(t, cs.CommittedBytes, cs.FreeBytes)
	}
	require.NoError(t, z.Verify())
	require.Zero(t, rec.count())
}

// Test_Admin_CoalesceBackward frees two adjacent blocks in address order; the
// second merges with the run before it.
func Test_Admin_CoalesceBackward(t *testing.T) {
	z, _ := newTestZone(t)

	a := mustAllocate(t, z, 32, Scanned)
	b := mustAllocate(t, z, 32, Scanned)
	_ = mustAllocate(t, z, 32, Scanned) // keeps b off the cursor
	require.Equal(t, a+32, b)

	require.NoError(t, z.Free(a))
	require.NoError(t, z.Free(b))

	require.Equal(t, 0, z.small.buckets[2].Len())
	require.Equal(t, 1, z.small.buckets[4].Len())
	require.Equal(t, a, z.small.buckets[4].Head())

	node := freelist.NodeAt(z.arena, a)
	require.Equal(t, uintptr(64), node.Size())
	require.Equal(t, node.Size(), node.SizeAgain())
	require.NoError(t, z.Verify())
}

// Test_Admin_CoalesceForward frees the later block first.
func Test_Admin_CoalesceForward(t *testing.T) {
	z, _ := newTestZone(t)

	a := mustAllocate(t, z, 32, Scanned)
	b := mustAllocate(t, z, 32, Scanned)
	_ = mustAllocate(t, z, 32, Scanned)

	require.NoError(t, z.Free(b))
	require.Equal(t, 1, z.small.buckets[2].Len())
	require.NoError(t, z.Free(a))

	require.Equal(t, 0, z.small.buckets[2].Len())
	require.Equal(t, 1, z.small.buckets[4].Len())
	require.Equal(t, uintptr(64), freelist.NodeAt(z.arena, a).Size())
	require.Equal(t, int64(1), z.small.stats.CoalesceForward)
	require.NoError(t, z.Verify())
}

// Test_Admin_DoubleFreeAfterForwardCoalesce frees b, then a, which absorbs
// b's run. Freeing b again lands inside a's run.
func Test_Admin_DoubleFreeAfterForwardCoalesce(t *testing.T) {
	z, rec := newTestZone(t)

	a := mustAllocate(t, z, 32, Scanned)
	b := mustAllocate(t, z, 32, Scanned)
	_ = mustAllocate(t, z, 32, Scanned)

	require.NoError(t, z.Free(b))
	require.NoError(t, z.Free(a))
	require.Equal(t, sidedata.Entry(0), z.subzoneFor(b).entry(z.subzoneFor(b).quantumIndex(b)))

	require.ErrorIs(t, z.Free(b), ErrDoubleFree)
	require.ErrorIs(t, z.Free(a), ErrDoubleFree)
	require.Equal(t, 2, rec.count())
	require.ErrorIs(t, rec.last(), ErrDoubleFree)

	require.Equal(t, 1, z.small.buckets[4].Len())
	require.Equal(t, int64(2), z.Stats().Frees)
	require.NoError(t, z.Verify())
}

// Test_Admin_DoubleFreeAfterBackwardCoalesce frees a, then b, which merges
// into a's run. Freeing b again must still be a double free, while an
// interior address of a live block stays a bad address.
func Test_Admin_DoubleFreeAfterBackwardCoalesce(t *testing.T) {
	z, rec := newTestZone(t)

	a := mustAllocate(t, z, 32, Scanned)
	b := mustAllocate(t, z, 32, Scanned)
	c := mustAllocate(t, z, 32, Scanned)

	require.NoError(t, z.Free(a))
	require.NoError(t, z.Free(b))

	require.ErrorIs(t, z.Free(b), ErrDoubleFree)
	require.ErrorIs(t, z.Free(c+16), ErrBadAddress)
	require.Equal(t, 2, rec.count())

	require.True(t, z.IsValid(c))
	require.NoError(t, z.Free(c))
	require.Equal(t, int64(3), z.Stats().Frees)
	require.NoError(t, z.Verify())
}

// Test_Admin_DamagedTrailingSizeIsLogged damages the trailing size of a free
// run. The block freed after it is kept as its own run, and the damage is
// both reported to the hook and logged.
func Test_Admin_DamagedTrailingSizeIsLogged(t *testing.T) {
	var buf bytes.Buffer
	z, rec := newTestZone(t, func(o *Options) {
		o.Logger = slog.New(slog.NewTextHandler(&buf, nil))
	})

	a := mustAllocate(t, z, 64, Scanned)
	b := mustAllocate(t, z, 32, Scanned)
	_ = mustAllocate(t, z, 32, Scanned)

	require.NoError(t, z.Free(a))
	z.arena.Store(b-format.WordSize, 48)

	require.NoError(t, z.Free(b))
	require.ErrorIs(t, rec.last(), ErrCorruption)
	require.Contains(t, buf.String(), "backward coalesce skipped")
	require.Equal(t, b, z.small.buckets[2].Head())
}

// Test_Admin_SingleQuantumRuns covers runs too short to record their size.
func Test_Admin_SingleQuantumRuns(t *testing.T) {
	z, _ := newTestZone(t)

	a := mustAllocate(t, z, 16, Scanned)
	b := mustAllocate(t, z, 16, Scanned)
	c := mustAllocate(t, z, 16, Scanned)
	_ = mustAllocate(t, z, 16, Scanned)

	require.NoError(t, z.Free(a))
	require.NoError(t, z.Free(c))
	require.Equal(t, 2, z.small.buckets[1].Len())

	// b merges with both neighbours.
	require.NoError(t, z.Free(b))
	require.Equal(t, 0, z.small.buckets[1].Len())
	require.Equal(t, 1, z.small.buckets[3].Len())
	require.Equal(t, uintptr(48), freelist.NodeAt(z.arena, a).Size())
	require.NoError(t, z.Verify())
}

// Test_Admin_GuardModeDoesNotCoalesce checks that guard mode keeps freed
// blocks apart.
func Test_Admin_GuardModeDoesNotCoalesce(t *testing.T) {
	z, _ := newTestZone(t, func(o *Options) { o.GuardPages = true })

	a := mustAllocate(t, z, 32, Scanned)
	b := mustAllocate(t, z, 32, Scanned)
	_ = mustAllocate(t, z, 32, Scanned)

	require.NoError(t, z.Free(a))
	require.NoError(t, z.Free(b))

	require.Equal(t, 2, z.small.buckets[2].Len())
	require.Equal(t, 0, z.small.buckets[4].Len())
	require.Zero(t, z.small.stats.CoalesceForward+z.small.stats.CoalesceBackward)
	require.NoError(t, z.Verify())
}

// Test_Admin_OversizedRunSplits carves a small request out of a run longer
// than the largest small block.
func Test_Admin_OversizedRunSplits(t *testing.T) {
	z, _ := newTestZone(t)

	a := mustAllocate(t, z, format.SmallMaxSize, Scanned)
	b := mustAllocate(t, z, format.SmallMaxSize, Scanned)
	c := mustAllocate(t, z, format.SmallMaxSize, Scanned)
	_ = mustAllocate(t, z, format.SmallMaxSize, Scanned)

	require.NoError(t, z.Free(a))
	require.NoError(t, z.Free(b))
	require.NoError(t, z.Free(c))
	require.Equal(t, 1, z.small.buckets[0].Len())
	require.Equal(t, uintptr(3*format.SmallMaxSize), freelist.NodeAt(z.arena, a).Size())

	splits := z.small.stats.Splits
	d := mustAllocate(t, z, 16, Scanned)
	require.Equal(t, a, d)
	require.Equal(t, splits+1, z.small.stats.Splits)

	require.Equal(t, 1, z.small.buckets[0].Len())
	rest := freelist.NodeAt(z.arena, a+16)
	require.Equal(t, uintptr(3*format.SmallMaxSize-16), rest.Size())
	require.NoError(t, z.Verify())
}

// Test_Admin_BestFitPrefersExactBucket checks that an exact-size run wins
// over a larger one.
func Test_Admin_BestFitPrefersExactBucket(t *testing.T) {
	z, _ := newTestZone(t)

	big := mustAllocate(t, z, 128, Scanned)
	_ = mustAllocate(t, z, 16, Scanned)
	exact := mustAllocate(t, z, 48, Scanned)
	_ = mustAllocate(t, z, 16, Scanned)

	require.NoError(t, z.Free(big))
	require.NoError(t, z.Free(exact))

	got := mustAllocate(t, z, 40, Scanned)
	require.Equal(t, exact, got)
	require.Equal(t, uintptr(48), z.Size(got))
}

// Test_Admin_ThreadCacheBatch checks that a thread cache refill carves a
// whole batch under one lock.
func Test_Admin_ThreadCacheBatch(t *testing.T) {
	z, _ := newTestZone(t)
	th := registerThread(t, z)

	_, err := th.Allocate(16, Scanned, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), z.small.stats.CacheRefills)
	require.Len(t, th.cache[1], format.DefaultThreadCacheBatch-1)

	for i := 1; i < format.DefaultThreadCacheBatch; i++ {
		_, err := th.Allocate(16, Scanned, 0)
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), z.small.stats.CacheRefills)
	require.Empty(t, th.cache[1])

	_, err = th.Allocate(16, Scanned, 0)
	require.NoError(t, err)
	require.Equal(t, int64(2), z.small.stats.CacheRefills)
}

// Test_Admin_CachedBlocksAreNotBlocks checks that cached blocks are neither
// allocated blocks nor free runs.
func Test_Admin_CachedBlocksAreNotBlocks(t *testing.T) {
	z, _ := newTestZone(t)
	th := registerThread(t, z)

	addr, err := th.Allocate(16, Scanned, 0)
	require.NoError(t, err)

	cached := th.cache[1][0]
	require.False(t, z.IsValid(cached))
	sz := z.subzoneFor(cached)
	require.Equal(t, sidedata.Cached(), sz.entry(sz.quantumIndex(cached)))
	require.Zero(t, smallFree(z))

	require.True(t, z.IsValid(addr))
	require.NoError(t, z.Verify())
}

// Test_Admin_IntegrityCheckCatchesDamagedNode corrupts a free-list node and
// checks that the next reuse reports it.
func Test_Admin_IntegrityCheckCatchesDamagedNode(t *testing.T) {
	z, rec := newTestZone(t, func(o *Options) { o.IntegrityChecks = true })

	a := mustAllocate(t, z, 64, Scanned)
	_ = mustAllocate(t, z, 16, Scanned)
	require.NoError(t, z.Free(a))

	// Trailing size no longer matches.
	z.arena.Store(a+64-format.WordSize, 12345)
	require.ErrorIs(t, z.Verify(), ErrCorruption)

	_, err := z.Allocate(64, Scanned, 0)
	require.ErrorIs(t, err, ErrCorruption)
	require.ErrorIs(t, rec.last(), ErrCorruption)
}
