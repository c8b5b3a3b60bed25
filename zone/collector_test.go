package zone

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/autozone/internal/format"
	"github.com/joshuapare/autozone/zone/freelist"
	"github.com/joshuapare/autozone/zone/sidedata"
)

// Test_Collect_RootScenario: a root holds a, a holds b, c is unreachable.
func Test_Collect_RootScenario(t *testing.T) {
	z, rec := newTestZone(t)
	ctx := t.Context()

	a, b, r := collectRootScenario(t, z)

	// Dropping the root releases the rest.
	require.NoError(t, z.StoreRoot(r, 0))
	st, err := z.Collect(ctx, Full)
	require.NoError(t, err)
	require.Equal(t, 2, st.Reclaimed)
	require.False(t, z.IsValid(a))
	require.False(t, z.IsValid(b))
	requireOneFreeRun(t, z, a, 192)

	s := z.Stats()
	require.Equal(t, int64(2), s.Collections)
	require.Equal(t, int64(2), s.FullCollections)
	require.Equal(t, int64(3), s.Reclaimed)
	require.Zero(t, rec.count())
	require.NoError(t, z.Verify())
}

// Test_Collect_RootScenarioUnregister drops the root by unregistering it
// instead of clearing it.
func Test_Collect_RootScenarioUnregister(t *testing.T) {
	z, rec := newTestZone(t)

	a, b, r := collectRootScenario(t, z)
	z.UnregisterRoot(r)
	require.Zero(t, z.RootCount())

	st, err := z.Collect(t.Context(), Full)
	require.NoError(t, err)
	require.Equal(t, 2, st.Reclaimed)
	require.Equal(t, uintptr(128), st.ReclaimedBytes)
	require.False(t, z.IsValid(a))
	require.False(t, z.IsValid(b))
	requireOneFreeRun(t, z, a, 192)
	require.Zero(t, rec.count())
	require.NoError(t, z.Verify())
}

// collectRootScenario builds root -> a -> b plus an unreachable c, all 64
// bytes and adjacent, and runs one full collection that must reclaim only c.
func collectRootScenario(t *testing.T, z *Zone) (uintptr, uintptr, *Root) {
	t.Helper()

	a := mustAllocate(t, z, 64, Scanned)
	b := mustAllocate(t, z, 64, Scanned)
	c := mustAllocate(t, z, 64, Scanned)
	require.Equal(t, a+64, b)
	require.Equal(t, b+64, c)
	mustStore(t, z, a, b)
	r := mustRoot(t, z, a)

	st, err := z.Collect(t.Context(), Full)
	require.NoError(t, err)
	require.Equal(t, Full, st.Mode)
	require.True(t, z.IsValid(a))
	require.True(t, z.IsValid(b))
	require.False(t, z.IsValid(c))
	require.Equal(t, 1, st.Reclaimed)
	require.Equal(t, uintptr(64), st.ReclaimedBytes)
	require.Equal(t, int64(2), st.Marked)
	require.Equal(t, 2, z.markedBlocks())

	// c's four quanta are the only free run.
	require.Equal(t, 1, z.small.buckets[4].Len())
	require.Equal(t, c, z.small.buckets[4].Head())
	require.Equal(t, uintptr(64), smallFree(z))
	return a, b, r
}

// requireOneFreeRun checks that the small admin's free lists hold exactly
// one run, starting at addr and size bytes long.
func requireOneFreeRun(t *testing.T, z *Zone, addr, size uintptr) {
	t.Helper()
	n := int(size >> format.SmallQuantumLog2)
	for i := range z.small.buckets {
		want := 0
		if i == z.small.bucketFor(n) {
			want = 1
		}
		require.Equal(t, want, z.small.buckets[i].Len(), "bucket %d", i)
	}
	require.Equal(t, addr, z.small.buckets[z.small.bucketFor(n)].Head())
	require.Equal(t, size, freelist.NodeAt(z.arena, addr).Size())
	require.Equal(t, size, smallFree(z))
	require.Equal(t, size, z.small.classStats().CommittedBytes)
}

// Test_Collect_MarkIsIdempotent checks the test-and-set contract and that a
// diamond is scanned once per block.
func Test_Collect_MarkIsIdempotent(t *testing.T) {
	z, _ := newTestZone(t)

	a := mustAllocate(t, z, 64, Scanned)
	sz := z.subzoneFor(a)
	q := sz.quantumIndex(a)
	require.False(t, sz.testSetMark(q))
	require.True(t, sz.testSetMark(q))
	require.True(t, sz.isMarked(q))

	b := mustAllocate(t, z, 64, Scanned)
	c := mustAllocate(t, z, 64, Scanned)
	d := mustAllocate(t, z, 64, Scanned)
	mustStore(t, z, a, b)
	mustStore(t, z, a+8, c)
	mustStore(t, z, b, d)
	mustStore(t, z, c, d)
	_ = mustRoot(t, z, a)

	st, err := z.Collect(t.Context(), Full)
	require.NoError(t, err)
	require.Equal(t, int64(4), st.Marked)
	require.Equal(t, int64(4), st.Scanned)
	require.Zero(t, st.Reclaimed)
}

// Test_Collect_Generational ages a rooted block until it is old, then checks
// that a partial collection reaches a young block stored into it only
// through its marked card.
func Test_Collect_Generational(t *testing.T) {
	z, _ := newTestZone(t)
	ctx := t.Context()

	a := mustAllocate(t, z, 64, Scanned)
	_ = mustRoot(t, z, a)
	sz := z.subzoneFor(a)

	promoted := 0
	for range 3 {
		st, err := z.Collect(ctx, Full)
		require.NoError(t, err)
		promoted += st.Promoted
	}
	require.Equal(t, 1, promoted)
	bi, _ := z.BlockInfo(a)
	require.Equal(t, sidedata.EldestAge, bi.Age)
	require.False(t, sz.barrier.IsCardMarked(a))

	// The first partial scans the cards left untouched by the full
	// collections once and clears them.
	_, err := z.Collect(ctx, Partial)
	require.NoError(t, err)
	require.False(t, sz.barrier.RangeHasMarkedCards(a, 64))

	b := mustAllocate(t, z, 64, Scanned)
	mustStore(t, z, a+8, b)
	require.True(t, sz.barrier.IsCardMarked(a+8))

	var mu sync.Mutex
	var ranges [][2]uintptr
	z.onBarrierScan = func(start, end uintptr) {
		mu.Lock()
		ranges = append(ranges, [2]uintptr{start, end})
		mu.Unlock()
	}
	defer func() { z.onBarrierScan = nil }()

	st, err := z.Collect(ctx, Partial)
	require.NoError(t, err)
	require.Equal(t, [][2]uintptr{{a, a + 64}}, ranges)
	require.Equal(t, int64(1), st.CardRanges)
	require.True(t, z.IsValid(b))
	require.True(t, z.IsValid(a))

	// b is still young, so the card stays marked for the next partial.
	require.True(t, sz.barrier.IsCardMarked(a+8))
}

// Test_Collect_PartialKeepsOldBlocks checks that only a full collection
// reclaims an unreachable old block.
func Test_Collect_PartialKeepsOldBlocks(t *testing.T) {
	z, _ := newTestZone(t)
	ctx := t.Context()

	a := mustAllocate(t, z, 64, Scanned)
	r := mustRoot(t, z, a)
	for range 3 {
		_, err := z.Collect(ctx, Full)
		require.NoError(t, err)
	}
	z.UnregisterRoot(r)
	require.Zero(t, z.RootCount())

	young := mustAllocate(t, z, 64, Scanned)
	st, err := z.Collect(ctx, Partial)
	require.NoError(t, err)
	require.Equal(t, 1, st.Reclaimed)
	require.False(t, z.IsValid(young))
	require.True(t, z.IsValid(a))

	st, err = z.Collect(ctx, Full)
	require.NoError(t, err)
	require.Equal(t, 1, st.Reclaimed)
	require.False(t, z.IsValid(a))
}

// Test_Collect_YoungReachableFromOldSurvivesPartials stores a young block
// into an old one and runs partials until it is old too.
func Test_Collect_YoungReachableFromOldSurvivesPartials(t *testing.T) {
	z, _ := newTestZone(t)
	ctx := t.Context()

	a := mustAllocate(t, z, 256, Scanned)
	_ = mustRoot(t, z, a)
	for range 3 {
		_, err := z.Collect(ctx, Full)
		require.NoError(t, err)
	}

	b := mustAllocate(t, z, 64, Scanned)
	c := mustAllocate(t, z, 64, Scanned)
	mustStore(t, z, a+200, b)
	mustStore(t, z, b, c)

	for range 5 {
		_, err := z.Collect(ctx, Partial)
		require.NoError(t, err)
		require.True(t, z.IsValid(b))
		require.True(t, z.IsValid(c))
	}
	bi, _ := z.BlockInfo(b)
	require.Equal(t, sidedata.EldestAge, bi.Age)
}

// Test_Collect_OverflowRetriesInBitmapMode forces the scan stack to overflow.
func Test_Collect_OverflowRetriesInBitmapMode(t *testing.T) {
	z, _ := newTestZone(t, func(o *Options) { o.ScanStackLimit = 2 })

	root := mustAllocate(t, z, 64, Scanned)
	var leaves []uintptr
	for i := range 8 {
		leaf := mustAllocate(t, z, 32, Scanned)
		mustStore(t, z, root+uintptr(i)*format.WordSize, leaf)
		leaves = append(leaves, leaf)
	}
	garbage := mustAllocate(t, z, 32, Scanned)
	_ = mustRoot(t, z, root)

	st, err := z.Collect(t.Context(), Full)
	require.NoError(t, err)
	require.Equal(t, 1, st.Retries)
	require.Equal(t, int64(9), st.Marked)
	require.Equal(t, 1, st.Reclaimed)
	for _, l := range leaves {
		require.True(t, z.IsValid(l))
	}
	require.False(t, z.IsValid(garbage))
	require.Equal(t, int64(1), z.Stats().OverflowRetries)
}

// Test_Collect_ParallelBitmapDrain spreads a graph over several regions and
// drains it with several workers.
func Test_Collect_ParallelBitmapDrain(t *testing.T) {
	z, _ := newTestZone(t, func(o *Options) {
		o.SubzonesPerRegion = 1
		o.ScanStackLimit = 1
		o.ScanWorkers = 4
	})

	root := mustAllocate(t, z, 64, Scanned)
	var chain []uintptr
	for range 10 {
		m := mustAllocate(t, z, format.MediumMaxSize, Scanned)
		if n := len(chain); n > 0 {
			mustStore(t, z, chain[n-1]+format.MediumMaxSize-format.WordSize, m)
		}
		chain = append(chain, m)
	}
	leaf := mustAllocate(t, z, 16, Scanned)
	mustStore(t, z, chain[9], leaf)
	mustStore(t, z, root, chain[0])
	mustStore(t, z, root+8, chain[5])

	var dead []uintptr
	for range 9 {
		dead = append(dead, mustAllocate(t, z, format.MediumMaxSize, Scanned))
	}
	for i := 1; i < len(dead); i++ {
		mustStore(t, z, dead[i-1], dead[i])
	}
	_ = mustRoot(t, z, root)
	require.Greater(t, z.Stats().Regions, 2)

	st, err := z.Collect(t.Context(), Full)
	require.NoError(t, err)
	require.Equal(t, 1, st.Retries)
	require.Equal(t, int64(12), st.Marked)
	require.Equal(t, len(dead), st.Reclaimed)
	for _, m := range chain {
		require.True(t, z.IsValid(m))
	}
	require.True(t, z.IsValid(leaf))
	for _, m := range dead {
		require.False(t, z.IsValid(m))
	}
	require.NoError(t, z.Verify())
}

func Test_Collect_RetainedBlocksAreRoots(t *testing.T) {
	z, _ := newTestZone(t)
	ctx := t.Context()

	a, err := z.Allocate(64, Scanned, RefcountOne)
	require.NoError(t, err)
	b := mustAllocate(t, z, 64, Scanned)
	mustStore(t, z, a, b)

	_, err = z.Collect(ctx, Full)
	require.NoError(t, err)
	require.True(t, z.IsValid(a))
	require.True(t, z.IsValid(b))

	n, err := z.Release(a)
	require.NoError(t, err)
	require.Zero(t, n)
	st, err := z.Collect(ctx, Full)
	require.NoError(t, err)
	require.Equal(t, 2, st.Reclaimed)
}

func Test_Collect_Associations(t *testing.T) {
	z, _ := newTestZone(t)
	ctx := t.Context()

	owner := mustAllocate(t, z, 64, Scanned)
	value := mustAllocate(t, z, 64, Unscanned)
	r := mustRoot(t, z, owner)
	require.NoError(t, z.SetAssociation(owner, 42, value))

	_, err := z.Collect(ctx, Full)
	require.NoError(t, err)
	require.True(t, z.IsValid(value))
	got, ok := z.Association(owner, 42)
	require.True(t, ok)
	require.Equal(t, value, got)

	// An association owned by an associated value is traced too.
	inner := mustAllocate(t, z, 64, Unscanned)
	value2 := mustAllocate(t, z, 64, Scanned)
	require.NoError(t, z.SetAssociation(owner, 43, value2))
	require.NoError(t, z.SetAssociation(value2, 1, inner))
	_, err = z.Collect(ctx, Full)
	require.NoError(t, err)
	require.True(t, z.IsValid(inner))

	require.NoError(t, z.SetAssociation(owner, 43, 0))
	_, ok = z.Association(owner, 43)
	require.False(t, ok)

	require.NoError(t, z.StoreRoot(r, 0))
	st, err := z.Collect(ctx, Full)
	require.NoError(t, err)
	require.Equal(t, 4, st.Reclaimed)
	_, ok = z.Association(owner, 42)
	require.False(t, ok)
	require.Empty(t, z.assoc)
}

func Test_Collect_Hooks(t *testing.T) {
	var mu sync.Mutex
	invalidated := map[uintptr]uintptr{}
	var weak [][]uintptr
	z, _ := newTestZone(t, func(o *Options) {
		o.Invalidate = func(addr, size uintptr) {
			mu.Lock()
			invalidated[addr] = size
			mu.Unlock()
		}
		o.ClearWeak = func(garbage []uintptr) {
			mu.Lock()
			weak = append(weak, append([]uintptr(nil), garbage...))
			mu.Unlock()
		}
	})

	keep := mustAllocate(t, z, 64, Scanned)
	_ = mustRoot(t, z, keep)
	g1 := mustAllocate(t, z, 64, Scanned)
	g2 := mustAllocate(t, z, 300<<10, Unscanned)

	_, err := z.Collect(t.Context(), Full)
	require.NoError(t, err)
	require.Equal(t, map[uintptr]uintptr{g1: 64, g2: 300 << 10}, invalidated)
	require.Len(t, weak, 1)
	require.ElementsMatch(t, []uintptr{g1, g2}, weak[0])

	// Nothing to reclaim: no weak callback.
	_, err = z.Collect(t.Context(), Full)
	require.NoError(t, err)
	require.Len(t, weak, 1)
}

// Test_Collect_CondemnedBlocks frees and resurrects blocks from inside the
// invalidation hook, while they are condemned.
func Test_Collect_CondemnedBlocks(t *testing.T) {
	var z *Zone
	var freeErrs, storeErrs []error
	var keep uintptr
	z, rec := newTestZone(t, func(o *Options) {
		o.Invalidate = func(addr, _ uintptr) {
			freeErrs = append(freeErrs, z.Free(addr))
			storeErrs = append(storeErrs, z.Store(keep, addr))
		}
	})

	keep = mustAllocate(t, z, 64, Scanned)
	_ = mustRoot(t, z, keep)
	g := mustAllocate(t, z, 64, Scanned)
	big := mustAllocate(t, z, 300<<10, Unscanned)

	st, err := z.Collect(t.Context(), Full)
	require.NoError(t, err)
	require.Equal(t, 2, st.Reclaimed)
	require.False(t, z.IsValid(g))
	require.False(t, z.IsValid(big))

	require.Equal(t, []error{nil, nil}, freeErrs)
	require.Len(t, storeErrs, 2)
	for _, err := range storeErrs {
		require.ErrorIs(t, err, ErrResurrection)
	}
	require.Equal(t, 2, rec.count())
	require.Zero(t, z.Stats().Frees)
	require.NoError(t, z.Verify())
}

func Test_Collect_ExactLayout(t *testing.T) {
	z, _ := newTestZone(t, func(o *Options) {
		// Word 0 holds a reference, the rest is data.
		o.LayoutProvider = func(addr uintptr) []byte { return []byte{0x01, 0x00} }
	})

	obj := mustAllocate(t, z, 64, Object)
	x := mustAllocate(t, z, 16, Unscanned)
	y := mustAllocate(t, z, 16, Unscanned)
	mustStore(t, z, obj, x)
	mustStore(t, z, obj+16, y)

	// Plain scanned blocks stay conservative.
	plain := mustAllocate(t, z, 64, Scanned)
	w := mustAllocate(t, z, 16, Unscanned)
	mustStore(t, z, plain+16, w)

	_ = mustRoot(t, z, obj)
	_ = mustRoot(t, z, plain)

	_, err := z.Collect(t.Context(), Full)
	require.NoError(t, err)
	require.True(t, z.IsValid(x))
	require.False(t, z.IsValid(y))
	require.True(t, z.IsValid(w))
}

func Test_Collect_ScanExact(t *testing.T) {
	z, _ := newTestZone(t)
	blk := mustAllocate(t, z, 256, Unscanned)
	ref := mustAllocate(t, z, 16, Unscanned)
	for i := range 32 {
		z.arena.Store(blk+uintptr(i)*format.WordSize, ref)
	}

	var seen []uintptr
	// skip 1 scan 2, skip 3 scan 1, end.
	z.scanExact(blk, 256, []byte{0x12, 0x31, 0x00, 0x0f}, func(at, _ uintptr) {
		seen = append(seen, (at-blk)/format.WordSize)
	})
	require.Equal(t, []uintptr{1, 2, 6}, seen)
}

func Test_Collect_Exhaustive(t *testing.T) {
	z, _ := newTestZone(t)
	for range 3 {
		_ = mustAllocate(t, z, 64, Scanned)
	}
	st, err := z.CollectExhaustive(t.Context())
	require.NoError(t, err)
	require.Equal(t, 3, st.Reclaimed)
	require.Equal(t, int64(2), z.Stats().Collections)
}

func Test_Collect_Cancelled(t *testing.T) {
	z, _ := newTestZone(t)
	a := mustAllocate(t, z, 64, Scanned)
	g := mustAllocate(t, z, 64, Scanned)
	_ = mustRoot(t, z, a)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := z.Collect(ctx, Full)
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, z.IsValid(g))
	require.False(t, z.collecting.Load())
	require.False(t, z.enlivening.Load())

	st, err := z.Collect(t.Context(), Full)
	require.NoError(t, err)
	require.Equal(t, 1, st.Reclaimed)
	require.True(t, z.IsValid(a))
}

func Test_Collect_LargeBlocks(t *testing.T) {
	z, _ := newTestZone(t)
	ctx := t.Context()

	big := mustAllocate(t, z, 1<<20, Scanned)
	small := mustAllocate(t, z, 16, Unscanned)
	mustStore(t, z, big+(1<<19), small)
	_ = mustRoot(t, z, big)
	dead := mustAllocate(t, z, 1<<20, Scanned)
	inUse := z.Stats().ArenaInUse

	st, err := z.Collect(ctx, Full)
	require.NoError(t, err)
	require.Equal(t, 1, st.Reclaimed)
	require.True(t, z.IsValid(big))
	require.True(t, z.IsValid(small))
	require.False(t, z.IsValid(dead))
	require.Less(t, z.Stats().ArenaInUse, inUse)
	require.Equal(t, 1, z.Stats().LargeBlocks)

	// An interior pointer is not a reference.
	other := mustAllocate(t, z, 1<<20, Scanned)
	_ = mustRoot(t, z, other+64)
	st, err = z.Collect(ctx, Full)
	require.NoError(t, err)
	require.False(t, z.IsValid(other))
	require.True(t, z.IsValid(big))

	for range 2 {
		_, err = z.Collect(ctx, Full)
		require.NoError(t, err)
	}
	bi, _ := z.BlockInfo(big)
	require.Equal(t, sidedata.EldestAge, bi.Age)
}

func Test_Collect_BackgroundThreshold(t *testing.T) {
	z, _ := newTestZone(t, func(o *Options) {
		o.CollectionThreshold = 4096
		o.FullCollectionInterval = 2
	})

	for range 16 {
		_ = mustAllocate(t, z, 1024, Unscanned)
	}
	require.Eventually(t, func() bool {
		return z.Stats().Collections >= 1
	}, 5*time.Second, 10*time.Millisecond)
}

func Test_Mode_String(t *testing.T) {
	require.Equal(t, "partial", Partial.String())
	require.Equal(t, "full", Full.String())
	require.Equal(t, "Mode(7)", Mode(7).String())
}
