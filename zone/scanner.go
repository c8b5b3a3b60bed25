package zone

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/joshuapare/autozone/internal/format"
	"github.com/joshuapare/autozone/zone/barrier"
	"github.com/joshuapare/autozone/zone/sidedata"
)

// scanner is the marking engine of one collection attempt. Blocks move from
// unmarked to marked exactly once through a test-and-set; only the caller
// that wins the transition queues the block for content scanning.
//
// # Work representation
//
// The scanner starts with an explicit stack bounded by
// Options.ScanStackLimit. When the stack would overflow the attempt is
// abandoned and the collection restarts in bitmap mode, where queueing a
// block sets its pending bit and draining walks the region pending bitmaps
// until none are left. Bitmap mode cannot overflow and can be drained by
// several workers.
//
// # Partial collections
//
// A partial scanner never marks or traces old global blocks. Their marked
// cards are scanned instead, as roots.
type scanner struct {
	z       *Zone
	partial bool
	bitmap  bool
	limit   int

	stack    []block
	overflow atomic.Bool

	marked  atomic.Int64
	scanned atomic.Int64
	cards   atomic.Int64
}

func newScanner(z *Zone, mode Mode) *scanner {
	return &scanner{
		z:       z,
		partial: mode == Partial,
		limit:   z.opts.ScanStackLimit,
	}
}

// restart returns a fresh bitmap-mode scanner for the same collection. The
// marks are reset before it runs, so its counters start from zero.
func (s *scanner) restart() *scanner {
	return &scanner{z: s.z, partial: s.partial, bitmap: true, limit: s.limit}
}

// traced reports whether b takes part in this collection's trace.
func (s *scanner) traced(b block) bool {
	if !s.partial {
		return true
	}
	if b.lg != nil {
		return b.lg.isNew()
	}
	e := b.sz.entry(b.q)
	return !e.IsGlobal() || e.IsNew()
}

// consider marks v when it is the start of a block.
func (s *scanner) consider(v uintptr) {
	if v == 0 {
		return
	}
	if b := s.z.lookup(v); b.valid() {
		s.mark(b)
	}
}

// mark sets b's mark bit and queues it for scanning when this call made the
// transition.
func (s *scanner) mark(b block) bool {
	if !s.traced(b) {
		return false
	}
	if b.lg != nil {
		if b.lg.marked.Swap(true) {
			return false
		}
	} else if b.sz.testSetMark(b.q) {
		return false
	}
	s.marked.Add(1)
	if b.layout().IsScanned() {
		s.enqueue(b)
	}
	return true
}

func (s *scanner) enqueue(b block) {
	if s.bitmap {
		if b.lg != nil {
			b.lg.pending.Store(true)
		} else {
			b.sz.setPending(b.q)
		}
		return
	}
	if len(s.stack) >= s.limit {
		s.overflow.Store(true)
		return
	}
	s.stack = append(s.stack, b)
}

// scan traces the contents of b.
func (s *scanner) scan(b block) {
	z := s.z
	if b.lg != nil {
		z.largeScanMu.RLock()
		defer z.largeScanMu.RUnlock()
		if z.largeFor(b.lg.payload) != b.lg {
			return
		}
	} else if e := b.sz.entry(b.q); !e.IsAllocated() || e.IsCached() {
		// Freed explicitly after it was marked.
		return
	}
	s.scanned.Add(1)
	z.eachReference(b, func(_, ref uintptr) {
		s.consider(ref)
	})
}

// scanWords considers every word of a root set.
func (s *scanner) scanWords(words []uintptr) {
	for _, v := range words {
		s.consider(v)
	}
}

// drain scans queued blocks until none are left or the stack overflowed.
func (s *scanner) drain(ctx context.Context) error {
	if s.bitmap {
		return s.drainPending(ctx)
	}
	for n := 0; len(s.stack) > 0 && !s.overflow.Load(); n++ {
		if n&1023 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		b := s.stack[len(s.stack)-1]
		s.stack = s.stack[:len(s.stack)-1]
		s.scan(b)
	}
	return nil
}

// drainPending scans pending blocks region by region until a full pass finds
// none. Regions are drained in parallel when more than one worker is
// configured; scanning one region may set pending bits in another, hence the
// outer loop.
func (s *scanner) drainPending(ctx context.Context) error {
	z := s.z
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		regions := z.regionSnapshot()

		var found atomic.Bool
		if workers := z.opts.ScanWorkers; workers > 1 && len(regions) > 1 {
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(workers)
			for _, r := range regions {
				if !r.hasPending() {
					continue
				}
				g.Go(func() error {
					if s.drainRegion(r) {
						found.Store(true)
					}
					return gctx.Err()
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
		} else {
			for _, r := range regions {
				if s.drainRegion(r) {
					found.Store(true)
				}
			}
		}
		if s.drainLarges() {
			found.Store(true)
		}
		if !found.Load() {
			return nil
		}
	}
}

// drainRegion scans every block whose pending bit is set in r.
func (s *scanner) drainRegion(r *region) bool {
	found := false
	r.pending.ForEachSet(func(i int) bool {
		if !r.pending.TestClear(i) {
			return true
		}
		if sz := r.subzoneAt(i); sz != nil {
			found = true
			s.scan(block{sz: sz, q: i & (format.MaxQuanta - 1)})
		}
		return true
	})
	return found
}

func (s *scanner) drainLarges() bool {
	found := false
	for _, lg := range s.z.largeSnapshot() {
		if lg.pending.Swap(false) {
			found = true
			s.scan(block{lg: lg})
		}
	}
	return found
}

// scanCards treats the marked cards of an old block as roots. A card that
// still references a young or thread-local block is marked again so the
// next partial collection scans it too.
func (s *scanner) scanCards(b block) {
	z := s.z
	var wb *barrier.WriteBarrier
	if b.lg != nil {
		z.largeScanMu.RLock()
		defer z.largeScanMu.RUnlock()
		if z.largeFor(b.lg.payload) != b.lg {
			return
		}
		wb = b.lg.barrier
	} else {
		wb = b.sz.barrier
	}
	if wb == nil {
		return
	}

	wb.ScanMarkedRanges(b.addr(), b.size(), func(r barrier.Range) {
		s.cards.Add(1)
		if hook := z.onBarrierScan; hook != nil {
			hook(r.Addr, r.End())
		}
		z.scanConservative(r.Addr, r.End(), func(at, ref uintptr) {
			target := z.lookup(ref)
			if !target.valid() {
				return
			}
			s.mark(target)
			if target.isYoungOrLocal() {
				wb.MarkCard(at)
			}
		})
	})
}

func (b block) isYoungOrLocal() bool {
	if b.lg != nil {
		return b.lg.isNew()
	}
	e := b.sz.entry(b.q)
	return e.IsLocal() || (e.IsGlobal() && e.IsNew())
}

func (b block) isMarked() bool {
	if b.lg != nil {
		return b.lg.marked.Load()
	}
	return b.sz.isMarked(b.q)
}

// eachReference calls fn with the address and value of every word of b that
// may hold a reference into the arena. Object blocks are scanned exactly
// when the layout provider describes them, conservatively otherwise.
func (z *Zone) eachReference(b block, fn func(at, ref uintptr)) {
	layout := b.layout()
	if !layout.IsScanned() {
		return
	}
	start, size := b.addr(), b.size()
	if layout.IsObject() && z.opts.LayoutProvider != nil {
		if m := z.opts.LayoutProvider(start); m != nil {
			z.scanExact(start, size, m, fn)
			return
		}
	}
	z.scanConservative(start, start+size, fn)
}

// scanConservative treats every aligned word of [start, end) as a potential
// reference.
func (z *Zone) scanConservative(start, end uintptr, fn func(at, ref uintptr)) {
	for at := format.AlignUp(start, format.WordSize); at+format.WordSize <= end; at += format.WordSize {
		if v := z.arena.Load(at); v != 0 && z.arena.Contains(v) {
			fn(at, v)
		}
	}
}

// scanExact walks a nibble layout: each byte skips its high nibble and then
// scans its low nibble in words, a zero byte ends the layout. Words after
// the end are not references.
func (z *Zone) scanExact(start, size uintptr, layout []byte, fn func(at, ref uintptr)) {
	at, end := start, start+size
	for _, c := range layout {
		if c == 0 || at >= end {
			return
		}
		at += uintptr(c>>4) * format.WordSize
		for n := c & 0x0f; n > 0 && at+format.WordSize <= end; n-- {
			if v := z.arena.Load(at); v != 0 && z.arena.Contains(v) {
				fn(at, v)
			}
			at += format.WordSize
		}
	}
}

// scanRoots marks the registered roots, retained blocks and thread-local
// blocks. A partial scan also scans the marked cards of old blocks.
func (s *scanner) scanRoots() {
	z := s.z

	z.rootsMu.Lock()
	values := make([]uintptr, 0, len(z.roots))
	for r := range z.roots {
		values = append(values, r.v.Load())
	}
	z.rootsMu.Unlock()
	s.scanWords(values)

	var roots, cards []block
	for _, a := range z.admins() {
		a.eachBlock(func(sz *subzone, q, n int, e sidedata.Entry) {
			switch {
			case e.IsLocal() && !e.IsCached():
				roots = append(roots, block{sz: sz, q: q})
			case e.IsGlobal() && s.partial && !e.IsNew():
				addr := sz.quantumAddress(q)
				if e.Layout().IsScanned() && sz.barrier.RangeHasMarkedCards(addr, uintptr(n)<<sz.log2) {
					cards = append(cards, block{sz: sz, q: q})
				}
			case e.IsGlobal() && e.Refcount() > 0:
				roots = append(roots, block{sz: sz, q: q})
			}
		})
	}

	for _, lg := range z.largeSnapshot() {
		switch {
		case s.partial && !lg.isNew():
			if lg.barrier != nil && lg.barrier.RangeHasMarkedCards(lg.payload, lg.size) {
				cards = append(cards, block{lg: lg})
			}
		case lg.refcount.Load() > 0:
			roots = append(roots, block{lg: lg})
		}
	}

	for _, b := range roots {
		s.mark(b)
	}
	for _, b := range cards {
		s.scanCards(b)
	}
}

func (z *Zone) admins() []*admin { return []*admin{z.small, z.medium} }

func (z *Zone) regionSnapshot() []*region {
	z.regionsMu.RLock()
	defer z.regionsMu.RUnlock()
	return append([]*region(nil), z.regions...)
}

func (z *Zone) largeSnapshot() []*large {
	z.largeMu.Lock()
	defer z.largeMu.Unlock()
	out := make([]*large, 0, len(z.larges))
	for _, lg := range z.larges {
		out = append(out, lg)
	}
	return out
}
