// Package barrier provides the card tables behind the zone's generational
// write barrier.
//
// A WriteBarrier covers one address range (a whole subzone, or the payload of
// one large block) with one card per 128 bytes. Every store of a reference
// into the range marks the card of the destination first, so a partial
// collection can restrict its scan of old blocks to the cards that changed.
//
// Card states:
//
//	Unmarked   nothing stored since the card was last cleared
//	Untouched  marked before the last full collection, not stored to since
//	Marked     stored to since the last full collection
//
// A full collection demotes Marked cards to Untouched. The partial collection
// that follows scans them once and clears every card still Untouched at its
// end, unless the scan re-marked it because it still references a young
// block. This keeps the first partial collection after a full one from
// rescanning every card ever dirtied.
//
// All card updates are atomic. Stores by mutators race freely with the
// collector's scans and state transitions; a transition only moves a card
// from the exact state it observed.
package barrier

import (
	"sync/atomic"

	"github.com/joshuapare/autozone/internal/format"
)

// Card states.
const (
	Unmarked  uint32 = 0
	Untouched uint32 = 1
	Marked    uint32 = 3
)

// Range is a span of addresses covered by contiguous non-zero cards.
type Range struct {
	Addr uintptr // First address
	Len  uintptr // Length in bytes
}

// End returns the first address past the range.
func (r Range) End() uintptr { return r.Addr + r.Len }

// WriteBarrier is a card table over [base, base+size).
type WriteBarrier struct {
	base  uintptr
	size  uintptr
	cards []uint32
}

// New returns a barrier over [base, base+size) using cards as its table,
// which must hold at least format.Cards(size) entries. Passing nil allocates
// the table on the Go heap.
func New(base, size uintptr, cards []uint32) *WriteBarrier {
	n := format.Cards(size)
	if cards == nil {
		cards = make([]uint32, n)
	}
	return &WriteBarrier{base: base, size: size, cards: cards[:n:n]}
}

// Base returns the first covered address.
func (b *WriteBarrier) Base() uintptr { return b.base }

// Size returns the number of covered bytes.
func (b *WriteBarrier) Size() uintptr { return b.size }

// Len returns the number of cards.
func (b *WriteBarrier) Len() int { return len(b.cards) }

// Contains reports whether addr is covered by the barrier.
func (b *WriteBarrier) Contains(addr uintptr) bool {
	return addr >= b.base && addr-b.base < b.size
}

func (b *WriteBarrier) card(addr uintptr) int {
	return int((addr - b.base) >> format.CardSizeLog2)
}

// cardSpan returns the card indices [first, last] covering [addr, addr+size)
// clipped to the barrier, and false when the range misses it entirely.
func (b *WriteBarrier) cardSpan(addr, size uintptr) (int, int, bool) {
	if size == 0 {
		return 0, 0, false
	}
	end := addr + size
	if addr < b.base {
		addr = b.base
	}
	if lim := b.base + b.size; end > lim {
		end = lim
	}
	if addr >= end {
		return 0, 0, false
	}
	return b.card(addr), b.card(end - 1), true
}

// MarkCard marks the card covering addr.
func (b *WriteBarrier) MarkCard(addr uintptr) {
	// Hot stores to a marked card only read the cache line.
	if b.IsCardMarked(addr) {
		return
	}
	atomic.StoreUint32(&b.cards[b.card(addr)], Marked)
}

// MarkCards marks every card overlapping [addr, addr+size).
func (b *WriteBarrier) MarkCards(addr, size uintptr) {
	first, last, ok := b.cardSpan(addr, size)
	if !ok {
		return
	}
	for i := first; i <= last; i++ {
		atomic.StoreUint32(&b.cards[i], Marked)
	}
}

// CardState returns the state of the card covering addr.
func (b *WriteBarrier) CardState(addr uintptr) uint32 {
	return atomic.LoadUint32(&b.cards[b.card(addr)])
}

// IsCardMarked reports whether the card covering addr was stored to since the
// last full collection.
func (b *WriteBarrier) IsCardMarked(addr uintptr) bool {
	return b.CardState(addr) == Marked
}

// RangeHasMarkedCards reports whether any card overlapping [addr, addr+size)
// is non-zero, i.e. would be visited by ScanMarkedRanges.
func (b *WriteBarrier) RangeHasMarkedCards(addr, size uintptr) bool {
	first, last, ok := b.cardSpan(addr, size)
	if !ok {
		return false
	}
	for i := first; i <= last; i++ {
		if atomic.LoadUint32(&b.cards[i]) != Unmarked {
			return true
		}
	}
	return false
}

// ScanMarkedRanges calls fn for every maximal run of non-zero cards
// overlapping [addr, addr+size). Each range is clipped to [addr, addr+size).
// It returns the number of ranges visited.
func (b *WriteBarrier) ScanMarkedRanges(addr, size uintptr, fn func(Range)) int {
	first, last, ok := b.cardSpan(addr, size)
	if !ok {
		return 0
	}
	end := addr + size
	visited := 0
	for i := first; i <= last; {
		if atomic.LoadUint32(&b.cards[i]) == Unmarked {
			i++
			continue
		}
		j := i + 1
		for j <= last && atomic.LoadUint32(&b.cards[j]) != Unmarked {
			j++
		}
		lo := b.base + uintptr(i)<<format.CardSizeLog2
		hi := b.base + uintptr(j)<<format.CardSizeLog2
		if lo < addr {
			lo = addr
		}
		if hi > end {
			hi = end
		}
		fn(Range{Addr: lo, Len: hi - lo})
		visited++
		i = j
	}
	return visited
}

// MarkCardsUntouched demotes every Marked card to Untouched and returns the
// number of cards demoted. Called at the end of a full collection.
func (b *WriteBarrier) MarkCardsUntouched() int {
	n := 0
	for i := range b.cards {
		if atomic.CompareAndSwapUint32(&b.cards[i], Marked, Untouched) {
			n++
		}
	}
	return n
}

// ClearUntouchedCards clears every card still Untouched and returns the
// number cleared. Called at the end of a partial collection.
func (b *WriteBarrier) ClearUntouchedCards() int {
	n := 0
	for i := range b.cards {
		if atomic.CompareAndSwapUint32(&b.cards[i], Untouched, Unmarked) {
			n++
		}
	}
	return n
}

// ClearCards resets every card lying entirely inside [addr, addr+size).
// Cards shared with a neighbouring block keep their state.
func (b *WriteBarrier) ClearCards(addr, size uintptr) {
	first, last, ok := b.cardSpan(addr, size)
	if !ok {
		return
	}
	if !format.IsAligned(addr-b.base, format.CardSize) {
		first++
	}
	if end := addr + size; end < b.base+b.size && !format.IsAligned(end-b.base, format.CardSize) {
		last--
	}
	for i := first; i <= last; i++ {
		atomic.StoreUint32(&b.cards[i], Unmarked)
	}
}
