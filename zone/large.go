package zone

import (
	"fmt"
	"sync/atomic"

	"github.com/joshuapare/autozone/internal/format"
	"github.com/joshuapare/autozone/zone/barrier"
	"github.com/joshuapare/autozone/zone/sidedata"
)

// large is a block too big for a subzone. It owns its own page-aligned
// mapping:
//
//	[header 64 B][payload][cards][guard page]
//
// The header holds a magic word and the payload size so a damaged large block
// is detected before it is freed. Cards exist only for scanned layouts.
type large struct {
	base    uintptr // mapping start, header address
	payload uintptr
	size    uintptr // payload bytes, LargeAlignment multiple
	vmSize  uintptr // whole mapping including guard
	guard   bool

	layout  sidedata.Layout
	barrier *barrier.WriteBarrier

	refcount atomic.Int32
	age      atomic.Int32
	marked   atomic.Bool
	pending  atomic.Bool
	garbage  atomic.Bool
}

const (
	largeMagicWord = 0
	largeSizeWord  = 1
)

// largeLayout computes the mapping of a large block of size bytes.
func largeLayout(size uintptr, layout sidedata.Layout, guard bool) (payloadSize, cardsOff, vmSize uintptr) {
	payloadSize = format.AlignUp(size, format.LargeAlignment)
	cardsOff = format.LargeHeaderSize + payloadSize
	mapped := cardsOff
	if layout.IsScanned() {
		mapped += uintptr(format.Cards(payloadSize)) * 4
	}
	vmSize = format.AlignPage(mapped)
	if guard {
		vmSize += format.PageSize
	}
	return payloadSize, cardsOff, vmSize
}

// newLarge maps, initialises and publishes a large block.
func (z *Zone) newLarge(size uintptr, layout sidedata.Layout, refcount int) (*large, error) {
	payloadSize, cardsOff, vmSize := largeLayout(size, layout, z.opts.GuardPages)
	if vmSize < size || vmSize > z.arena.Size() {
		return nil, fmt.Errorf("large block of %d bytes: %w", size, ErrTooLarge)
	}
	base, ok := z.space.alloc(vmSize, format.PageSize)
	if !ok {
		return nil, fmt.Errorf("large block of %d bytes: %w", size, ErrNoSpace)
	}

	if err := z.arena.Commit(base, vmSize); err != nil {
		z.space.release(base, vmSize)
		return nil, err
	}
	if z.opts.GuardPages {
		if err := z.arena.Guard(base+vmSize-format.PageSize, format.PageSize); err != nil {
			_ = z.arena.Decommit(base, vmSize)
			z.space.release(base, vmSize)
			return nil, err
		}
	}

	lg := &large{
		base:    base,
		payload: base + format.LargeHeaderSize,
		size:    payloadSize,
		vmSize:  vmSize,
		guard:   z.opts.GuardPages,
		layout:  layout,
	}
	if layout.IsScanned() {
		cards, err := z.arena.Cards(base+cardsOff, format.Cards(payloadSize))
		if err != nil {
			_ = z.arena.Decommit(base, vmSize)
			z.space.release(base, vmSize)
			return nil, err
		}
		lg.barrier = barrier.New(lg.payload, payloadSize, cards)
	}
	lg.refcount.Store(int32(refcount))
	lg.age.Store(sidedata.YoungestAge)

	z.arena.Store(base+largeMagicWord*format.WordSize, format.LargeMagic)
	z.arena.Store(base+largeSizeWord*format.WordSize, payloadSize)
	return lg, nil
}

// check validates the header in arena memory.
func (lg *large) check(z *Zone) error {
	magic := z.arena.Load(lg.base + largeMagicWord*format.WordSize)
	size := z.arena.Load(lg.base + largeSizeWord*format.WordSize)
	if magic != format.LargeMagic || size != lg.size {
		return z.corrupt("large block %#x header magic %#x size %d, want size %d", lg.payload, magic, size, lg.size)
	}
	return nil
}

// unmapLarge releases the block's pages, guard included, and its address
// space.
func (z *Zone) unmapLarge(lg *large) error {
	if err := z.arena.Decommit(lg.base, lg.vmSize); err != nil {
		return err
	}
	z.space.release(lg.base, lg.vmSize)
	return nil
}

// isStart reports whether addr is the payload start.
func (lg *large) isStart(addr uintptr) bool { return addr == lg.payload }

func (lg *large) contains(addr uintptr) bool {
	return addr >= lg.payload && addr < lg.payload+lg.size
}

func (lg *large) isNew() bool { return lg.age.Load() > sidedata.EldestAge }

// mature ages a surviving large block and reports whether it just became old.
func (lg *large) mature() bool {
	for {
		age := lg.age.Load()
		if age <= sidedata.EldestAge {
			return false
		}
		if lg.age.CompareAndSwap(age, age-1) {
			if age-1 == sidedata.EldestAge && lg.barrier != nil {
				lg.barrier.MarkCards(lg.payload, lg.size)
			}
			return age-1 == sidedata.EldestAge
		}
	}
}

// markCard records a store into the block.
func (lg *large) markCard(addr uintptr) {
	if lg.barrier != nil {
		lg.barrier.MarkCard(addr)
	}
}
