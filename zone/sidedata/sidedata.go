// Package sidedata encodes the per-quantum metadata byte kept for every
// quantum of a subzone.
//
// # Layout
//
//	bit 0     start of block
//	bit 1     layout: unscanned
//	bit 2     layout: object
//	bit 3     global
//	global:   bits 4-5 inline refcount, bits 6-7 generational age
//	local:    bit 4 thread-local, bit 5 garbage, bit 6 needs local scan
//
// Bits 4-7 mean different things for global and thread-local blocks. Every
// read goes through the accessors on Entry, which return zero values for the
// interpretation that does not apply, so call sites never decode bits by hand.
//
// A free run is marked by a start quantum with no other bits set. Non-start
// quanta are zero, except that an allocated block of n >= 2 quanta carries a
// length code in its second and last quantum. The length code never has the
// start bit, so walking backwards from a block start distinguishes an
// allocated predecessor (non-zero, no start), a free multi-quantum run (zero)
// and a single-quantum block (start set).
//
// # Concurrency
//
// Table packs four entries per 32-bit word and updates them with a CAS loop,
// so writers of adjacent quanta never lose each other's updates.
package sidedata

import "fmt"

// Entry is one quantum's side-data byte.
type Entry uint8

const (
	startBit     Entry = 1 << 0
	unscannedBit Entry = 1 << 1
	objectBit    Entry = 1 << 2
	globalBit    Entry = 1 << 3

	refcountShift = 4
	refcountMask  Entry = 3 << refcountShift
	ageShift      = 6
	ageMask       Entry = 3 << ageShift

	localBit     Entry = 1 << 4
	garbageBit   Entry = 1 << 5
	needsScanBit Entry = 1 << 6

	layoutMask Entry = unscannedBit | objectBit
	layoutShift      = 1
)

const (
	// YoungestAge is the age of a freshly allocated global block.
	YoungestAge = 3
	// EldestAge is the age of a block that survived enough collections to be
	// treated as old by partial collections.
	EldestAge = 0
	// RefcountOverflow in the inline field means the real count lives in the
	// zone's overflow table.
	RefcountOverflow = 3
	// MaxLengthCode is the largest block length, in quanta, a length code can
	// represent.
	MaxLengthCode = 128
)

// Layout describes how a block's contents are traced.
type Layout uint8

const (
	// Scanned blocks are conservatively scanned for references.
	Scanned Layout = 0
	// Unscanned blocks hold no references.
	Unscanned Layout = 1
	// Object blocks are scanned, exactly when a layout is known.
	Object Layout = 2
	// ObjectUnscanned blocks are objects with no reference fields.
	ObjectUnscanned Layout = 3
)

// IsScanned reports whether blocks with this layout are traced.
func (l Layout) IsScanned() bool { return l&Unscanned == 0 }

// IsObject reports whether the block is an object.
func (l Layout) IsObject() bool { return l&Object != 0 }

func (l Layout) String() string {
	switch l {
	case Scanned:
		return "scanned"
	case Unscanned:
		return "unscanned"
	case Object:
		return "object"
	case ObjectUnscanned:
		return "object-unscanned"
	default:
		return fmt.Sprintf("layout(%d)", uint8(l))
	}
}

func layoutBits(l Layout) Entry {
	return Entry(l&3) << layoutShift
}

// Free returns the entry marking the first quantum of a free run.
func Free() Entry { return startBit }

// Global returns the start entry of a global block.
func Global(l Layout, refcount, age int) Entry {
	return startBit | layoutBits(l) | globalBit |
		Entry(clamp(refcount, RefcountOverflow))<<refcountShift |
		Entry(clamp(age, YoungestAge))<<ageShift
}

// Local returns the start entry of a thread-local block.
func Local(l Layout) Entry {
	return startBit | layoutBits(l) | localBit
}

// Cached returns the start entry of a block parked in a thread's allocation
// cache. It reads as local garbage that is also pending a local scan, a
// combination the thread-local collector never produces, so it cannot be
// confused with a live local block or with a free run.
func Cached() Entry {
	return startBit | localBit | garbageBit | needsScanBit
}

// LengthCode returns the non-start entry recording a block length of n quanta.
func LengthCode(n int) Entry {
	if n < 2 || n > MaxLengthCode {
		panic(fmt.Sprintf("sidedata: length code for %d quanta", n))
	}
	return Entry(n-1) << 1
}

func clamp(v, hi int) int {
	if v < 0 {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}

// IsStart reports whether the quantum begins a block or a free run.
func (e Entry) IsStart() bool { return e&startBit != 0 }

// IsFree reports whether the quantum begins a free run.
func (e Entry) IsFree() bool { return e == startBit }

// IsAllocated reports whether the quantum begins an allocated block.
func (e Entry) IsAllocated() bool { return e&startBit != 0 && e != startBit }

// IsGlobal reports whether the entry is a global block start.
func (e Entry) IsGlobal() bool { return e.IsStart() && e&globalBit != 0 }

// IsLocal reports whether the entry is a thread-local block start.
func (e Entry) IsLocal() bool { return e.IsStart() && e&globalBit == 0 && e&localBit != 0 }

// IsCached reports whether the entry is a block parked in a thread cache.
func (e Entry) IsCached() bool { return e == Cached() }

// Layout returns the block layout of a start entry.
func (e Entry) Layout() Layout { return Layout((e & layoutMask) >> layoutShift) }

// Refcount returns the inline refcount of a global block (0 for local).
func (e Entry) Refcount() int {
	if !e.IsGlobal() {
		return 0
	}
	return int((e & refcountMask) >> refcountShift)
}

// Age returns the generational age of a global block (0 for local).
func (e Entry) Age() int {
	if !e.IsGlobal() {
		return 0
	}
	return int((e & ageMask) >> ageShift)
}

// IsNew reports whether a global block is still young.
func (e Entry) IsNew() bool { return e.Age() > EldestAge }

// IsGarbage reports whether a local block has been declared garbage.
func (e Entry) IsGarbage() bool { return e.IsLocal() && e&garbageBit != 0 }

// NeedsLocalScan reports whether a local block has been marked by the
// thread-local collector but not yet scanned.
func (e Entry) NeedsLocalScan() bool { return e.IsLocal() && e&needsScanBit != 0 }

// Length decodes a length code (0 when e is not one).
func (e Entry) Length() int {
	if e == 0 || e.IsStart() {
		return 0
	}
	return int(e>>1) + 1
}

// WithRefcount returns a copy of a global entry with a new inline refcount.
func (e Entry) WithRefcount(n int) Entry {
	if !e.IsGlobal() {
		return e
	}
	return e&^refcountMask | Entry(clamp(n, RefcountOverflow))<<refcountShift
}

// WithAge returns a copy of a global entry with a new age.
func (e Entry) WithAge(age int) Entry {
	if !e.IsGlobal() {
		return e
	}
	return e&^ageMask | Entry(clamp(age, YoungestAge))<<ageShift
}

// WithGarbage sets or clears the garbage flag of a local entry.
func (e Entry) WithGarbage(on bool) Entry {
	if !e.IsLocal() {
		return e
	}
	if on {
		return e | garbageBit
	}
	return e &^ garbageBit
}

// WithNeedsLocalScan sets or clears the needs-local-scan flag of a local entry.
func (e Entry) WithNeedsLocalScan(on bool) Entry {
	if !e.IsLocal() {
		return e
	}
	if on {
		return e | needsScanBit
	}
	return e &^ needsScanBit
}

// Globalize converts a local entry into a young global one with refcount 0,
// keeping its layout.
func (e Entry) Globalize() Entry {
	if !e.IsLocal() {
		return e
	}
	return Global(e.Layout(), 0, YoungestAge)
}

func (e Entry) String() string {
	switch {
	case e == 0:
		return "-"
	case !e.IsStart():
		return fmt.Sprintf("len(%d)", e.Length())
	case e.IsFree():
		return "free"
	case e.IsGlobal():
		return fmt.Sprintf("global(%s rc=%d age=%d)", e.Layout(), e.Refcount(), e.Age())
	case e.IsCached():
		return "cached"
	case e.IsLocal():
		return fmt.Sprintf("local(%s garbage=%t scan=%t)", e.Layout(), e.IsGarbage(), e.NeedsLocalScan())
	default:
		return fmt.Sprintf("entry(%#02x)", uint8(e))
	}
}
