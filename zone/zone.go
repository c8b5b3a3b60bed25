package zone

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/autozone/internal/format"
	"github.com/joshuapare/autozone/internal/logger"
	"github.com/joshuapare/autozone/internal/vm"
	"github.com/joshuapare/autozone/zone/sidedata"
)

// Layout describes how a block's contents are traced.
type Layout = sidedata.Layout

// Block layouts.
const (
	Scanned         = sidedata.Scanned
	Unscanned       = sidedata.Unscanned
	Object          = sidedata.Object
	ObjectUnscanned = sidedata.ObjectUnscanned
)

// AllocFlags modify an allocation request.
type AllocFlags uint8

const (
	// Clear zeroes the block before it is returned.
	Clear AllocFlags = 1 << iota

	// RefcountOne starts the block retained once, so it survives
	// collections until released.
	RefcountOne
)

var envLoggerOnce sync.Once

// Zone is a collected heap: one arena, its size-class admins and large
// blocks, the registered threads and the collector state. A process may run
// several independent zones.
type Zone struct {
	opts  Options
	log   *slog.Logger
	arena *vm.Arena
	space *space

	subzoneTable []atomic.Pointer[subzone]
	largeTable   []atomic.Pointer[large]

	small  *admin
	medium *admin

	regionsMu sync.RWMutex
	regions   []*region

	largeMu sync.Mutex
	larges  map[uintptr]*large // by payload address

	// largeScanMu is held shared while a large block's memory is scanned
	// and exclusively while one is unmapped.
	largeScanMu sync.RWMutex

	threadsMu    sync.RWMutex
	threads      map[*Thread]struct{}
	nextThreadID atomic.Uint64

	rootsMu sync.Mutex
	roots   map[*Root]struct{}

	retainMu sync.Mutex
	overflow map[uintptr]int // refcounts of 3 and above

	assocMu sync.Mutex
	assoc   map[uintptr]map[uintptr]uintptr

	collectMu  sync.Mutex
	collecting atomic.Bool
	sweeping   atomic.Bool

	// Enlivening for stores made without a Thread.
	enlivenMu    sync.Mutex
	enlivening   atomic.Bool
	enlivenQueue []uintptr

	allocated atomic.Int64 // bytes since the last collection
	autoCount atomic.Int64
	trigger   chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup

	closed   atomic.Bool
	counters counters

	// Test hook: called for every old-block range a partial collection
	// rescans because of its cards (nil in production).
	onBarrierScan func(start, end uintptr)
}

// initEnvLogger applies AUTOZONE_LOG once per process. A logger that cannot
// be set up is reported on the default slog logger.
func initEnvLogger() {
	envLoggerOnce.Do(func() {
		if err := logger.FromEnv(); err != nil {
			slog.Default().Warn("autozone: ignoring AUTOZONE_LOG", "error", err)
		}
	})
}

// New creates a zone. A nil opts means DefaultOptions.
func New(opts *Options) (*Zone, error) {
	initEnvLogger()
	o := opts.normalize()

	arena, err := vm.Reserve(o.ArenaSize)
	if err != nil {
		return nil, fmt.Errorf("zone: %w", err)
	}

	z := &Zone{
		opts:         o,
		log:          o.Logger,
		arena:        arena,
		space:        newSpace(arena.Base(), arena.Size()),
		subzoneTable: make([]atomic.Pointer[subzone], arena.Size()>>format.SubzoneSizeLog2),
		largeTable:   make([]atomic.Pointer[large], arena.Size()>>format.PageSizeLog2),
		larges:       make(map[uintptr]*large),
		threads:      make(map[*Thread]struct{}),
		roots:        make(map[*Root]struct{}),
		overflow:     make(map[uintptr]int),
		assoc:        make(map[uintptr]map[uintptr]uintptr),
		trigger:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	z.small = newAdmin(z, "small", format.SmallQuantumLog2, format.SmallMaxQuanta, o.GuardPages)
	z.medium = newAdmin(z, "medium", format.MediumQuantumLog2, format.MediumMaxQuanta, o.GuardPages)

	if o.CollectionThreshold > 0 {
		z.wg.Add(1)
		go z.backgroundCollector()
	}

	if o.GuardPages && !vm.GuardSupported() {
		z.log.Warn("guard pages requested but not supported; large blocks are unguarded")
	}
	z.log.Debug("zone created",
		"arena", fmt.Sprintf("%#x", arena.Base()),
		"size", arena.Size(),
		"guard", o.GuardPages,
		"threshold", o.CollectionThreshold)
	return z, nil
}

// Close stops background collection and releases the arena. Every address
// handed out by the zone becomes invalid.
func (z *Zone) Close() error {
	if z.closed.Swap(true) {
		return nil
	}
	close(z.done)
	z.wg.Wait()

	// Wait for an explicit collection still in flight.
	z.collectMu.Lock()
	defer z.collectMu.Unlock()

	z.log.Debug("zone closed", "collections", z.counters.collections.Load())
	return z.arena.Release()
}

// Options returns the zone's effective options.
func (z *Zone) Options() Options { return z.opts }

func (z *Zone) checkOpen() error {
	if z.closed.Load() {
		return ErrClosed
	}
	return nil
}

// block identifies an allocated block: a subzone quantum or a large block.
type block struct {
	sz *subzone
	q  int
	lg *large
}

func (b block) valid() bool { return b.sz != nil || b.lg != nil }

func (b block) addr() uintptr {
	if b.lg != nil {
		return b.lg.payload
	}
	return b.sz.quantumAddress(b.q)
}

func (b block) size() uintptr {
	if b.lg != nil {
		return b.lg.size
	}
	return b.sz.blockSize(b.q)
}

func (b block) layout() Layout {
	if b.lg != nil {
		return b.lg.layout
	}
	return b.sz.layout(b.q)
}

// lookup returns the allocated block starting exactly at addr. Free runs and
// blocks parked in thread caches are not blocks.
func (z *Zone) lookup(addr uintptr) block {
	if addr == 0 || !z.arena.Contains(addr) {
		return block{}
	}
	if sz := z.subzoneFor(addr); sz != nil {
		q, ok := sz.exactQuantum(addr)
		if !ok {
			return block{}
		}
		if e := sz.entry(q); !e.IsAllocated() || e.IsCached() {
			return block{}
		}
		return block{sz: sz, q: q}
	}
	if lg := z.largeFor(addr); lg != nil && lg.isStart(addr) {
		return block{lg: lg}
	}
	return block{}
}

// containing returns the allocated block whose payload contains addr.
func (z *Zone) containing(addr uintptr) block {
	if !z.arena.Contains(addr) {
		return block{}
	}
	if sz := z.subzoneFor(addr); sz != nil {
		q, ok := sz.blockStart(addr)
		if !ok || sz.entry(q).IsCached() {
			return block{}
		}
		return block{sz: sz, q: q}
	}
	if lg := z.largeFor(addr); lg != nil && lg.contains(addr) {
		return block{lg: lg}
	}
	return block{}
}

func (z *Zone) adminFor(size uintptr) *admin {
	switch {
	case size <= format.SmallMaxSize:
		return z.small
	case size <= format.MediumMaxSize:
		return z.medium
	default:
		return nil
	}
}

// blacken marks a block being allocated while a collection is running so
// the sweep keeps it. Called before the block's side data is published.
func (z *Zone) blacken(sz *subzone, q int) {
	if z.collecting.Load() {
		sz.setMark(q)
	}
}

// allocate is the allocation path shared by Zone and Thread. The entry is
// the start entry to record for subzone blocks.
func (z *Zone) allocate(size uintptr, e sidedata.Entry, flags AllocFlags) (uintptr, error) {
	if err := z.checkOpen(); err != nil {
		return 0, err
	}
	if size > z.arena.Size() {
		return 0, fmt.Errorf("allocate %d bytes: %w", size, ErrTooLarge)
	}

	var addr, got uintptr
	if a := z.adminFor(size); a != nil {
		n := a.quantaFor(size)
		sz, q, err := a.allocateSlot(n, e)
		if err != nil {
			return 0, fmt.Errorf("allocate %d bytes: %w", size, err)
		}
		addr, got = sz.quantumAddress(q), uintptr(n)<<a.log2
	} else {
		lg, err := z.allocateLarge(size, e.Layout(), e.Refcount())
		if err != nil {
			return 0, err
		}
		addr, got = lg.payload, lg.size
	}

	if flags&Clear != 0 {
		z.arena.Zero(addr, got)
	}
	z.counters.allocs.Add(1)
	z.counters.allocBytes.Add(int64(got))
	z.noteAllocation(got)
	return addr, nil
}

// allocateSlot allocates n quanta under the admin lock, applying
// allocate-black before the start entry becomes visible.
func (a *admin) allocateSlot(n int, e sidedata.Entry) (*subzone, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sz, q, err := a.allocateNoLock(n, sidedata.Cached())
	if err != nil {
		return nil, 0, err
	}
	a.z.blacken(sz, q)
	sz.side.Set(q, e)
	return sz, q, nil
}

func (z *Zone) allocateLarge(size uintptr, layout Layout, refcount int) (*large, error) {
	lg, err := z.newLarge(size, layout, refcount)
	if err != nil {
		return nil, err
	}
	if z.collecting.Load() {
		lg.marked.Store(true)
	}
	z.largeMu.Lock()
	z.larges[lg.payload] = lg
	z.publishLarge(lg, true)
	z.largeMu.Unlock()
	return lg, nil
}

// Allocate returns a global block of at least size bytes. Blocks that are
// neither retained nor reachable from a root, a thread or another live block
// are reclaimed by the next collection.
func (z *Zone) Allocate(size uintptr, layout Layout, flags AllocFlags) (uintptr, error) {
	rc := 0
	if flags&RefcountOne != 0 {
		rc = 1
	}
	return z.allocate(size, sidedata.Global(layout, rc, sidedata.YoungestAge), flags)
}

// Free releases a block immediately. Freeing a block a running sweep has
// already condemned is a no-op.
func (z *Zone) Free(addr uintptr) error {
	if err := z.checkOpen(); err != nil {
		return err
	}
	return z.free(nil, addr)
}

// free releases addr on behalf of t (nil for unregistered callers).
func (z *Zone) free(t *Thread, addr uintptr) error {
	if sz := z.subzoneFor(addr); sz != nil {
		q, ok := sz.exactQuantum(addr)
		if !ok {
			return z.usage("free", addr, ErrBadAddress)
		}
		e, size, err := sz.admin.freeBlock(t, sz, q)
		if err != nil {
			return z.usage("free", addr, err)
		}
		if size == 0 {
			// Condemned: the sweep reclaims it.
			return nil
		}
		if e.IsLocal() {
			t.forgetLocal(addr)
		}
		z.forget(addr, e.Refcount() == sidedata.RefcountOverflow)
		z.counters.frees.Add(1)
		z.counters.freeBytes.Add(int64(size))
		return nil
	}

	if lg := z.largeFor(addr); lg != nil && lg.isStart(addr) {
		return z.freeLarge(lg, false)
	}
	return z.usage("free", addr, ErrBadAddress)
}

// freeLarge unpublishes and unmaps lg. fromSweep is set when the collector
// reclaims a condemned block.
func (z *Zone) freeLarge(lg *large, fromSweep bool) error {
	z.largeMu.Lock()
	if z.larges[lg.payload] != lg {
		z.largeMu.Unlock()
		return z.usage("free", lg.payload, ErrDoubleFree)
	}
	if !fromSweep && z.sweeping.Load() && lg.garbage.Load() {
		z.largeMu.Unlock()
		return nil
	}
	if z.opts.IntegrityChecks {
		if err := lg.check(z); err != nil {
			z.largeMu.Unlock()
			return err
		}
	}
	delete(z.larges, lg.payload)
	z.publishLarge(lg, false)
	z.largeMu.Unlock()

	z.forget(lg.payload, false)
	if !fromSweep {
		z.counters.frees.Add(1)
		z.counters.freeBytes.Add(int64(lg.size))
	}

	z.largeScanMu.Lock()
	defer z.largeScanMu.Unlock()
	return z.unmapLarge(lg)
}

// forget drops per-block side tables when a block goes away.
func (z *Zone) forget(addr uintptr, overflowed bool) {
	if overflowed {
		z.retainMu.Lock()
		delete(z.overflow, addr)
		z.retainMu.Unlock()
	}
	z.assocMu.Lock()
	delete(z.assoc, addr)
	z.assocMu.Unlock()
}

// Size returns the usable size of the block at addr, or 0.
func (z *Zone) Size(addr uintptr) uintptr {
	b := z.lookup(addr)
	if !b.valid() {
		return 0
	}
	return b.size()
}

// IsValid reports whether addr is the start of an allocated block.
func (z *Zone) IsValid(addr uintptr) bool {
	return z.lookup(addr).valid()
}

// Retain increments the block's reference count and returns the new count.
// Retained blocks are collection roots.
func (z *Zone) Retain(addr uintptr) (int, error) {
	if err := z.checkOpen(); err != nil {
		return 0, err
	}
	return z.retain(nil, addr)
}

func (z *Zone) retain(t *Thread, addr uintptr) (int, error) {
	b := z.lookup(addr)
	if !b.valid() {
		return 0, z.usage("retain", addr, ErrBadAddress)
	}
	if b.lg != nil {
		return int(b.lg.refcount.Add(1)), nil
	}
	if b.sz.isLocal(b.q) {
		if t == nil || !t.ownsLocal(addr) {
			return 0, z.usage("retain", addr, ErrForeignLocal)
		}
		t.escape(addr)
	}

	z.retainMu.Lock()
	defer z.retainMu.Unlock()
	old, _ := b.sz.side.Update(b.q, func(e sidedata.Entry) sidedata.Entry {
		if rc := e.Refcount(); rc < sidedata.RefcountOverflow {
			return e.WithRefcount(rc + 1)
		}
		return e
	})
	switch rc := old.Refcount(); rc {
	case sidedata.RefcountOverflow:
		z.overflow[addr]++
		return z.overflow[addr], nil
	case sidedata.RefcountOverflow - 1:
		z.overflow[addr] = sidedata.RefcountOverflow
		return sidedata.RefcountOverflow, nil
	default:
		return rc + 1, nil
	}
}

// Release decrements the block's reference count and returns the new count.
// Releasing a block whose count is zero is a usage error.
func (z *Zone) Release(addr uintptr) (int, error) {
	if err := z.checkOpen(); err != nil {
		return 0, err
	}
	b := z.lookup(addr)
	if !b.valid() {
		return 0, z.usage("release", addr, ErrBadAddress)
	}
	if b.lg != nil {
		for {
			rc := b.lg.refcount.Load()
			if rc == 0 {
				return 0, z.usage("release", addr, ErrRefcountUnderflow)
			}
			if b.lg.refcount.CompareAndSwap(rc, rc-1) {
				return int(rc - 1), nil
			}
		}
	}

	z.retainMu.Lock()
	defer z.retainMu.Unlock()
	rc := b.sz.refcount(b.q)
	switch {
	case rc == 0:
		return 0, z.usage("release", addr, ErrRefcountUnderflow)
	case rc == sidedata.RefcountOverflow:
		c := z.overflow[addr] - 1
		if c >= sidedata.RefcountOverflow {
			z.overflow[addr] = c
			return c, nil
		}
		delete(z.overflow, addr)
		b.sz.side.Update(b.q, func(e sidedata.Entry) sidedata.Entry { return e.WithRefcount(c) })
		return c, nil
	default:
		b.sz.side.Update(b.q, func(e sidedata.Entry) sidedata.Entry { return e.WithRefcount(rc - 1) })
		return rc - 1, nil
	}
}

// RetainCount returns the block's reference count.
func (z *Zone) RetainCount(addr uintptr) (int, error) {
	b := z.lookup(addr)
	if !b.valid() {
		return 0, z.usage("retain count", addr, ErrBadAddress)
	}
	if b.lg != nil {
		return int(b.lg.refcount.Load()), nil
	}
	z.retainMu.Lock()
	defer z.retainMu.Unlock()
	rc := b.sz.refcount(b.q)
	if rc == sidedata.RefcountOverflow {
		return z.overflow[addr], nil
	}
	return rc, nil
}

// markCard records a store to dest in its block's write barrier.
func (b block) markCard(dest uintptr) {
	if b.lg != nil {
		b.lg.markCard(dest)
		return
	}
	b.sz.barrier.MarkCard(dest)
}

// condemned reports whether the block at value has been declared garbage by
// the running sweep.
func (z *Zone) condemned(value uintptr) bool {
	if !z.sweeping.Load() {
		return false
	}
	b := z.lookup(value)
	switch {
	case b.lg != nil:
		return b.lg.garbage.Load()
	case b.sz != nil:
		return b.sz.isPending(b.q)
	}
	return false
}

// checkValue validates a reference about to be stored by a caller that owns
// no thread-local blocks.
func (z *Zone) checkValue(op string, value uintptr) error {
	if value == 0 {
		return nil
	}
	if z.condemned(value) {
		return z.usage(op, value, ErrResurrection)
	}
	if sz := z.subzoneFor(value); sz != nil {
		if q, ok := sz.exactQuantum(value); ok && sz.isLocal(q) {
			return z.usage(op, value, ErrForeignLocal)
		}
	}
	return nil
}

// destination validates a store target and returns its block.
func (z *Zone) destination(op string, dest uintptr) (block, error) {
	if !format.IsAligned(dest, format.WordSize) {
		return block{}, z.usage(op, dest, ErrBadAddress)
	}
	b := z.containing(dest)
	if !b.valid() {
		return block{}, z.usage(op, dest, ErrBadAddress)
	}
	return b, nil
}

// Store writes value into the word at dest through the write barrier: the
// destination card is marked first, and while a collection is enlivening the
// value is queued for it.
func (z *Zone) Store(dest, value uintptr) error {
	if err := z.checkOpen(); err != nil {
		return err
	}
	b, err := z.destination("store", dest)
	if err != nil {
		return err
	}
	if b.sz != nil && b.sz.isLocal(b.q) {
		return z.usage("store", dest, ErrForeignLocal)
	}
	if err := z.checkValue("store", value); err != nil {
		return err
	}

	b.markCard(dest)
	z.enlivenMu.Lock()
	if value != 0 && z.enlivening.Load() {
		z.enlivenQueue = append(z.enlivenQueue, value)
	}
	z.arena.Store(dest, value)
	z.enlivenMu.Unlock()
	return nil
}

// Load reads the word at addr, which must lie inside an allocated block.
func (z *Zone) Load(addr uintptr) (uintptr, error) {
	if err := z.checkOpen(); err != nil {
		return 0, err
	}
	if _, err := z.destination("load", addr); err != nil {
		return 0, err
	}
	return z.arena.Load(addr), nil
}

// Bytes returns the memory of the block at addr. Writes through the slice
// bypass the write barrier and must not store references.
func (z *Zone) Bytes(addr uintptr) ([]byte, error) {
	b := z.lookup(addr)
	if !b.valid() {
		return nil, z.usage("bytes", addr, ErrBadAddress)
	}
	return z.arena.Bytes(b.addr(), b.size())
}

// enliven queues value for the running collection on behalf of a caller
// without a thread.
func (z *Zone) enliven(value uintptr) {
	if value == 0 {
		return
	}
	z.enlivenMu.Lock()
	if z.enlivening.Load() {
		z.enlivenQueue = append(z.enlivenQueue, value)
	}
	z.enlivenMu.Unlock()
}

// noteAllocation counts allocated bytes and wakes the background collector
// when the threshold is crossed.
func (z *Zone) noteAllocation(n uintptr) {
	thr := z.opts.CollectionThreshold
	if thr <= 0 {
		return
	}
	if z.allocated.Add(int64(n)) < thr {
		return
	}
	z.allocated.Store(0)
	select {
	case z.trigger <- struct{}{}:
	default:
	}
}

func (z *Zone) backgroundCollector() {
	defer z.wg.Done()
	for {
		select {
		case <-z.done:
			return
		case <-z.trigger:
		}
		mode := Partial
		if z.autoCount.Add(1)%int64(z.opts.FullCollectionInterval) == 0 {
			mode = Full
		}
		if _, err := z.collect(context.Background(), mode, nil); err != nil {
			z.log.Warn("background collection failed", "mode", mode, "error", err)
		}
	}
}
