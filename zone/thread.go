package zone

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/autozone/internal/format"
	"github.com/joshuapare/autozone/zone/sidedata"
)

// NumRegisters is the size of a thread's register file.
const NumRegisters = 16

// Thread is a mutator's handle on a zone. It carries the thread's
// conservative roots (a shadow stack and a register file), a private cache
// of small blocks, the set of blocks still local to it and its enlivening
// queue.
//
// A Thread must be used by one goroutine at a time. Every operation runs
// holding the thread's run lock, which is how the cooperative platform
// suspends it.
type Thread struct {
	z  *Zone
	id uint64

	// scanMu is held by the collector while it scans the thread and by
	// Unregister, so a thread cannot disappear mid-scan.
	scanMu sync.Mutex

	// runMu is held by every mutator operation and by suspension.
	runMu     sync.Mutex
	suspendMu sync.Mutex
	suspended int

	stack []atomic.Uintptr
	depth atomic.Int32
	regs  [NumRegisters]atomic.Uintptr

	// cache[n] holds blocks of n small quanta, side data Cached.
	cache [format.ThreadCacheMaxQuanta + 1][]uintptr
	local map[uintptr]struct{}

	enlivenMu    sync.Mutex
	enlivening   atomic.Bool
	enlivenQueue []uintptr

	unbinding    atomic.Bool
	unregistered atomic.Bool
}

// RegisterThread binds a new mutator thread to the zone.
func (z *Zone) RegisterThread() (*Thread, error) {
	if err := z.checkOpen(); err != nil {
		return nil, err
	}
	t := &Thread{
		z:     z,
		id:    z.nextThreadID.Add(1),
		stack: make([]atomic.Uintptr, z.opts.StackSlots),
		local: make(map[uintptr]struct{}),
	}

	z.threadsMu.Lock()
	// A collection raising the barrier holds threadsMu shared, so the zone
	// flag is stable here.
	t.enlivening.Store(z.enlivening.Load())
	z.threads[t] = struct{}{}
	z.threadsMu.Unlock()

	z.log.Debug("thread registered", "thread", t.id)
	return t, nil
}

// ID returns the thread's zone-unique identifier.
func (t *Thread) ID() uint64 { return t.id }

// Zone returns the zone the thread is bound to.
func (t *Thread) Zone() *Zone { return t.z }

// enter starts a mutator operation.
func (t *Thread) enter() error {
	if t.unregistered.Load() {
		return ErrUnregistered
	}
	if err := t.z.checkOpen(); err != nil {
		return err
	}
	t.runMu.Lock()
	return nil
}

func (t *Thread) exit() { t.runMu.Unlock() }

func (t *Thread) suspend() {
	t.suspendMu.Lock()
	defer t.suspendMu.Unlock()
	if t.suspended == 0 {
		t.runMu.Lock()
	}
	t.suspended++
}

func (t *Thread) resume() {
	t.suspendMu.Lock()
	defer t.suspendMu.Unlock()
	if t.suspended == 0 {
		return
	}
	t.suspended--
	if t.suspended == 0 {
		t.runMu.Unlock()
	}
}

// Push pushes a word onto the shadow stack.
func (t *Thread) Push(v uintptr) error {
	d := int(t.depth.Load())
	if d >= len(t.stack) {
		return t.z.usage("push", v, ErrStackOverflow)
	}
	t.stack[d].Store(v)
	t.depth.Store(int32(d + 1))
	return nil
}

// Pop removes and returns the top of the shadow stack.
func (t *Thread) Pop() (uintptr, error) {
	d := int(t.depth.Load())
	if d == 0 {
		return 0, t.z.usage("pop", 0, ErrStackUnderflow)
	}
	t.depth.Store(int32(d - 1))
	v := t.stack[d-1].Swap(0)
	return v, nil
}

// SetSlot overwrites the shadow-stack slot i, counted from the bottom.
func (t *Thread) SetSlot(i int, v uintptr) error {
	if i < 0 || i >= int(t.depth.Load()) {
		return t.z.usage("set slot", v, ErrStackUnderflow)
	}
	t.stack[i].Store(v)
	return nil
}

// Slot returns shadow-stack slot i, or 0 when i is above the top.
func (t *Thread) Slot(i int) uintptr {
	if i < 0 || i >= int(t.depth.Load()) {
		return 0
	}
	return t.stack[i].Load()
}

// Depth returns the number of words on the shadow stack.
func (t *Thread) Depth() int { return int(t.depth.Load()) }

// SetRegister sets register i. Out of range indexes are ignored.
func (t *Thread) SetRegister(i int, v uintptr) {
	if i >= 0 && i < NumRegisters {
		t.regs[i].Store(v)
	}
}

// Registers returns a snapshot of the register file.
func (t *Thread) Registers() []uintptr {
	out := make([]uintptr, NumRegisters)
	for i := range t.regs {
		out[i] = t.regs[i].Load()
	}
	return out
}

// ClearRegisters zeroes the register file.
func (t *Thread) ClearRegisters() {
	for i := range t.regs {
		t.regs[i].Store(0)
	}
}

// stackWords returns a snapshot of the live shadow stack.
func (t *Thread) stackWords() []uintptr {
	d := int(t.depth.Load())
	out := make([]uintptr, d)
	for i := range out {
		out[i] = t.stack[i].Load()
	}
	return out
}

// Allocate returns a block of at least size bytes. Small blocks come from
// the thread's cache and start out local to the thread unless RefcountOne is
// set. The address is also left in register 0.
func (t *Thread) Allocate(size uintptr, layout Layout, flags AllocFlags) (uintptr, error) {
	if err := t.enter(); err != nil {
		return 0, err
	}
	defer t.exit()

	z := t.z
	rc := 0
	if flags&RefcountOne != 0 {
		rc = 1
	}
	e := sidedata.Global(layout, rc, sidedata.YoungestAge)
	local := z.opts.ThreadLocal && rc == 0

	var addr uintptr
	if n := z.small.quantaFor(size); size <= format.SmallMaxSize && n <= format.ThreadCacheMaxQuanta {
		if local {
			e = sidedata.Local(layout)
		}
		a, err := t.fromCache(n, e)
		if err != nil {
			return 0, err
		}
		addr = a
		got := uintptr(n) << format.SmallQuantumLog2
		if flags&Clear != 0 {
			z.arena.Zero(addr, got)
		}
		z.counters.allocs.Add(1)
		z.counters.allocBytes.Add(int64(got))
		z.noteAllocation(got)
	} else {
		a, err := z.allocate(size, e, flags)
		if err != nil {
			return 0, err
		}
		addr = a
	}

	if e.IsLocal() {
		t.local[addr] = struct{}{}
	}
	t.regs[0].Store(addr)
	return addr, nil
}

// fromCache pops a cached block of n quanta, refilling the cache from the
// small admin when it is empty, and publishes it with start entry e.
func (t *Thread) fromCache(n int, e sidedata.Entry) (uintptr, error) {
	z := t.z
	if len(t.cache[n]) == 0 {
		blocks, err := z.small.threadCacheAllocate(n, z.opts.ThreadCacheBatch)
		if err != nil {
			return 0, err
		}
		t.cache[n] = blocks
	}
	last := len(t.cache[n]) - 1
	addr := t.cache[n][last]
	t.cache[n] = t.cache[n][:last]

	sz := z.subzoneFor(addr)
	q := sz.quantumIndex(addr)
	z.blacken(sz, q)
	sz.side.Set(q, e)
	return addr, nil
}

// toCache parks a freed local block of n quanta in the cache.
func (t *Thread) toCache(sz *subzone, q, n int) {
	sz.side.Set(q, sidedata.Cached())
	t.cache[n] = append(t.cache[n], sz.quantumAddress(q))
}

// flushCache returns every cached block to the small admin.
func (t *Thread) flushCache() {
	a := t.z.small
	a.mu.Lock()
	defer a.mu.Unlock()
	for n := range t.cache {
		for _, addr := range t.cache[n] {
			sz := t.z.subzoneFor(addr)
			a.deallocateNoLock(sz, sz.quantumIndex(addr), n)
		}
		t.cache[n] = nil
	}
}

// ownsLocal reports whether addr is one of this thread's local blocks.
func (t *Thread) ownsLocal(addr uintptr) bool {
	if t == nil {
		return false
	}
	_, ok := t.local[addr]
	return ok
}

func (t *Thread) forgetLocal(addr uintptr) { delete(t.local, addr) }

// LocalCount returns the number of blocks still local to the thread.
func (t *Thread) LocalCount() int {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	return len(t.local)
}

// IsLocal reports whether addr is a block local to this thread.
func (t *Thread) IsLocal(addr uintptr) bool {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	return t.ownsLocal(addr)
}

// escape promotes addr and every local block transitively reachable from it
// to young global blocks. The caller holds runMu.
func (t *Thread) escape(addr uintptr) {
	if !t.ownsLocal(addr) {
		return
	}
	z := t.z
	work := []uintptr{addr}
	for len(work) > 0 {
		v := work[len(work)-1]
		work = work[:len(work)-1]
		if !t.ownsLocal(v) {
			continue
		}
		sz := z.subzoneFor(v)
		q := sz.quantumIndex(v)
		sz.makeGlobal(q)
		delete(t.local, v)
		z.counters.escapes.Add(1)

		b := block{sz: sz, q: q}
		if !b.layout().IsScanned() {
			continue
		}
		z.eachReference(b, func(_, ref uintptr) {
			if t.ownsLocal(ref) {
				work = append(work, ref)
			}
		})
	}
}

// checkValue validates value for a store by this thread, promoting it when
// it is one of the thread's local blocks and the destination is not.
func (t *Thread) checkValue(op string, value uintptr, destLocal bool) error {
	if value == 0 {
		return nil
	}
	z := t.z
	if z.condemned(value) {
		return z.usage(op, value, ErrResurrection)
	}
	sz := z.subzoneFor(value)
	if sz == nil {
		return nil
	}
	q, ok := sz.exactQuantum(value)
	if !ok || !sz.isLocal(q) {
		return nil
	}
	if !t.ownsLocal(value) {
		return z.usage(op, value, ErrForeignLocal)
	}
	if !destLocal {
		t.escape(value)
	}
	return nil
}

// record performs the barriered store of value at dest: mark the card, then
// queue value for the running collection and store it under the enlivening
// lock.
func (t *Thread) record(b block, dest, value uintptr) {
	b.markCard(dest)
	t.enlivenMu.Lock()
	if value != 0 && t.enlivening.Load() {
		t.enlivenQueue = append(t.enlivenQueue, value)
	}
	t.z.arena.Store(dest, value)
	t.enlivenMu.Unlock()
}

// Store writes value into the word at dest. Storing one of the thread's
// local blocks anywhere but into another of its local blocks makes it
// escape.
func (t *Thread) Store(dest, value uintptr) error {
	if err := t.enter(); err != nil {
		return err
	}
	defer t.exit()

	z := t.z
	b, err := z.destination("store", dest)
	if err != nil {
		return err
	}
	destLocal := false
	if b.sz != nil && b.sz.isLocal(b.q) {
		if !t.ownsLocal(b.addr()) {
			return z.usage("store", dest, ErrForeignLocal)
		}
		destLocal = true
	}
	if err := t.checkValue("store", value, destLocal); err != nil {
		return err
	}
	t.record(b, dest, value)
	return nil
}

// Load reads the word at addr. The value is also left in register 1, so a
// reference read from shared memory stays a root after another thread
// overwrites its source.
func (t *Thread) Load(addr uintptr) (uintptr, error) {
	if err := t.enter(); err != nil {
		return 0, err
	}
	defer t.exit()
	v, err := t.z.Load(addr)
	if err != nil {
		return 0, err
	}
	t.regs[1].Store(v)
	return v, nil
}

// StoreRoot sets a registered root. A local value escapes.
func (t *Thread) StoreRoot(r *Root, value uintptr) error {
	if err := t.enter(); err != nil {
		return err
	}
	defer t.exit()
	if err := t.checkValue("store root", value, false); err != nil {
		return err
	}
	t.enlivenMu.Lock()
	if value != 0 && t.enlivening.Load() {
		t.enlivenQueue = append(t.enlivenQueue, value)
	}
	r.v.Store(value)
	t.enlivenMu.Unlock()
	return nil
}

// SetAssociation associates value with (owner, key). Both escape if local.
func (t *Thread) SetAssociation(owner, key, value uintptr) error {
	if err := t.enter(); err != nil {
		return err
	}
	defer t.exit()
	if err := t.checkValue("set association", owner, false); err != nil {
		return err
	}
	if err := t.checkValue("set association", value, false); err != nil {
		return err
	}
	t.enlivenMu.Lock()
	if value != 0 && t.enlivening.Load() {
		t.enlivenQueue = append(t.enlivenQueue, value)
	}
	t.enlivenMu.Unlock()
	return t.z.setAssociation(owner, key, value)
}

// Free releases a block. Local blocks go back to the thread's cache.
func (t *Thread) Free(addr uintptr) error {
	if err := t.enter(); err != nil {
		return err
	}
	defer t.exit()

	if t.ownsLocal(addr) {
		sz := t.z.subzoneFor(addr)
		q := sz.quantumIndex(addr)
		if n := sz.length(q); n <= format.ThreadCacheMaxQuanta && sz.admin == t.z.small {
			t.forgetLocal(addr)
			t.z.forget(addr, false)
			sz.barrier.ClearCards(addr, uintptr(n)<<format.SmallQuantumLog2)
			t.toCache(sz, q, n)
			t.z.counters.frees.Add(1)
			t.z.counters.freeBytes.Add(int64(n) << format.SmallQuantumLog2)
			return nil
		}
	}
	return t.z.free(t, addr)
}

// Retain increments the block's reference count. A local block escapes
// first, since a retained block is a root for every thread.
func (t *Thread) Retain(addr uintptr) (int, error) {
	if err := t.enter(); err != nil {
		return 0, err
	}
	defer t.exit()
	return t.z.retain(t, addr)
}

// Release decrements the block's reference count.
func (t *Thread) Release(addr uintptr) (int, error) {
	if err := t.enter(); err != nil {
		return 0, err
	}
	defer t.exit()
	return t.z.Release(addr)
}

// Collect runs a local collection and then a zone collection of the given
// mode on behalf of this thread.
func (t *Thread) Collect(ctx context.Context, mode Mode) (CollectionStats, error) {
	if _, err := t.CollectLocal(); err != nil {
		return CollectionStats{}, err
	}
	if t.unregistered.Load() {
		return CollectionStats{}, ErrUnregistered
	}
	return t.z.collect(ctx, mode, t)
}

// Unregister unbinds the thread. Cached blocks return to the zone and
// blocks still local become young global blocks.
func (t *Thread) Unregister() error {
	if t.unregistered.Load() {
		return nil
	}
	t.unbinding.Store(true)

	t.scanMu.Lock()
	t.runMu.Lock()
	t.flushCache()
	for addr := range t.local {
		sz := t.z.subzoneFor(addr)
		sz.makeGlobal(sz.quantumIndex(addr))
	}
	clear(t.local)
	t.depth.Store(0)
	t.ClearRegisters()
	t.unregistered.Store(true)
	t.runMu.Unlock()
	t.scanMu.Unlock()

	// Values queued for a running collection move to the zone queue, which
	// the collector drains with the others.
	t.enlivenMu.Lock()
	if len(t.enlivenQueue) > 0 {
		t.z.enlivenMu.Lock()
		t.z.enlivenQueue = append(t.z.enlivenQueue, t.enlivenQueue...)
		t.z.enlivenMu.Unlock()
	}
	t.enlivenQueue = nil
	t.enlivening.Store(false)
	t.enlivenMu.Unlock()

	t.z.threadsMu.Lock()
	delete(t.z.threads, t)
	t.z.threadsMu.Unlock()

	t.z.log.Debug("thread unregistered", "thread", t.id)
	return nil
}
