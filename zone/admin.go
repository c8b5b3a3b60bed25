package zone

import (
	"fmt"
	"sync"

	"github.com/joshuapare/autozone/internal/format"
	"github.com/joshuapare/autozone/zone/freelist"
	"github.com/joshuapare/autozone/zone/sidedata"
)

// admin is the allocator for one size class (small or medium). Free runs
// live on segregated lists indexed by length in quanta; bucket 0 holds runs
// longer than the largest block of the class. New space is bump-carved from
// the active subzone.
//
// Every free quantum run is reachable from exactly one bucket, and every
// quantum below a subzone's cursor is in exactly one block, cached block or
// free run.
type admin struct {
	z         *Zone
	name      string
	log2      uint
	maxQuanta int
	guard     bool // no coalescing

	mu       sync.Mutex
	buckets  []freelist.List
	highest  int // highest non-empty bucket in [1, maxQuanta]
	active   *subzone
	subzones []*subzone
	free     int // quanta on free lists
	carved   int // quanta below every subzone's cursor

	stats adminStats
}

// adminStats holds internal counters, guarded by admin.mu.
type adminStats struct {
	Allocs           int64 // Blocks handed out, cache refills included
	Frees            int64 // Blocks returned
	Bumps            int64 // Allocations carved from the active subzone
	Splits           int64 // Free runs split to satisfy a request
	CoalesceForward  int64 // Merges with the following free run
	CoalesceBackward int64 // Merges with the preceding free run
	CacheRefills     int64 // threadCacheAllocate calls
	Subzones         int64 // Subzones acquired
}

func newAdmin(z *Zone, name string, log2 uint, maxQuanta int, guard bool) *admin {
	return &admin{
		z:         z,
		name:      name,
		log2:      log2,
		maxQuanta: maxQuanta,
		guard:     guard,
		buckets:   make([]freelist.List, maxQuanta+1),
	}
}

// quantaFor converts a request size to quanta of this class.
func (a *admin) quantaFor(size uintptr) int {
	return int(format.Quanta(size, a.log2))
}

func (a *admin) bucketFor(n int) int {
	if n > a.maxQuanta {
		return 0
	}
	return n
}

func (a *admin) node(sz *subzone, q int) freelist.Node {
	return freelist.NodeAt(a.z.arena, sz.quantumAddress(q))
}

// pushRun records [q, q+n) as a free run and links it into its bucket.
func (a *admin) pushRun(sz *subzone, q, n int) {
	sz.side.Set(q, sidedata.Free())
	node := a.node(sz, q)
	node.Init(uintptr(n) << a.log2)
	b := a.bucketFor(n)
	a.buckets[b].Push(node)
	if b > a.highest {
		a.highest = b
	}
	a.free += n
}

// removeRun unlinks the free run of n quanta at q.
func (a *admin) removeRun(sz *subzone, q, n int) {
	b := a.bucketFor(n)
	a.buckets[b].Remove(a.node(sz, q))
	a.free -= n
	if b == a.highest {
		for a.highest > 0 && a.buckets[a.highest].Empty() {
			a.highest--
		}
	}
}

// findRun takes the best-fitting free run of at least n quanta off its
// list: exact bucket first, then larger buckets up to the cached highest,
// then first fit among oversized runs.
func (a *admin) findRun(n int) (*subzone, int, int, error) {
	for b := n; b <= a.highest; b++ {
		head := a.buckets[b].Head()
		if head == 0 {
			continue
		}
		sz := a.z.subzoneFor(head)
		if sz == nil || sz.admin != a {
			return nil, 0, 0, a.z.corrupt("%s bucket %d node %#x outside its subzones", a.name, b, head)
		}
		q := sz.quantumIndex(head)
		if err := a.checkNode(sz, q, b); err != nil {
			return nil, 0, 0, err
		}
		a.removeRun(sz, q, b)
		return sz, q, b, nil
	}

	var found freelist.Node
	a.buckets[0].Each(a.z.arena, func(node freelist.Node) bool {
		if int(node.Size()>>a.log2) >= n {
			found = node
			return false
		}
		return true
	})
	if found.Addr == 0 {
		return nil, 0, 0, nil
	}
	sz := a.z.subzoneFor(found.Addr)
	if sz == nil || sz.admin != a {
		return nil, 0, 0, a.z.corrupt("%s oversized node %#x outside its subzones", a.name, found.Addr)
	}
	r := int(found.Size() >> a.log2)
	q := sz.quantumIndex(found.Addr)
	if err := a.checkNode(sz, q, r); err != nil {
		return nil, 0, 0, err
	}
	a.removeRun(sz, q, r)
	return sz, q, r, nil
}

// checkNode validates a free run about to be reused when integrity checks
// are on.
func (a *admin) checkNode(sz *subzone, q, n int) error {
	if !a.z.opts.IntegrityChecks {
		return nil
	}
	if !sz.isFree(q) {
		return a.z.corrupt("%s free-list node %#x has side data %v", a.name, sz.quantumAddress(q), sz.entry(q))
	}
	if uintptr(n)<<a.log2 < freelist.MinSizedWords*format.WordSize {
		return nil
	}
	if err := a.node(sz, q).Validate(format.SubzoneSize); err != nil {
		return a.z.corrupt("%s: %v", a.name, err)
	}
	return nil
}

// bump carves n quanta from the active subzone, retiring its tail to the
// free lists and acquiring a fresh subzone when it is too short.
func (a *admin) bump(n int) (*subzone, int, error) {
	if sz := a.active; sz != nil {
		c := sz.limit()
		if c+n <= sz.quanta {
			sz.cursor.Store(int32(c + n))
			a.carved += n
			a.stats.Bumps++
			return sz, c, nil
		}
		if tail := sz.quanta - c; tail > 0 {
			sz.cursor.Store(int32(sz.quanta))
			a.carved += tail
			a.pushRun(sz, c, tail)
		}
		a.active = nil
	}

	sz, err := a.z.newSubzone(a)
	if err != nil {
		return nil, 0, err
	}
	a.active = sz
	a.subzones = append(a.subzones, sz)
	a.stats.Subzones++

	sz.cursor.Store(int32(n))
	a.carved += n
	a.stats.Bumps++
	return sz, 0, nil
}

// allocateNoLock finds n quanta and records them as a block with start
// entry e. The caller holds a.mu.
func (a *admin) allocateNoLock(n int, e sidedata.Entry) (*subzone, int, error) {
	sz, q, r, err := a.findRun(n)
	if err != nil {
		return nil, 0, err
	}
	if sz == nil {
		if sz, q, err = a.bump(n); err != nil {
			return nil, 0, err
		}
	} else if r > n {
		a.pushRun(sz, q+n, r-n)
		a.stats.Splits++
	}
	sz.allocate(q, n, e)
	a.stats.Allocs++
	return sz, q, nil
}

// threadCacheAllocate carves up to count blocks of n quanta for a thread
// cache under a single lock acquisition. The blocks are marked cached.
func (a *admin) threadCacheAllocate(n, count int) ([]uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.CacheRefills++
	out := make([]uintptr, 0, count)
	for range count {
		sz, q, err := a.allocateNoLock(n, sidedata.Cached())
		if err != nil {
			if len(out) > 0 {
				break
			}
			return nil, err
		}
		out = append(out, sz.quantumAddress(q))
	}
	return out, nil
}

// deallocate returns the block of n quanta at q to the free lists.
func (a *admin) deallocate(sz *subzone, q, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deallocateNoLock(sz, q, n)
}

// freeBlock validates and releases the block at q on behalf of t (nil for
// unregistered callers). It returns the block's start entry and size. A nil
// error with a zero size means a running sweep has condemned the block and
// will reclaim it.
func (a *admin) freeBlock(t *Thread, sz *subzone, q int) (sidedata.Entry, uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e := sz.entry(q)
	switch {
	case e.IsFree():
		return e, 0, ErrDoubleFree
	case !e.IsStart():
		// A block merged into a neighbouring run has no start entry left.
		if _, ok := sz.freeRunContaining(q); ok {
			return e, 0, ErrDoubleFree
		}
		return e, 0, ErrBadAddress
	case !e.IsAllocated() || e.IsCached():
		return e, 0, ErrBadAddress
	case e.IsLocal() && (t == nil || !t.ownsLocal(sz.quantumAddress(q))):
		return e, 0, ErrForeignLocal
	case a.z.sweeping.Load() && sz.isPending(q):
		return e, 0, nil
	}
	n := sz.length(q)
	size := uintptr(n) << a.log2
	sz.barrier.ClearCards(sz.quantumAddress(q), size)
	a.deallocateNoLock(sz, q, n)
	return e, size, nil
}

// deallocateNoLock frees [q, q+n), merging it with free neighbours on both
// sides. The caller holds a.mu.
func (a *admin) deallocateNoLock(sz *subzone, q, n int) {
	sz.release(q, n)
	a.stats.Frees++
	start, length := q, n

	if !a.guard {
		if next := q + n; next < sz.limit() && sz.isFree(next) {
			m := sz.freeRunLength(next)
			a.removeRun(sz, next, m)
			sz.side.Set(next, 0)
			length += m
			a.stats.CoalesceForward++
		}

		if q > 0 {
			switch prev := sz.entry(q - 1); {
			case prev.IsFree():
				// Single-quantum run; longer runs have a zero last quantum.
				a.removeRun(sz, q-1, 1)
				sz.side.Set(q, 0)
				start, length = q-1, length+1
				a.stats.CoalesceBackward++
			case prev == 0:
				size := freelist.SizeBefore(a.z.arena, sz.quantumAddress(q))
				m := int(size >> a.log2)
				s := q - m
				if m < 2 || s < 0 || !sz.isFree(s) || sz.freeRunLength(s) != m {
					err := a.z.corrupt("%s run before %#x has trailing size %d", a.name, sz.quantumAddress(q), size)
					a.z.log.Error("backward coalesce skipped", "admin", a.name, "error", err)
					break
				}
				a.removeRun(sz, s, m)
				sz.side.Set(q, 0)
				start, length = s, length+m
				a.stats.CoalesceBackward++
			}
		}
	}

	a.pushRun(sz, start, length)
}

// freeBytesNoLock sums the sizes of every run on the free lists.
func (a *admin) freeBytesNoLock() uintptr {
	var total uintptr
	for b := 1; b < len(a.buckets); b++ {
		total += uintptr(a.buckets[b].Len()*b) << a.log2
	}
	a.buckets[0].Each(a.z.arena, func(n freelist.Node) bool {
		total += n.Size()
		return true
	})
	return total
}

func (a *admin) subzoneSnapshot() []*subzone {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*subzone(nil), a.subzones...)
}

// eachSubzone calls fn for a snapshot of the admin's subzones.
func (a *admin) eachSubzone(fn func(*subzone)) {
	for _, sz := range a.subzoneSnapshot() {
		fn(sz)
	}
}

// eachBlock calls fn under the admin lock for every block and free run
// carved from the admin's subzones.
func (a *admin) eachBlock(fn func(sz *subzone, q, n int, e sidedata.Entry)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, sz := range a.subzones {
		sz.eachBlock(func(q, n int, e sidedata.Entry) bool {
			fn(sz, q, n, e)
			return true
		})
	}
}

// reclaim frees the condemned blocks whose pending bit is still set and
// returns the number of blocks and bytes released. A block freed explicitly
// since it was condemned has lost its pending bit and is skipped.
func (a *admin) reclaim(blocks []block) (int, uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	count, bytes := 0, uintptr(0)
	for _, b := range blocks {
		if !b.sz.testClearPending(b.q) {
			continue
		}
		n := b.sz.length(b.q)
		size := uintptr(n) << a.log2
		b.sz.barrier.ClearCards(b.addr(), size)
		a.deallocateNoLock(b.sz, b.q, n)
		count++
		bytes += size
	}
	return count, bytes
}

// checkFreeLists walks every bucket and verifies that each node is a free
// run of the bucket's length with consistent sizes, and that the lists
// account for every free quantum.
func (a *admin) checkFreeLists() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := 0
	var err error
	for b := range a.buckets {
		a.buckets[b].Each(a.z.arena, func(node freelist.Node) bool {
			sz := a.z.subzoneFor(node.Addr)
			if sz == nil || sz.admin != a {
				err = fmt.Errorf("%w: %s bucket %d node %#x outside its subzones", ErrCorruption, a.name, b, node.Addr)
				return false
			}
			q := sz.quantumIndex(node.Addr)
			if !sz.isFree(q) {
				err = fmt.Errorf("%w: %s bucket %d node %#x side data %v", ErrCorruption, a.name, b, node.Addr, sz.entry(q))
				return false
			}
			n := sz.freeRunLength(q)
			if a.bucketFor(n) != b {
				err = fmt.Errorf("%w: %s run of %d quanta at %#x in bucket %d", ErrCorruption, a.name, n, node.Addr, b)
				return false
			}
			if uintptr(n)<<a.log2 >= freelist.MinSizedWords*format.WordSize {
				if verr := node.Validate(format.SubzoneSize); verr != nil {
					err = fmt.Errorf("%w: %s: %v", ErrCorruption, a.name, verr)
					return false
				}
			}
			total += n
			return true
		})
		if err != nil {
			return err
		}
	}
	if total != a.free {
		return fmt.Errorf("%w: %s free lists hold %d quanta, counter says %d", ErrCorruption, a.name, total, a.free)
	}
	return nil
}

// newSubzone hands a fresh subzone to a, growing a new region when every
// existing one is full.
func (z *Zone) newSubzone(a *admin) (*subzone, error) {
	z.regionsMu.Lock()
	defer z.regionsMu.Unlock()

	for _, r := range z.regions {
		if r.full() {
			continue
		}
		sz, err := r.newSubzone(a)
		if err != nil {
			return nil, err
		}
		if sz != nil {
			return sz, nil
		}
	}

	r, err := z.newRegion()
	if err != nil {
		return nil, err
	}
	z.regions = append(z.regions, r)
	sz, err := r.newSubzone(a)
	if err != nil {
		return nil, err
	}
	if sz == nil {
		return nil, fmt.Errorf("empty region: %w", ErrNoSpace)
	}
	return sz, nil
}
