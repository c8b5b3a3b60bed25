package zone

import (
	"sync/atomic"

	"github.com/joshuapare/autozone/internal/format"
	"github.com/joshuapare/autozone/zone/barrier"
	"github.com/joshuapare/autozone/zone/freelist"
	"github.com/joshuapare/autozone/zone/sidedata"
)

// subzone is a 1 MiB slab of one size class. Quanta below cursor have been
// carved: each belongs to exactly one allocated block, cached block or free
// run. Quanta at or above cursor have never been handed out and their side
// data is zero.
type subzone struct {
	region *region
	slot   int
	base   uintptr
	log2   uint
	quanta int
	admin  *admin

	side    *sidedata.Table
	barrier *barrier.WriteBarrier
	cursor  atomic.Int32
}

func newSubzone(r *region, slot int, base uintptr, a *admin) *subzone {
	quanta := format.SubzoneSize >> a.log2
	return &subzone{
		region:  r,
		slot:    slot,
		base:    base,
		log2:    a.log2,
		quanta:  quanta,
		admin:   a,
		side:    sidedata.NewTable(quanta),
		barrier: barrier.New(base, format.SubzoneSize, nil),
	}
}

func (s *subzone) quantumSize() uintptr { return 1 << s.log2 }

func (s *subzone) quantumIndex(addr uintptr) int {
	return int((addr - s.base) >> s.log2)
}

func (s *subzone) quantumAddress(q int) uintptr {
	return s.base + uintptr(q)<<s.log2
}

func (s *subzone) limit() int { return int(s.cursor.Load()) }

// exactQuantum returns the quantum starting at addr when addr is quantum
// aligned and carved.
func (s *subzone) exactQuantum(addr uintptr) (int, bool) {
	off := addr - s.base
	if off&(s.quantumSize()-1) != 0 {
		return 0, false
	}
	q := int(off >> s.log2)
	return q, q < s.limit()
}

func (s *subzone) entry(q int) sidedata.Entry { return s.side.Get(q) }

func (s *subzone) isStart(q int) bool { return s.entry(q).IsStart() }

func (s *subzone) isFree(q int) bool { return s.entry(q).IsFree() }

func (s *subzone) layout(q int) sidedata.Layout { return s.entry(q).Layout() }

func (s *subzone) refcount(q int) int { return s.entry(q).Refcount() }

func (s *subzone) isLocal(q int) bool { return s.entry(q).IsLocal() }

// length returns the length in quanta of the allocated block at q.
func (s *subzone) length(q int) int {
	if q+1 >= s.quanta {
		return 1
	}
	if n := s.entry(q + 1).Length(); n > 0 {
		return n
	}
	return 1
}

func (s *subzone) blockSize(q int) uintptr {
	return uintptr(s.length(q)) << s.log2
}

// freeRunLength returns the length in quanta of the free run at q. Runs of a
// single quantum carry no size; they are recognised by the start bit of the
// quantum that follows. Callers hold the admin lock.
func (s *subzone) freeRunLength(q int) int {
	if q+1 >= s.limit() || s.isStart(q+1) {
		return 1
	}
	return int(freelist.NodeAt(s.region.z.arena, s.quantumAddress(q)).Size() >> s.log2)
}

// blockStart returns the start quantum of the allocated block containing addr.
func (s *subzone) blockStart(addr uintptr) (int, bool) {
	q := s.quantumIndex(addr)
	if q >= s.limit() {
		return 0, false
	}
	maxLen := s.admin.maxQuanta
	for i := 0; i < maxLen && q >= 0; i, q = i+1, q-1 {
		e := s.entry(q)
		if !e.IsStart() {
			continue
		}
		if !e.IsAllocated() || s.quantumIndex(addr) >= q+s.length(q) {
			return 0, false
		}
		return q, true
	}
	return 0, false
}

// freeRunContaining returns the start of the free run covering q. Callers
// hold the admin lock.
func (s *subzone) freeRunContaining(q int) (int, bool) {
	if q >= s.limit() {
		return 0, false
	}
	for p := q; p >= 0; p-- {
		e := s.entry(p)
		if !e.IsStart() {
			continue
		}
		if !e.IsFree() {
			return 0, false
		}
		return p, q < p+s.freeRunLength(p)
	}
	return 0, false
}

// allocate records [q, q+n) as a block with start entry e. Length codes are
// written before the start entry so a concurrent reader never sees an
// allocated start with a missing length. The quantum after the block is not
// touched.
func (s *subzone) allocate(q, n int, e sidedata.Entry) {
	if n >= 2 {
		code := sidedata.LengthCode(n)
		s.side.Set(q+1, code)
		s.side.Set(q+n-1, code)
	}
	s.side.Set(q, e)
}

// release turns the block [q, q+n) back into unlinked free quanta: the start
// becomes a free start, the length codes are cleared.
func (s *subzone) release(q, n int) {
	s.side.Set(q, sidedata.Free())
	if n >= 2 {
		s.side.Set(q+1, 0)
		s.side.Set(q+n-1, 0)
	}
}

func (s *subzone) markIndex(q int) int { return bias(s.slot) + q }

func (s *subzone) testSetMark(q int) bool { return s.region.marks.TestSet(s.markIndex(q)) }

func (s *subzone) isMarked(q int) bool { return s.region.marks.IsSet(s.markIndex(q)) }

func (s *subzone) setMark(q int) { s.region.marks.Set(s.markIndex(q)) }

func (s *subzone) setPending(q int) { s.region.pending.Set(s.markIndex(q)) }

func (s *subzone) testClearPending(q int) bool {
	return s.region.pending.TestClear(s.markIndex(q))
}

func (s *subzone) isPending(q int) bool { return s.region.pending.IsSet(s.markIndex(q)) }

// makeGlobal promotes a local block to a young global block.
func (s *subzone) makeGlobal(q int) bool {
	old, e := s.side.Update(q, func(e sidedata.Entry) sidedata.Entry {
		return e.Globalize()
	})
	return old != e
}

// mature ages a surviving global block and reports whether it just became
// old. A block turning old has every card marked, since references it
// already holds to young blocks were never recorded by the barrier.
func (s *subzone) mature(q int) bool {
	old, e := s.side.Update(q, func(e sidedata.Entry) sidedata.Entry {
		if !e.IsGlobal() || !e.IsNew() {
			return e
		}
		return e.WithAge(e.Age() - 1)
	})
	if old.IsNew() && !e.IsNew() {
		s.barrier.MarkCards(s.quantumAddress(q), s.blockSize(q))
		return true
	}
	return false
}

// eachBlock calls fn for every carved block or free run in address order
// until fn returns false. Callers hold the admin lock.
func (s *subzone) eachBlock(fn func(q, n int, e sidedata.Entry) bool) {
	lim := s.limit()
	for q := 0; q < lim; {
		e := s.entry(q)
		var n int
		switch {
		case e.IsFree():
			n = s.freeRunLength(q)
		case e.IsStart():
			n = s.length(q)
		default:
			// Not a boundary; only reachable with corrupt side data.
			n = 1
		}
		if !fn(q, n, e) {
			return
		}
		q += n
	}
}
