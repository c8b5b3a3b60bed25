package zone

import (
	"github.com/joshuapare/autozone/internal/format"
	"github.com/joshuapare/autozone/zone/sidedata"
)

// LocalStats describes one thread-local collection.
type LocalStats struct {
	Local          int     // Local blocks before the collection
	Scanned        int     // Local blocks traced
	Reclaimed      int     // Local blocks reclaimed
	ReclaimedBytes uintptr // Bytes reclaimed
}

// CollectLocal reclaims the thread's local blocks that are unreachable from
// its shadow stack and registers. Local blocks can only be referenced from
// those roots or from other local blocks of the same thread, so nothing
// else is scanned and no other thread is stopped. The needs-local-scan bit
// of each block serves as its mark.
func (t *Thread) CollectLocal() (LocalStats, error) {
	if err := t.enter(); err != nil {
		return LocalStats{}, err
	}
	defer t.exit()

	z := t.z
	st := LocalStats{Local: len(t.local)}
	z.counters.localCollections.Add(1)
	if st.Local == 0 {
		return st, nil
	}

	for addr := range t.local {
		sz, q := t.localBlock(addr)
		sz.side.Update(q, func(e sidedata.Entry) sidedata.Entry { return e.WithNeedsLocalScan(false) })
	}

	var work []uintptr
	mark := func(v uintptr) {
		if !t.ownsLocal(v) {
			return
		}
		sz, q := t.localBlock(v)
		old, e := sz.side.Update(q, func(e sidedata.Entry) sidedata.Entry { return e.WithNeedsLocalScan(true) })
		if old != e {
			work = append(work, v)
		}
	}
	for _, v := range t.stackWords() {
		mark(v)
	}
	for _, v := range t.Registers() {
		mark(v)
	}
	for len(work) > 0 {
		v := work[len(work)-1]
		work = work[:len(work)-1]
		st.Scanned++
		sz, q := t.localBlock(v)
		z.eachReference(block{sz: sz, q: q}, func(_, ref uintptr) { mark(ref) })
	}

	var garbage []uintptr
	for addr := range t.local {
		sz, q := t.localBlock(addr)
		if sz.entry(q).NeedsLocalScan() {
			sz.side.Update(q, func(e sidedata.Entry) sidedata.Entry { return e.WithNeedsLocalScan(false) })
			continue
		}
		sz.side.Update(q, func(e sidedata.Entry) sidedata.Entry { return e.WithGarbage(true) })
		garbage = append(garbage, addr)
	}
	if len(garbage) == 0 {
		return st, nil
	}

	if hook := z.opts.Invalidate; hook != nil {
		for _, addr := range garbage {
			sz, q := t.localBlock(addr)
			hook(addr, sz.blockSize(q))
		}
	}
	if hook := z.opts.ClearWeak; hook != nil {
		hook(garbage)
	}

	for _, addr := range garbage {
		sz, q := t.localBlock(addr)
		n := sz.length(q)
		size := uintptr(n) << sz.log2
		delete(t.local, addr)
		z.forget(addr, false)
		sz.barrier.ClearCards(addr, size)
		if n <= format.ThreadCacheMaxQuanta {
			t.toCache(sz, q, n)
		} else {
			sz.admin.deallocate(sz, q, n)
		}
		st.Reclaimed++
		st.ReclaimedBytes += size
	}

	z.counters.localReclaimed.Add(int64(st.Reclaimed))
	z.counters.localReclaimedBytes.Add(int64(st.ReclaimedBytes))
	z.log.Debug("local collection finished",
		"thread", t.id,
		"local", st.Local,
		"reclaimed", st.Reclaimed,
		"bytes", st.ReclaimedBytes)
	return st, nil
}

func (t *Thread) localBlock(addr uintptr) (*subzone, int) {
	sz := t.z.subzoneFor(addr)
	return sz, sz.quantumIndex(addr)
}
