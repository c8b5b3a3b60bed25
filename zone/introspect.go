package zone

import "github.com/joshuapare/autozone/zone/sidedata"

// BlockInfo is the read-only metadata of one allocated block.
type BlockInfo struct {
	Address  uintptr
	Size     uintptr
	Layout   Layout
	RefCount int
	Age      int
	Local    bool
	Large    bool
	Marked   bool // mark bit from the most recent collection
}

func (z *Zone) info(b block) BlockInfo {
	bi := BlockInfo{
		Address: b.addr(),
		Size:    b.size(),
		Layout:  b.layout(),
		Marked:  b.isMarked(),
	}
	if b.lg != nil {
		bi.Large = true
		bi.RefCount = int(b.lg.refcount.Load())
		bi.Age = int(b.lg.age.Load())
		return bi
	}
	e := b.sz.entry(b.q)
	bi.Local = e.IsLocal()
	bi.Age = e.Age()
	bi.RefCount = e.Refcount()
	if bi.RefCount == sidedata.RefcountOverflow {
		z.retainMu.Lock()
		bi.RefCount = z.overflow[bi.Address]
		z.retainMu.Unlock()
	}
	return bi
}

// BlockInfo returns the metadata of the block starting at addr.
func (z *Zone) BlockInfo(addr uintptr) (BlockInfo, bool) {
	b := z.lookup(addr)
	if !b.valid() {
		return BlockInfo{}, false
	}
	return z.info(b), true
}

// Enumerate calls fn for every allocated block, small and medium blocks in
// address order within each subzone, then large blocks, until fn returns
// false. Blocks parked in thread caches are skipped. The snapshot is taken
// before fn is first called, so fn may use the zone.
func (z *Zone) Enumerate(fn func(BlockInfo) bool) {
	var blocks []BlockInfo
	for _, a := range z.admins() {
		a.eachBlock(func(sz *subzone, q, _ int, e sidedata.Entry) {
			if e.IsAllocated() && !e.IsCached() {
				blocks = append(blocks, z.info(block{sz: sz, q: q}))
			}
		})
	}
	for _, lg := range z.largeSnapshot() {
		blocks = append(blocks, z.info(block{lg: lg}))
	}
	for _, bi := range blocks {
		if !fn(bi) {
			return
		}
	}
}
