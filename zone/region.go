package zone

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/autozone/internal/bitmap"
	"github.com/joshuapare/autozone/internal/format"
)

// region is a contiguous run of subzone slots plus the mark and pending
// bitmaps for every quantum they can hold. Bit index of quantum q of the
// subzone in slot i is i<<MaxQuantaLog2 | q, so each subzone owns a disjoint
// stripe whatever its quantum size.
type region struct {
	z     *Zone
	base  uintptr
	slots int

	mu       sync.Mutex
	count    atomic.Int32 // slots handed out
	subzones []atomic.Pointer[subzone]

	marks   *bitmap.Bitmap
	pending *bitmap.Bitmap
}

// newRegion reserves and publishes a region. It commits nothing; subzones
// are committed as they are carved.
func (z *Zone) newRegion() (*region, error) {
	slots := z.opts.SubzonesPerRegion
	size := uintptr(slots) * format.SubzoneSize
	base, ok := z.space.alloc(size, format.SubzoneSize)
	if !ok {
		return nil, fmt.Errorf("region of %d subzones: %w", slots, ErrNoSpace)
	}
	bits := slots << format.MaxQuantaLog2
	r := &region{
		z:        z,
		base:     base,
		slots:    slots,
		subzones: make([]atomic.Pointer[subzone], slots),
		marks:    bitmap.New(bits),
		pending:  bitmap.New(bits),
	}
	z.log.Debug("region created", "base", fmt.Sprintf("%#x", base), "subzones", slots)
	return r, nil
}

// full reports whether every slot has been carved.
func (r *region) full() bool {
	return int(r.count.Load()) >= r.slots
}

// newSubzone carves and commits the next slot for a. It returns nil when the
// region is full.
func (r *region) newSubzone(a *admin) (*subzone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := int(r.count.Load())
	if i >= r.slots {
		return nil, nil
	}
	base := r.base + uintptr(i)*format.SubzoneSize
	if err := r.z.arena.Commit(base, format.SubzoneSize); err != nil {
		return nil, fmt.Errorf("commit subzone %#x: %w", base, err)
	}
	sz := newSubzone(r, i, base, a)
	r.subzones[i].Store(sz)
	r.count.Store(int32(i + 1))
	r.z.publishSubzone(sz)
	return sz, nil
}

// bias returns the first mark/pending bit of the subzone in slot i.
func bias(i int) int {
	return i << format.MaxQuantaLog2
}

// clearMarks resets the mark and pending stripes of every carved slot.
// Uncarved slots never have bits set.
func (r *region) clearMarks() {
	for i := range int(r.count.Load()) {
		r.marks.ClearRange(bias(i), format.MaxQuanta)
		r.pending.ClearRange(bias(i), format.MaxQuanta)
	}
}

// markedBlocks returns the number of subzone blocks marked in r.
func (r *region) markedBlocks() int {
	return r.marks.Count()
}

// hasPending reports whether any pending bit is set.
func (r *region) hasPending() bool {
	return r.pending.NextSet(0) >= 0
}

// subzoneAt returns the subzone owning bit index i.
func (r *region) subzoneAt(i int) *subzone {
	slot := i >> format.MaxQuantaLog2
	if slot >= r.slots {
		return nil
	}
	return r.subzones[slot].Load()
}
