// Package vm owns the zone's virtual-memory arena: one up-front reservation
// whose pages are committed as regions and large blocks are carved out of it.
//
// All unsafe memory access in the module lives here. The rest of the zone
// works with arena addresses (uintptr values inside [Base, End)) and reads or
// writes words through Load and Store, so free-list nodes, large headers and
// object contents never leak raw pointers outside this package.
//
// Platform support:
//   - linux, darwin: mmap(PROT_NONE, MAP_NORESERVE) reservation, mprotect to
//     commit and guard, madvise to release pages.
//   - windows: VirtualAlloc reserve/commit, VirtualProtect for guards.
//   - everything else: a Go-heap slice; commit and guard are no-ops.
package vm

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/joshuapare/autozone/internal/format"
)

// Arena is a contiguous virtual-memory reservation aligned to a subzone.
type Arena struct {
	raw      []byte // whole mapping, as returned by the OS
	mem      []byte // subzone-aligned window inside raw
	base     uintptr
	size     uintptr
	released atomic.Bool
}

// Reserve reserves size bytes of address space. size is rounded up to a
// whole number of subzones. Nothing is readable until it is committed.
func Reserve(size uintptr) (*Arena, error) {
	if size == 0 {
		return nil, fmt.Errorf("vm: reserve: %w", format.ErrOutOfRange)
	}
	size = format.AlignUp(size, format.SubzoneSize)

	raw, err := osReserve(size + format.SubzoneSize)
	if err != nil {
		return nil, fmt.Errorf("vm: reserve %d bytes: %w", size, err)
	}

	start := uintptr(unsafe.Pointer(&raw[0]))
	skip := format.AlignUp(start, format.SubzoneSize) - start

	a := &Arena{
		raw:  raw,
		mem:  raw[skip : skip+size : skip+size],
		size: size,
	}
	a.base = start + skip
	return a, nil
}

// Base returns the first address of the arena.
func (a *Arena) Base() uintptr { return a.base }

// Size returns the reserved size in bytes.
func (a *Arena) Size() uintptr { return a.size }

// End returns the first address past the arena.
func (a *Arena) End() uintptr { return a.base + a.size }

// Contains reports whether addr lies inside the arena.
func (a *Arena) Contains(addr uintptr) bool {
	return addr >= a.base && addr < a.base+a.size
}

func (a *Arena) span(addr, n uintptr) ([]byte, error) {
	if addr < a.base || n > a.size || addr-a.base > a.size-n {
		return nil, fmt.Errorf("vm: [%#x, +%d): %w", addr, n, format.ErrOutOfRange)
	}
	off := addr - a.base
	return a.mem[off : off+n : off+n], nil
}

func (a *Arena) pageSpan(addr, n uintptr) ([]byte, error) {
	if !format.IsAligned(addr, format.PageSize) || !format.IsAligned(n, format.PageSize) {
		return nil, fmt.Errorf("vm: [%#x, +%d): %w", addr, n, format.ErrMisaligned)
	}
	return a.span(addr, n)
}

// Commit makes [addr, addr+n) readable and writable. Both values must be
// page aligned. Freshly committed memory reads as zero.
func (a *Arena) Commit(addr, n uintptr) error {
	b, err := a.pageSpan(addr, n)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return osCommit(b)
}

// Decommit zeroes [addr, addr+n) and returns its pages to the OS. The range
// is inaccessible until committed again.
func (a *Arena) Decommit(addr, n uintptr) error {
	b, err := a.pageSpan(addr, n)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return osDecommit(b)
}

// Guard makes [addr, addr+n) inaccessible so an overrun faults. On platforms
// without page protection this is a no-op.
func (a *Arena) Guard(addr, n uintptr) error {
	b, err := a.pageSpan(addr, n)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return osGuard(b)
}

// GuardSupported reports whether Guard actually protects memory.
func GuardSupported() bool { return guardSupported }

func (a *Arena) word(addr uintptr) *uintptr {
	off := addr - a.base
	// Slicing bounds-checks the whole word.
	w := a.mem[off : off+format.WordSize : off+format.WordSize]
	return (*uintptr)(unsafe.Pointer(&w[0]))
}

// Load atomically reads the word at addr, which must be word aligned and
// committed.
func (a *Arena) Load(addr uintptr) uintptr {
	return atomic.LoadUintptr(a.word(addr))
}

// Store atomically writes the word at addr, which must be word aligned and
// committed.
func (a *Arena) Store(addr, v uintptr) {
	atomic.StoreUintptr(a.word(addr), v)
}

// Zero clears [addr, addr+n). Whole words are cleared atomically, so a
// concurrent conservative scan never observes a torn word.
func (a *Arena) Zero(addr, n uintptr) {
	b, err := a.span(addr, n)
	if err != nil {
		panic(err)
	}
	first := format.AlignUp(addr, format.WordSize)
	last := format.AlignDown(addr+n, format.WordSize)
	if first >= last {
		clear(b)
		return
	}
	clear(b[:first-addr])
	for w := first; w < last; w += format.WordSize {
		atomic.StoreUintptr(a.word(w), 0)
	}
	clear(b[last-addr:])
}

// Bytes returns the arena memory backing [addr, addr+n). The slice aliases
// the arena; it is only valid while the range stays committed.
func (a *Arena) Bytes(addr, n uintptr) ([]byte, error) {
	return a.span(addr, n)
}

// Cards returns n card words living in the arena at addr. addr must be 4-byte
// aligned and the range committed.
func (a *Arena) Cards(addr uintptr, n int) ([]uint32, error) {
	if !format.IsAligned(addr, 4) {
		return nil, fmt.Errorf("vm: cards at %#x: %w", addr, format.ErrMisaligned)
	}
	b, err := a.span(addr, uintptr(n)*4)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), n), nil
}

// Release unmaps the whole arena. Any further access faults or panics.
// Calling Release twice is a no-op.
func (a *Arena) Release() error {
	if a.released.Swap(true) {
		return nil
	}
	raw := a.raw
	a.mem = nil
	a.raw = nil
	return osRelease(raw)
}
