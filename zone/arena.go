package zone

import (
	"sort"
	"sync"

	"github.com/joshuapare/autozone/internal/format"
)

// span is a run of arena address space.
type span struct {
	addr uintptr
	size uintptr
}

func (s span) end() uintptr { return s.addr + s.size }

// space hands out runs of the arena's address space. Regions take
// subzone-aligned runs and large blocks page-aligned ones. Freed runs are
// merged with their neighbours so large blocks do not fragment the arena
// permanently.
type space struct {
	mu   sync.Mutex
	free []span // sorted by address, never adjacent
	used uintptr
}

func newSpace(base, size uintptr) *space {
	return &space{free: []span{{addr: base, size: size}}}
}

// alloc returns the first run of size bytes aligned to align.
func (s *space) alloc(size, align uintptr) (uintptr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, f := range s.free {
		start := format.AlignUp(f.addr, align)
		if start < f.addr || start+size > f.end() || start+size < start {
			continue
		}
		head := span{addr: f.addr, size: start - f.addr}
		tail := span{addr: start + size, size: f.end() - (start + size)}

		var repl []span
		if head.size > 0 {
			repl = append(repl, head)
		}
		if tail.size > 0 {
			repl = append(repl, tail)
		}
		s.free = append(s.free[:i], append(repl, s.free[i+1:]...)...)
		s.used += size
		return start, true
	}
	return 0, false
}

// release returns [addr, addr+size) to the free runs.
func (s *space) release(addr, size uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.used -= size
	i := sort.Search(len(s.free), func(i int) bool { return s.free[i].addr > addr })
	r := span{addr: addr, size: size}

	mergePrev := i > 0 && s.free[i-1].end() == r.addr
	mergeNext := i < len(s.free) && r.end() == s.free[i].addr
	switch {
	case mergePrev && mergeNext:
		s.free[i-1].size += r.size + s.free[i].size
		s.free = append(s.free[:i], s.free[i+1:]...)
	case mergePrev:
		s.free[i-1].size += r.size
	case mergeNext:
		s.free[i].addr = r.addr
		s.free[i].size += r.size
	default:
		s.free = append(s.free, span{})
		copy(s.free[i+1:], s.free[i:])
		s.free[i] = r
	}
}

// inUse returns the number of bytes handed out.
func (s *space) inUse() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// largest returns the largest free run.
func (s *space) largest() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	var m uintptr
	for _, f := range s.free {
		m = max(m, f.size)
	}
	return m
}

// subzoneFor returns the subzone whose slot contains addr, or nil.
func (z *Zone) subzoneFor(addr uintptr) *subzone {
	if !z.arena.Contains(addr) {
		return nil
	}
	return z.subzoneTable[(addr-z.arena.Base())>>format.SubzoneSizeLog2].Load()
}

// largeFor returns the large block whose mapping contains addr, or nil.
func (z *Zone) largeFor(addr uintptr) *large {
	if !z.arena.Contains(addr) {
		return nil
	}
	return z.largeTable[(addr-z.arena.Base())>>format.PageSizeLog2].Load()
}

func (z *Zone) publishSubzone(sz *subzone) {
	z.subzoneTable[(sz.base-z.arena.Base())>>format.SubzoneSizeLog2].Store(sz)
}

func (z *Zone) publishLarge(lg *large, on bool) {
	first := (lg.base - z.arena.Base()) >> format.PageSizeLog2
	n := lg.vmSize >> format.PageSizeLog2
	for i := first; i < first+n; i++ {
		if on {
			z.largeTable[i].Store(lg)
		} else {
			z.largeTable[i].Store(nil)
		}
	}
}
