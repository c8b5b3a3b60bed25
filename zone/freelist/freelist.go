// Package freelist implements the intrusive free lists threaded through freed
// arena memory.
//
// A free run stores its own bookkeeping in its first and last words:
//
//	word 0      previous node, bit-flipped
//	word 1      next node, bit-flipped
//	word 2      run size in bytes
//	last word   run size again
//
// Links are stored complemented so a free node never looks like a pointer to
// a live block when memory is scanned conservatively. The trailing size lets
// the allocator find the start of a free run from the run that follows it,
// which is what makes backward coalescing O(1).
//
// Runs shorter than MinSizedWords words (a single 16-byte small quantum) have
// no room for the sizes. Their size is implied by the side data and callers
// must not call Size or SizeAgain on them.
package freelist

import (
	"errors"
	"fmt"

	"github.com/joshuapare/autozone/internal/format"
)

// ErrCorrupt indicates a free-list node whose redundant sizes disagree.
var ErrCorrupt = errors.New("freelist: corrupt node")

// MinSizedWords is the smallest run, in words, that records its size.
const MinSizedWords = 4

const (
	prevWord = 0
	nextWord = 1
	sizeWord = 2
)

// Memory is word-granular access to the arena.
type Memory interface {
	Load(addr uintptr) uintptr
	Store(addr, v uintptr)
}

// Node is a view of a free run at Addr.
type Node struct {
	mem  Memory
	Addr uintptr
}

// NodeAt returns the node view of the free run at addr.
func NodeAt(mem Memory, addr uintptr) Node {
	return Node{mem: mem, Addr: addr}
}

func (n Node) word(i uintptr) uintptr {
	return n.Addr + i*format.WordSize
}

// Init writes an unlinked node spanning size bytes.
func (n Node) Init(size uintptr) {
	n.setPrev(0)
	n.setNext(0)
	if size >= MinSizedWords*format.WordSize {
		n.mem.Store(n.word(sizeWord), size)
		n.mem.Store(n.Addr+size-format.WordSize, size)
	}
}

// Prev returns the previous node's address, or 0.
func (n Node) Prev() uintptr { return ^n.mem.Load(n.word(prevWord)) }

// Next returns the next node's address, or 0.
func (n Node) Next() uintptr { return ^n.mem.Load(n.word(nextWord)) }

func (n Node) setPrev(p uintptr) { n.mem.Store(n.word(prevWord), ^p) }
func (n Node) setNext(p uintptr) { n.mem.Store(n.word(nextWord), ^p) }

// Size returns the size recorded at the start of the run.
func (n Node) Size() uintptr { return n.mem.Load(n.word(sizeWord)) }

// SizeAgain returns the size recorded in the last word of the run.
func (n Node) SizeAgain() uintptr {
	size := n.Size()
	if size < MinSizedWords*format.WordSize {
		return 0
	}
	return n.mem.Load(n.Addr + size - format.WordSize)
}

// Validate checks the redundant sizes of a sized run no larger than maxSize.
func (n Node) Validate(maxSize uintptr) error {
	size := n.Size()
	if size < MinSizedWords*format.WordSize || size > maxSize {
		return fmt.Errorf("%w: node %#x size %d", ErrCorrupt, n.Addr, size)
	}
	if again := n.SizeAgain(); again != size {
		return fmt.Errorf("%w: node %#x size %d, trailing size %d", ErrCorrupt, n.Addr, size, again)
	}
	return nil
}

// SizeBefore returns the trailing size of the free run that ends at end.
func SizeBefore(mem Memory, end uintptr) uintptr {
	return mem.Load(end - format.WordSize)
}

// List is a doubly-linked list of free nodes. It is not safe for concurrent
// use; the owning admin's lock serializes access.
type List struct {
	head uintptr
	n    int
}

// Empty reports whether the list has no nodes.
func (l *List) Empty() bool { return l.head == 0 }

// Len returns the number of nodes.
func (l *List) Len() int { return l.n }

// Head returns the first node's address, or 0.
func (l *List) Head() uintptr { return l.head }

// Push links an initialized node at the head.
func (l *List) Push(n Node) {
	n.setPrev(0)
	n.setNext(l.head)
	if l.head != 0 {
		NodeAt(n.mem, l.head).setPrev(n.Addr)
	}
	l.head = n.Addr
	l.n++
}

// Pop unlinks and returns the head node's address, or 0 when empty.
func (l *List) Pop(mem Memory) uintptr {
	if l.head == 0 {
		return 0
	}
	addr := l.head
	l.Remove(NodeAt(mem, addr))
	return addr
}

// Remove unlinks n, which must be on l.
func (l *List) Remove(n Node) {
	prev, next := n.Prev(), n.Next()
	if prev != 0 {
		NodeAt(n.mem, prev).setNext(next)
	} else {
		l.head = next
	}
	if next != 0 {
		NodeAt(n.mem, next).setPrev(prev)
	}
	n.setPrev(0)
	n.setNext(0)
	l.n--
}

// Each calls fn for every node from head to tail until fn returns false.
// fn must not modify the list.
func (l *List) Each(mem Memory, fn func(Node) bool) {
	for addr := l.head; addr != 0; {
		n := NodeAt(mem, addr)
		next := n.Next()
		if !fn(n) {
			return
		}
		addr = next
	}
}
