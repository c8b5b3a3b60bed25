package sidedata

import "sync/atomic"

// Table holds one Entry per quantum.
type Table struct {
	words []uint32
	n     int
}

// NewTable returns a table of n zero entries.
func NewTable(n int) *Table {
	return &Table{words: make([]uint32, (n+3)/4), n: n}
}

// Len returns the number of entries.
func (t *Table) Len() int { return t.n }

func locate(q int) (int, uint) {
	return q >> 2, uint(q&3) * 8
}

// Get returns the entry of quantum q.
func (t *Table) Get(q int) Entry {
	w, shift := locate(q)
	return Entry(atomic.LoadUint32(&t.words[w]) >> shift)
}

// Set stores e for quantum q.
func (t *Table) Set(q int, e Entry) {
	t.Update(q, func(Entry) Entry { return e })
}

// Update atomically replaces the entry of quantum q with fn(old) and returns
// the old and new entries. fn may run more than once under contention.
func (t *Table) Update(q int, fn func(Entry) Entry) (Entry, Entry) {
	w, shift := locate(q)
	addr := &t.words[w]
	for {
		word := atomic.LoadUint32(addr)
		old := Entry(word >> shift)
		e := fn(old)
		if e == old {
			return old, e
		}
		next := word&^(0xff<<shift) | uint32(e)<<shift
		if atomic.CompareAndSwapUint32(addr, word, next) {
			return old, e
		}
	}
}

// CompareAndSwap replaces the entry of q with e if it currently equals old.
func (t *Table) CompareAndSwap(q int, old, e Entry) bool {
	w, shift := locate(q)
	addr := &t.words[w]
	for {
		word := atomic.LoadUint32(addr)
		if Entry(word>>shift) != old {
			return false
		}
		next := word&^(0xff<<shift) | uint32(e)<<shift
		if atomic.CompareAndSwapUint32(addr, word, next) {
			return true
		}
	}
}
