// Package bitmap provides the dense bit vector used for the region-wide mark
// and pending tables.
//
// Every mutator is atomic so that several scan workers can set and test bits
// in the same word concurrently. Readers that only need an approximate view
// (statistics, debug walks) can still use IsSet while writers are active.
package bitmap

import (
	"math/bits"
	"sync/atomic"
)

const (
	wordBits     = 64
	wordBitsLog2 = 6
	wordMask     = wordBits - 1
)

// Bitmap is a fixed-size bit vector. The zero value is an empty bitmap of
// length zero.
type Bitmap struct {
	words []uint64
	n     int
}

// New returns a bitmap able to hold n bits, all clear.
func New(n int) *Bitmap {
	if n < 0 {
		n = 0
	}
	return &Bitmap{
		words: make([]uint64, (n+wordMask)>>wordBitsLog2),
		n:     n,
	}
}

// Len returns the number of bits in the bitmap.
func (b *Bitmap) Len() int {
	return b.n
}

func split(i int) (int, uint64) {
	return i >> wordBitsLog2, 1 << (uint(i) & wordMask)
}

// IsSet reports whether bit i is set.
func (b *Bitmap) IsSet(i int) bool {
	w, m := split(i)
	return atomic.LoadUint64(&b.words[w])&m != 0
}

// Set sets bit i.
func (b *Bitmap) Set(i int) {
	w, m := split(i)
	atomic.OrUint64(&b.words[w], m)
}

// TestSet sets bit i and reports whether it was already set. Exactly one of
// any number of concurrent callers for the same clear bit observes false.
func (b *Bitmap) TestSet(i int) bool {
	w, m := split(i)
	return atomic.OrUint64(&b.words[w], m)&m != 0
}

// TestClear clears bit i and reports whether it was set.
func (b *Bitmap) TestClear(i int) bool {
	w, m := split(i)
	return atomic.AndUint64(&b.words[w], ^m)&m != 0
}

// ClearRange clears bits [i, i+n).
func (b *Bitmap) ClearRange(i, n int) {
	end := i + n
	for i < end {
		w := i >> wordBitsLog2
		lo := uint(i) & wordMask
		span := wordBits - int(lo)
		if span > end-i {
			span = end - i
		}
		var m uint64
		if span == wordBits {
			m = ^uint64(0)
		} else {
			m = ((1 << uint(span)) - 1) << lo
		}
		atomic.AndUint64(&b.words[w], ^m)
		i += span
	}
}

// Count returns the number of set bits.
func (b *Bitmap) Count() int {
	c := 0
	for i := range b.words {
		c += bits.OnesCount64(atomic.LoadUint64(&b.words[i]))
	}
	return c
}

// NextSet returns the index of the first set bit at or after from, or -1.
func (b *Bitmap) NextSet(from int) int {
	if from < 0 {
		from = 0
	}
	if from >= b.n {
		return -1
	}
	w := from >> wordBitsLog2
	word := atomic.LoadUint64(&b.words[w]) >> (uint(from) & wordMask)
	if word != 0 {
		i := from + bits.TrailingZeros64(word)
		if i < b.n {
			return i
		}
		return -1
	}
	for w++; w < len(b.words); w++ {
		word = atomic.LoadUint64(&b.words[w])
		if word != 0 {
			i := w<<wordBitsLog2 + bits.TrailingZeros64(word)
			if i < b.n {
				return i
			}
			return -1
		}
	}
	return -1
}

// ForEachSet calls fn for every set bit in ascending order until fn returns
// false. Bits set behind the cursor while iterating are not revisited.
func (b *Bitmap) ForEachSet(fn func(i int) bool) {
	for i := b.NextSet(0); i >= 0; i = b.NextSet(i + 1) {
		if !fn(i) {
			return
		}
	}
}
