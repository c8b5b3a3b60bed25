package sidedata

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_SideData_FreeEntry(t *testing.T) {
	e := Free()
	require.True(t, e.IsStart())
	require.True(t, e.IsFree())
	require.False(t, e.IsAllocated())
	require.False(t, e.IsGlobal())
	require.False(t, e.IsLocal())
	require.Equal(t, "free", e.String())
}

func Test_SideData_GlobalEntry(t *testing.T) {
	for _, l := range []Layout{Scanned, Unscanned, Object, ObjectUnscanned} {
		for rc := 0; rc <= RefcountOverflow; rc++ {
			for age := EldestAge; age <= YoungestAge; age++ {
				e := Global(l, rc, age)
				require.True(t, e.IsAllocated())
				require.True(t, e.IsGlobal())
				require.False(t, e.IsLocal())
				require.Equal(t, l, e.Layout())
				require.Equal(t, rc, e.Refcount())
				require.Equal(t, age, e.Age())
				require.Equal(t, age > 0, e.IsNew())
				// Local-only flags never leak through a global entry.
				require.False(t, e.IsGarbage())
				require.False(t, e.NeedsLocalScan())
			}
		}
	}
}

func Test_SideData_LocalEntry(t *testing.T) {
	e := Local(Object)
	require.True(t, e.IsAllocated())
	require.True(t, e.IsLocal())
	require.False(t, e.IsGlobal())
	require.Equal(t, Object, e.Layout())
	// Global-only fields read as zero for local blocks.
	require.Zero(t, e.Refcount())
	require.Zero(t, e.Age())
	require.False(t, e.IsNew())

	g := e.WithGarbage(true)
	require.True(t, g.IsGarbage())
	require.False(t, g.WithGarbage(false).IsGarbage())

	s := e.WithNeedsLocalScan(true)
	require.True(t, s.NeedsLocalScan())
	require.False(t, s.IsGarbage())

	// Global mutators leave local entries alone and vice versa.
	require.Equal(t, e, e.WithRefcount(2))
	require.Equal(t, e, e.WithAge(1))
	gl := Global(Scanned, 1, 2)
	require.Equal(t, gl, gl.WithGarbage(true))
	require.Equal(t, gl, gl.WithNeedsLocalScan(true))
}

func Test_SideData_Globalize(t *testing.T) {
	e := Local(Unscanned).WithNeedsLocalScan(true).Globalize()
	require.True(t, e.IsGlobal())
	assert.Equal(t, Unscanned, e.Layout())
	assert.Zero(t, e.Refcount())
	assert.Equal(t, YoungestAge, e.Age())
}

func Test_SideData_CachedIsDistinct(t *testing.T) {
	c := Cached()
	require.True(t, c.IsCached())
	require.True(t, c.IsAllocated())
	require.False(t, c.IsGlobal())
	require.False(t, Local(Scanned).WithGarbage(true).IsCached())
	require.False(t, Local(Scanned).WithNeedsLocalScan(true).IsCached())
}

func Test_SideData_LengthCode(t *testing.T) {
	for n := 2; n <= MaxLengthCode; n++ {
		e := LengthCode(n)
		require.False(t, e.IsStart(), "n=%d", n)
		require.NotZero(t, e)
		require.Equal(t, n, e.Length())
	}
	require.Zero(t, Entry(0).Length())
	require.Zero(t, Free().Length())
	require.Panics(t, func() { LengthCode(1) })
	require.Panics(t, func() { LengthCode(MaxLengthCode + 1) })
}

func Test_SideData_RefcountAndAgeClamp(t *testing.T) {
	e := Global(Scanned, 9, 9)
	require.Equal(t, RefcountOverflow, e.Refcount())
	require.Equal(t, YoungestAge, e.Age())
	require.Equal(t, 0, e.WithAge(-1).Age())
	require.Equal(t, 2, e.WithRefcount(2).Refcount())
	require.Equal(t, YoungestAge, e.WithRefcount(2).Age())
}

func Test_SideData_TableNeighbourUpdatesAreIndependent(t *testing.T) {
	tbl := NewTable(64)
	for q := 0; q < 4; q++ {
		tbl.Set(q, Free())
	}
	var wg sync.WaitGroup
	for q := 0; q < 4; q++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				tbl.Update(q, func(e Entry) Entry {
					if e.IsFree() {
						return Global(Scanned, 0, YoungestAge)
					}
					return Free()
				})
			}
		}()
	}
	wg.Wait()
	// An even number of toggles leaves every entry free.
	for q := 0; q < 4; q++ {
		require.True(t, tbl.Get(q).IsFree(), "q=%d", q)
	}
}

func Test_SideData_TableCompareAndSwap(t *testing.T) {
	tbl := NewTable(10)
	require.Equal(t, 10, tbl.Len())
	tbl.Set(9, Free())
	require.False(t, tbl.CompareAndSwap(9, 0, Local(Scanned)))
	require.True(t, tbl.CompareAndSwap(9, Free(), Local(Scanned)))
	require.True(t, tbl.Get(9).IsLocal())
	require.Zero(t, tbl.Get(8))
}
