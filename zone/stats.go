package zone

import (
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/autozone/internal/format"
	"github.com/joshuapare/autozone/zone/sidedata"
)

// counters are the zone-wide event counters behind Stats.
type counters struct {
	allocs     atomic.Int64
	allocBytes atomic.Int64
	frees      atomic.Int64
	freeBytes  atomic.Int64
	escapes    atomic.Int64

	collections         atomic.Int64
	fullCollections     atomic.Int64
	reclaimed           atomic.Int64
	reclaimedBytes      atomic.Int64
	promoted            atomic.Int64
	cardRanges          atomic.Int64
	overflowRetries     atomic.Int64
	localCollections    atomic.Int64
	localReclaimed      atomic.Int64
	localReclaimedBytes atomic.Int64
}

func (c *counters) record(st CollectionStats) {
	c.collections.Add(1)
	if st.Mode == Full {
		c.fullCollections.Add(1)
	}
	c.reclaimed.Add(int64(st.Reclaimed))
	c.reclaimedBytes.Add(int64(st.ReclaimedBytes))
	c.promoted.Add(int64(st.Promoted))
	c.cardRanges.Add(st.CardRanges)
}

// ClassStats describes one size-class admin.
type ClassStats struct {
	Subzones       int     // Subzones owned
	CommittedBytes uintptr // Bytes carved from those subzones
	FreeBytes      uintptr // Bytes on the free lists
	Allocs         int64   // Blocks handed out, cache refills included
	Frees          int64   // Blocks returned
	Splits         int64   // Free runs split to satisfy a request
	Coalesces      int64   // Merges with a free neighbour
	CacheRefills   int64   // Thread cache refills
}

// Stats is a snapshot of zone activity.
type Stats struct {
	Small  ClassStats
	Medium ClassStats

	LargeBlocks int     // Live large blocks
	LargeBytes  uintptr // Payload bytes of live large blocks
	Regions     int     // Regions reserved
	ArenaInUse  uintptr // Arena address space handed out
	ArenaSize   uintptr // Arena reservation
	ArenaFree   uintptr // Largest unreserved run of the arena

	Threads int // Registered threads
	Roots   int // Registered roots

	Allocs     int64 // Allocations
	AllocBytes int64 // Bytes allocated
	Frees      int64 // Explicit frees
	FreeBytes  int64 // Bytes explicitly freed
	Escapes    int64 // Local blocks promoted to global

	Collections         int64 // Zone collections
	FullCollections     int64 // Of which full
	Reclaimed           int64 // Blocks reclaimed by zone collections
	ReclaimedBytes      int64 // Bytes reclaimed by zone collections
	Promoted            int64 // Blocks that became old
	CardRanges          int64 // Old-block card ranges rescanned
	OverflowRetries     int64 // Collections restarted in bitmap mode
	LocalCollections    int64 // Thread-local collections
	LocalReclaimed      int64 // Blocks reclaimed locally
	LocalReclaimedBytes int64 // Bytes reclaimed locally
}

func (a *admin) classStats() ClassStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ClassStats{
		Subzones:       len(a.subzones),
		CommittedBytes: uintptr(a.carved) << a.log2,
		FreeBytes:      a.freeBytesNoLock(),
		Allocs:         a.stats.Allocs,
		Frees:          a.stats.Frees,
		Splits:         a.stats.Splits,
		Coalesces:      a.stats.CoalesceForward + a.stats.CoalesceBackward,
		CacheRefills:   a.stats.CacheRefills,
	}
}

// Stats returns a snapshot of the zone's counters.
func (z *Zone) Stats() Stats {
	s := Stats{
		Small:      z.small.classStats(),
		Medium:     z.medium.classStats(),
		Regions:    len(z.regionSnapshot()),
		ArenaInUse: z.space.inUse(),
		ArenaSize:  z.arena.Size(),
		ArenaFree:  z.space.largest(),
		Roots:      z.RootCount(),

		Allocs:     z.counters.allocs.Load(),
		AllocBytes: z.counters.allocBytes.Load(),
		Frees:      z.counters.frees.Load(),
		FreeBytes:  z.counters.freeBytes.Load(),
		Escapes:    z.counters.escapes.Load(),

		Collections:         z.counters.collections.Load(),
		FullCollections:     z.counters.fullCollections.Load(),
		Reclaimed:           z.counters.reclaimed.Load(),
		ReclaimedBytes:      z.counters.reclaimedBytes.Load(),
		Promoted:            z.counters.promoted.Load(),
		CardRanges:          z.counters.cardRanges.Load(),
		OverflowRetries:     z.counters.overflowRetries.Load(),
		LocalCollections:    z.counters.localCollections.Load(),
		LocalReclaimed:      z.counters.localReclaimed.Load(),
		LocalReclaimedBytes: z.counters.localReclaimedBytes.Load(),
	}
	for _, lg := range z.largeSnapshot() {
		s.LargeBlocks++
		s.LargeBytes += lg.size
	}
	z.threadsMu.RLock()
	s.Threads = len(z.threads)
	z.threadsMu.RUnlock()
	return s
}

// PrintStats writes a human-readable report of Stats to w.
func (z *Zone) PrintStats(w io.Writer) {
	s := z.Stats()
	p := message.NewPrinter(language.English)

	p.Fprintf(w, "\n=== ZONE STATISTICS ===\n")
	p.Fprintf(w, "Arena:              %d / %d bytes (%d regions)\n", s.ArenaInUse, s.ArenaSize, s.Regions)
	p.Fprintf(w, "Largest free run:   %d bytes\n", s.ArenaFree)
	p.Fprintf(w, "Threads:            %d\n", s.Threads)
	p.Fprintf(w, "Roots:              %d\n", s.Roots)
	p.Fprintf(w, "Allocations:        %d (%d bytes)\n", s.Allocs, s.AllocBytes)
	p.Fprintf(w, "Explicit frees:     %d (%d bytes)\n", s.Frees, s.FreeBytes)
	p.Fprintf(w, "Escapes:            %d\n", s.Escapes)

	for _, c := range []struct {
		name string
		cs   ClassStats
	}{{"Small", s.Small}, {"Medium", s.Medium}} {
		p.Fprintf(w, "\n%s class:\n", c.name)
		p.Fprintf(w, "  Subzones:         %d\n", c.cs.Subzones)
		p.Fprintf(w, "  Committed:        %d bytes\n", c.cs.CommittedBytes)
		p.Fprintf(w, "  Free:             %d bytes\n", c.cs.FreeBytes)
		p.Fprintf(w, "  Allocs / frees:   %d / %d\n", c.cs.Allocs, c.cs.Frees)
		p.Fprintf(w, "  Splits:           %d\n", c.cs.Splits)
		p.Fprintf(w, "  Coalesces:        %d\n", c.cs.Coalesces)
		p.Fprintf(w, "  Cache refills:    %d\n", c.cs.CacheRefills)
	}

	p.Fprintf(w, "\nLarge blocks:       %d (%d bytes)\n", s.LargeBlocks, s.LargeBytes)

	p.Fprintf(w, "\nCollections:        %d (full: %d)\n", s.Collections, s.FullCollections)
	p.Fprintf(w, "Reclaimed:          %d (%d bytes)\n", s.Reclaimed, s.ReclaimedBytes)
	p.Fprintf(w, "Promoted to old:    %d\n", s.Promoted)
	p.Fprintf(w, "Card ranges:        %d\n", s.CardRanges)
	p.Fprintf(w, "Overflow retries:   %d\n", s.OverflowRetries)
	p.Fprintf(w, "Local collections:  %d (reclaimed %d, %d bytes)\n",
		s.LocalCollections, s.LocalReclaimed, s.LocalReclaimedBytes)
	p.Fprintf(w, "=======================\n\n")
}

// Verify walks the heap and checks its invariants: free lists against side
// data, block boundaries against cursors and large headers.
func (z *Zone) Verify() error {
	for _, a := range z.admins() {
		if err := a.checkFreeLists(); err != nil {
			return err
		}
		if err := a.checkBlocks(); err != nil {
			return err
		}
	}
	z.largeScanMu.RLock()
	defer z.largeScanMu.RUnlock()
	for _, lg := range z.largeSnapshot() {
		if z.largeFor(lg.payload) != lg {
			continue
		}
		magic := z.arena.Load(lg.base + largeMagicWord*format.WordSize)
		size := z.arena.Load(lg.base + largeSizeWord*format.WordSize)
		if magic != format.LargeMagic || size != lg.size {
			return fmt.Errorf("%w: large block %#x header magic %#x size %d", ErrCorruption, lg.payload, magic, size)
		}
	}
	return nil
}

// checkBlocks verifies that every subzone's carved quanta tile exactly into
// blocks and free runs.
func (a *admin) checkBlocks() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, sz := range a.subzones {
		lim := sz.limit()
		end := 0
		var err error
		sz.eachBlock(func(q, n int, e sidedata.Entry) bool {
			if !e.IsStart() {
				err = fmt.Errorf("%w: %s quantum %#x has no start entry (%v)",
					ErrCorruption, a.name, sz.quantumAddress(q), e)
				return false
			}
			end = q + n
			return true
		})
		if err != nil {
			return err
		}
		if end != lim {
			return fmt.Errorf("%w: %s subzone %#x blocks end at quantum %d, cursor %d",
				ErrCorruption, a.name, sz.base, end, lim)
		}
	}
	return nil
}
