package zone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joshuapare/autozone/zone/sidedata"
)

// Mode selects what a collection traces.
type Mode int

const (
	// Partial traces young blocks only, seeded by the roots plus the marked
	// cards of old blocks. Old blocks always survive.
	Partial Mode = iota

	// Full traces every reachable block.
	Full
)

func (m Mode) String() string {
	switch m {
	case Partial:
		return "partial"
	case Full:
		return "full"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// CollectionStats describes one collection.
type CollectionStats struct {
	Mode           Mode
	Marked         int64         // Blocks marked
	Scanned        int64         // Blocks whose contents were traced
	CardRanges     int64         // Old-block card ranges rescanned (partial)
	Threads        int           // Threads scanned authoritatively
	Reclaimed      int           // Blocks reclaimed
	ReclaimedBytes uintptr       // Bytes reclaimed
	Promoted       int           // Blocks that became old
	Retries        int           // Restarts after scan-stack overflow
	Duration       time.Duration // Wall time, sweep included
}

// Collect runs a collection of the given mode and waits for it. Only one
// collection runs at a time; concurrent callers queue.
//
// The caller must not hold any Thread operation in progress. A registered
// thread should use Thread.Collect, which also scans its own roots without
// suspending it.
func (z *Zone) Collect(ctx context.Context, mode Mode) (CollectionStats, error) {
	if err := z.checkOpen(); err != nil {
		return CollectionStats{}, err
	}
	return z.collect(ctx, mode, nil)
}

// CollectExhaustive runs full collections until one reclaims nothing, at
// most eight times, and returns the combined statistics.
func (z *Zone) CollectExhaustive(ctx context.Context) (CollectionStats, error) {
	total := CollectionStats{Mode: Full}
	for range 8 {
		st, err := z.Collect(ctx, Full)
		total.Marked = st.Marked
		total.Scanned += st.Scanned
		total.Threads = st.Threads
		total.Reclaimed += st.Reclaimed
		total.ReclaimedBytes += st.ReclaimedBytes
		total.Promoted += st.Promoted
		total.Retries += st.Retries
		total.Duration += st.Duration
		if err != nil {
			return total, err
		}
		if st.Reclaimed == 0 {
			break
		}
	}
	return total, nil
}

// collect runs one collection. self is the registered thread requesting it,
// which is scanned in place instead of being suspended.
func (z *Zone) collect(ctx context.Context, mode Mode, self *Thread) (CollectionStats, error) {
	z.collectMu.Lock()
	defer z.collectMu.Unlock()
	if err := z.checkOpen(); err != nil {
		return CollectionStats{}, err
	}

	start := time.Now()
	st := CollectionStats{Mode: mode}
	z.log.Debug("collection started", "mode", mode)

	s := newScanner(z, mode)
	for {
		z.resetMarks()
		z.raiseEnlivening()
		z.collecting.Store(true)

		done, err := z.trace(ctx, s, self, &st)
		if err != nil {
			z.lowerEnlivening()
			z.collecting.Store(false)
			z.resetMarks()
			z.log.Warn("collection aborted", "mode", mode, "error", err)
			return st, err
		}
		if done {
			break
		}

		z.lowerEnlivening()
		st.Retries++
		z.counters.overflowRetries.Add(1)
		z.log.Debug("scan stack overflow, retrying with pending bitmaps",
			"mode", mode, "limit", z.opts.ScanStackLimit)
		s = s.restart()
	}

	st.Marked = s.marked.Load()
	st.Scanned = s.scanned.Load()
	st.CardRanges = s.cards.Load()

	z.sweep(mode, &st)
	z.collecting.Store(false)
	z.finishCards(mode)
	z.allocated.Store(0)

	st.Duration = time.Since(start)
	z.counters.record(st)
	if z.log.Enabled(ctx, slog.LevelDebug) {
		z.log.Debug("collection finished",
			"mode", mode,
			"marked", st.Marked,
			"mark_bits", z.markedBlocks(),
			"reclaimed", st.Reclaimed,
			"bytes", st.ReclaimedBytes,
			"promoted", st.Promoted,
			"retries", st.Retries,
			"duration", st.Duration)
	}

	if z.opts.IntegrityChecks {
		if err := z.Verify(); err != nil {
			z.opts.ErrorHook(err)
			return st, err
		}
	}
	return st, nil
}

// trace runs the marking phases of one attempt. It returns false when the
// scan stack overflowed and the attempt must be redone in bitmap mode.
// On success the enlivening barrier has been lowered.
func (z *Zone) trace(ctx context.Context, s *scanner, self *Thread, st *CollectionStats) (bool, error) {
	s.scanRoots()
	if err := s.drain(ctx); err != nil {
		return false, err
	}
	if s.overflow.Load() {
		return false, nil
	}

	// Cheap pass over every thread without stopping it.
	for _, t := range z.threadSnapshot() {
		if t == self {
			s.scanWords(t.stackWords())
			s.scanWords(t.Registers())
			continue
		}
		t.scanMu.Lock()
		if !t.unregistered.Load() {
			s.scanWords(t.stackWords())
			s.scanWords(t.Registers())
		}
		t.scanMu.Unlock()
	}
	if err := s.drain(ctx); err != nil {
		return false, err
	}
	if s.overflow.Load() {
		return false, nil
	}

	return z.authoritative(ctx, s, self, st)
}

// authoritative suspends every other thread, scans its stack and captured
// registers, then drains every enlivening queue exactly once and the work
// list, traces associations and lowers the barrier, all before any thread
// resumes.
func (z *Zone) authoritative(ctx context.Context, s *scanner, self *Thread, st *CollectionStats) (bool, error) {
	z.threadsMu.RLock()
	defer z.threadsMu.RUnlock()

	var held []*Thread
	defer func() {
		for _, t := range held {
			if err := z.opts.Platform.Resume(t); err != nil {
				z.log.Warn("resume thread", "thread", t.id, "error", err)
			}
			t.scanMu.Unlock()
		}
	}()

	st.Threads = 0
	for t := range z.threads {
		if t == self {
			s.scanWords(t.stackWords())
			s.scanWords(t.Registers())
			st.Threads++
			continue
		}
		regs, ok, err := z.captureThread(ctx, t)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		held = append(held, t)
		s.scanWords(t.stackWords())
		s.scanWords(regs)
		st.Threads++
	}

	// Every enlivening lock, threads first.
	for t := range z.threads {
		t.enlivenMu.Lock()
	}
	z.enlivenMu.Lock()
	defer func() {
		z.enlivenMu.Unlock()
		for t := range z.threads {
			t.enlivenMu.Unlock()
		}
	}()

	for t := range z.threads {
		s.scanWords(t.enlivenQueue)
		t.enlivenQueue = t.enlivenQueue[:0]
	}
	s.scanWords(z.enlivenQueue)
	z.enlivenQueue = z.enlivenQueue[:0]

	if err := s.drain(ctx); err != nil {
		return false, err
	}
	if err := z.scanAssociations(ctx, s); err != nil {
		return false, err
	}
	if s.overflow.Load() {
		return false, nil
	}

	for t := range z.threads {
		t.enlivening.Store(false)
	}
	z.enlivening.Store(false)
	return true, nil
}

// captureThread locks t for scanning, suspends it and captures its
// registers. Transient failures are retried with exponential backoff, with
// the thread released between attempts so it can finish unbinding. ok is
// false when the thread unregistered meanwhile. On success the caller owns
// t.scanMu and one suspension.
func (z *Zone) captureThread(ctx context.Context, t *Thread) ([]uintptr, bool, error) {
	delay := captureInitialDelay
	var waited time.Duration
	for {
		t.scanMu.Lock()
		if t.unregistered.Load() {
			t.scanMu.Unlock()
			return nil, false, nil
		}
		if err := z.opts.Platform.Suspend(t); err != nil {
			t.scanMu.Unlock()
			return nil, false, fmt.Errorf("suspend thread %d: %w", t.id, err)
		}
		regs, err := z.opts.Platform.CaptureRegisters(t)
		if err == nil {
			return regs, true, nil
		}
		if rerr := z.opts.Platform.Resume(t); rerr != nil {
			z.log.Warn("resume thread", "thread", t.id, "error", rerr)
		}
		t.scanMu.Unlock()

		if !errors.Is(err, ErrTransient) || waited >= captureMaxTotal {
			err = fmt.Errorf("capture registers of thread %d after %v: %w", t.id, waited, err)
			z.opts.ErrorHook(err)
			return nil, false, err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false, ctx.Err()
		case <-timer.C:
		}
		waited += delay
		delay *= 2
	}
}

// scanAssociations marks the values of every association whose owner is
// live, repeating until no new owner becomes live.
func (z *Zone) scanAssociations(ctx context.Context, s *scanner) error {
	z.assocMu.Lock()
	snap := make(map[uintptr][]uintptr, len(z.assoc))
	for owner, m := range z.assoc {
		for _, v := range m {
			snap[owner] = append(snap[owner], v)
		}
	}
	z.assocMu.Unlock()

	for len(snap) > 0 {
		progress := false
		for owner, values := range snap {
			b := z.lookup(owner)
			if !b.valid() {
				delete(snap, owner)
				continue
			}
			if !b.isMarked() && s.traced(b) {
				continue
			}
			delete(snap, owner)
			progress = true
			s.scanWords(values)
		}
		if !progress {
			return nil
		}
		if err := s.drain(ctx); err != nil {
			return err
		}
		if s.overflow.Load() {
			return nil
		}
	}
	return nil
}

// markedBlocks counts the subzone blocks whose mark bit is set. Marks persist
// until the next collection resets them.
func (z *Zone) markedBlocks() int {
	n := 0
	for _, r := range z.regionSnapshot() {
		n += r.markedBlocks()
	}
	return n
}

// resetMarks clears every mark and pending bit.
func (z *Zone) resetMarks() {
	for _, r := range z.regionSnapshot() {
		r.clearMarks()
	}
	for _, lg := range z.largeSnapshot() {
		lg.marked.Store(false)
		lg.pending.Store(false)
	}
}

// raiseEnlivening makes every barriered store also queue its value.
func (z *Zone) raiseEnlivening() {
	z.threadsMu.RLock()
	defer z.threadsMu.RUnlock()

	z.enlivenMu.Lock()
	z.enlivening.Store(true)
	z.enlivenMu.Unlock()
	for t := range z.threads {
		t.enlivenMu.Lock()
		t.enlivening.Store(true)
		t.enlivenMu.Unlock()
	}
}

// lowerEnlivening clears the barrier and discards the queues.
func (z *Zone) lowerEnlivening() {
	z.threadsMu.RLock()
	defer z.threadsMu.RUnlock()

	for t := range z.threads {
		t.enlivenMu.Lock()
		t.enlivening.Store(false)
		t.enlivenQueue = nil
		t.enlivenMu.Unlock()
	}
	z.enlivenMu.Lock()
	z.enlivening.Store(false)
	z.enlivenQueue = nil
	z.enlivenMu.Unlock()
}

func (z *Zone) threadSnapshot() []*Thread {
	z.threadsMu.RLock()
	defer z.threadsMu.RUnlock()
	out := make([]*Thread, 0, len(z.threads))
	for t := range z.threads {
		out = append(out, t)
	}
	return out
}

// sweep condemns and reclaims garbage: global blocks left unmarked that are
// young, or any age in a full collection. Marked survivors age.
//
// Condemned blocks get their pending bit (large blocks their garbage flag)
// under the admin lock; an explicit Free of a condemned block is absorbed
// and storing a reference to one is reported as a resurrection.
func (z *Zone) sweep(mode Mode, st *CollectionStats) {
	full := mode == Full
	z.sweeping.Store(true)
	defer z.sweeping.Store(false)

	perAdmin := make(map[*admin][]block)
	for _, a := range z.admins() {
		a.eachBlock(func(sz *subzone, q, _ int, e sidedata.Entry) {
			switch {
			case !e.IsGlobal():
			case sz.isMarked(q):
				if sz.mature(q) {
					st.Promoted++
				}
			case full || e.IsNew():
				sz.setPending(q)
				perAdmin[a] = append(perAdmin[a], block{sz: sz, q: q})
			}
		})
	}

	var larges []*large
	z.largeMu.Lock()
	for _, lg := range z.larges {
		switch {
		case lg.marked.Load():
			if lg.mature() {
				st.Promoted++
			}
		case full || lg.isNew():
			lg.garbage.Store(true)
			larges = append(larges, lg)
		}
	}
	z.largeMu.Unlock()

	var garbage []uintptr
	for _, blocks := range perAdmin {
		for _, b := range blocks {
			garbage = append(garbage, b.addr())
			if hook := z.opts.Invalidate; hook != nil {
				hook(b.addr(), b.size())
			}
		}
	}
	for _, lg := range larges {
		garbage = append(garbage, lg.payload)
		if hook := z.opts.Invalidate; hook != nil {
			hook(lg.payload, lg.size)
		}
	}
	if hook := z.opts.ClearWeak; hook != nil && len(garbage) > 0 {
		hook(garbage)
	}
	if len(garbage) > 0 {
		z.assocMu.Lock()
		for _, addr := range garbage {
			delete(z.assoc, addr)
		}
		z.assocMu.Unlock()
	}

	for a, blocks := range perAdmin {
		n, size := a.reclaim(blocks)
		st.Reclaimed += n
		st.ReclaimedBytes += size
	}
	for _, lg := range larges {
		size := lg.size
		if err := z.freeLarge(lg, true); err != nil {
			z.log.Error("reclaim large block", "addr", fmt.Sprintf("%#x", lg.payload), "error", err)
			continue
		}
		st.Reclaimed++
		st.ReclaimedBytes += size
	}
}

// finishCards ages the card tables: a full collection turns marked cards
// into untouched ones, a partial collection clears cards left untouched.
func (z *Zone) finishCards(mode Mode) {
	apply := func(wb cardTable) {
		if mode == Full {
			wb.MarkCardsUntouched()
		} else {
			wb.ClearUntouchedCards()
		}
	}
	for _, a := range z.admins() {
		a.eachSubzone(func(sz *subzone) { apply(sz.barrier) })
	}
	z.largeMu.Lock()
	for _, lg := range z.larges {
		if lg.barrier != nil {
			apply(lg.barrier)
		}
	}
	z.largeMu.Unlock()
}

// cardTable is the part of a write barrier the collector ages.
type cardTable interface {
	MarkCardsUntouched() int
	ClearUntouchedCards() int
}
