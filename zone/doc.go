// Package zone implements a concurrent, generational, non-moving garbage
// collected heap on top of a single virtual-memory arena.
//
// # Overview
//
// A Zone hands out blocks addressed by plain uintptr values that stay valid
// for the life of the block: nothing ever moves. Blocks are reclaimed by
// explicit Free, or by a collection when no root, retained block, thread or
// other live block refers to them.
//
// # Size Classes
//
// Requests are served by one of three allocators:
//
//	Small:   16 B quanta,  blocks up to 1 KiB   (1 MiB subzones)
//	Medium:  1 KiB quanta, blocks up to 128 KiB (1 MiB subzones)
//	Large:   anything bigger, page-granular mappings with a header
//
// Small and medium blocks live in subzones carved from regions. Each
// quantum has one byte of side data recording whether it starts a block,
// the block's layout, its reference count and age (global blocks) or its
// thread-local state. Free runs are threaded onto segregated lists indexed
// by length and coalesced with their neighbours on free.
//
// # Threads
//
// A mutator registers a Thread and performs its operations through it. Its
// shadow stack and register file are the conservative roots the collector
// scans. Small allocations come from a per-thread cache and start out local
// to the thread; a local block escapes (becomes global) as soon as it is
// stored anywhere but into another local block of the same thread, retained
// or rooted. Thread.CollectLocal reclaims unreachable local blocks without
// stopping anyone.
//
// # Collection
//
// Collect traces from registered roots, retained blocks, thread-local blocks
// and thread stacks. While it runs, every barriered store also queues the
// stored value (enlivening), and blocks allocated meanwhile are born marked.
// Threads are scanned once without stopping them and then, suspended, once
// more; the enlivening queues are drained exactly once under their locks
// before any thread resumes.
//
// A Partial collection only reclaims young blocks. Old blocks are not
// traced; instead the write-barrier cards they were stored into since the
// last collections are scanned. Blocks become old after surviving three
// collections.
//
// # Usage Example
//
//	z, err := zone.New(nil)
//	if err != nil {
//	    return err
//	}
//	defer z.Close()
//
//	t, _ := z.RegisterThread()
//	defer t.Unregister()
//
//	a, _ := t.Allocate(64, zone.Scanned, zone.Clear)
//	b, _ := t.Allocate(64, zone.Scanned, zone.Clear)
//	_ = t.Store(a, b)           // b is now reachable from a
//	root, _ := z.AddRoot(0)
//	_ = t.StoreRoot(root, a)    // a and b escape and become global
//
//	_, _ = t.Collect(ctx, zone.Full)
//
// # Errors
//
// Exhaustion (ErrNoSpace, ErrTooLarge) is returned to the caller. Misuse
// such as a double free, a refcount underflow or touching another thread's
// local block is reported as a *UsageError through Options.ErrorHook, which
// by default logs and panics because continuing risks heap corruption.
//
// # Environment
//
//	AUTOZONE_LOG=debug        log to stderr at the given level
//	AUTOZONE_LOG_DIR=path     send those logs to daily JSON files instead
//	AUTOZONE_GUARD_PAGES=1    guard pages after large blocks, no coalescing
//	AUTOZONE_CHECK=1          integrity checks
//	AUTOZONE_THRESHOLD=N      bytes between automatic collections (0: off)
//	AUTOZONE_SCAN_WORKERS=N   goroutines draining pending bitmaps
package zone
