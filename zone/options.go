package zone

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joshuapare/autozone/internal/format"
	"github.com/joshuapare/autozone/internal/logger"
)

// LayoutProvider returns the exact layout of the object block at addr, or nil
// to have it scanned conservatively.
//
// A layout is a sequence of bytes terminated by 0x00. Each byte's high nibble
// is the number of words to skip and its low nibble the number of words to
// scan for references. Words past the end of the layout are not scanned.
type LayoutProvider func(addr uintptr) []byte

// InvalidateHook is called for every global block the collector is about to
// reclaim, before any memory is released. It runs on the collecting
// goroutine and must not store references to the block anywhere.
type InvalidateHook func(addr, size uintptr)

// ClearWeakHook is called once per collection with the reclaimed addresses
// so a weak-reference table can zero entries that point at them.
type ClearWeakHook func(garbage []uintptr)

// Options configures a Zone.
type Options struct {
	// ArenaSize is the virtual reservation backing every block.
	// Default: 1 GiB
	ArenaSize uintptr

	// SubzonesPerRegion is the number of 1 MiB subzones per region.
	// Default: 16
	SubzonesPerRegion int

	// GuardPages places an inaccessible page after every large block and
	// disables coalescing in the size-class admins, so overruns fault
	// instead of corrupting neighbours.
	// Default: false (AUTOZONE_GUARD_PAGES=1 enables)
	GuardPages bool

	// ThreadLocal makes small allocations through a Thread start out
	// thread-local until they escape.
	// Default: true
	ThreadLocal bool

	// ThreadCacheBatch is how many blocks one cache refill carves.
	// Default: 8
	ThreadCacheBatch int

	// CollectionThreshold triggers a background collection after this many
	// bytes have been allocated since the last one. 0 disables automatic
	// collection.
	// Default: 4 MiB (AUTOZONE_THRESHOLD overrides)
	CollectionThreshold int64

	// FullCollectionInterval makes every Nth automatic collection full; the
	// rest are partial.
	// Default: 8
	FullCollectionInterval int

	// ScanStackLimit bounds the explicit scan stack. Overflowing it makes
	// the collector restart the trace with the pending bitmaps.
	// Default: 64 Ki entries
	ScanStackLimit int

	// ScanWorkers is the number of goroutines draining pending bitmaps.
	// Default: 1 (AUTOZONE_SCAN_WORKERS overrides)
	ScanWorkers int

	// StackSlots is the size of every thread's shadow stack in words.
	// Default: 1024
	StackSlots int

	// IntegrityChecks validates free-list nodes and large headers as they
	// are touched, and the whole heap after each collection.
	// Default: false (AUTOZONE_CHECK=1 enables)
	IntegrityChecks bool

	// Logger receives zone diagnostics. Default: the package logger, which
	// discards unless AUTOZONE_LOG is set.
	Logger *slog.Logger

	// Platform suspends threads and captures their registers.
	// Default: the cooperative platform
	Platform Platform

	// LayoutProvider enables exact scanning of object blocks.
	LayoutProvider LayoutProvider

	// Invalidate is called for each block about to be reclaimed.
	Invalidate InvalidateHook

	// ClearWeak is called with each collection's garbage.
	ClearWeak ClearWeakHook

	// ErrorHook receives usage errors and integrity failures.
	// Default: AbortOnError
	ErrorHook ErrorHook
}

// DefaultOptions returns the recommended options for a general-purpose zone.
func DefaultOptions() *Options {
	return &Options{
		ArenaSize:              format.DefaultArenaSize,
		SubzonesPerRegion:      format.DefaultSubzonesPerRegion,
		ThreadLocal:            true,
		ThreadCacheBatch:       format.DefaultThreadCacheBatch,
		CollectionThreshold:    4 << 20,
		FullCollectionInterval: 8,
		ScanStackLimit:         64 << 10,
		ScanWorkers:            1,
		StackSlots:             1024,
	}
}

// normalize fills zero values with defaults and applies environment
// overrides. It returns a copy; the caller's Options are never modified.
func (o *Options) normalize() Options {
	var n Options
	if o != nil {
		n = *o
	} else {
		n = *DefaultOptions()
	}
	d := DefaultOptions()

	if n.ArenaSize == 0 {
		n.ArenaSize = d.ArenaSize
	}
	if n.SubzonesPerRegion <= 0 {
		n.SubzonesPerRegion = d.SubzonesPerRegion
	}
	if n.ThreadCacheBatch <= 0 {
		n.ThreadCacheBatch = d.ThreadCacheBatch
	}
	if n.FullCollectionInterval <= 0 {
		n.FullCollectionInterval = d.FullCollectionInterval
	}
	if n.ScanStackLimit <= 0 {
		n.ScanStackLimit = d.ScanStackLimit
	}
	if n.ScanWorkers <= 0 {
		n.ScanWorkers = d.ScanWorkers
	}
	if n.StackSlots <= 0 {
		n.StackSlots = d.StackSlots
	}

	applyEnv(&n)

	if n.Logger == nil {
		n.Logger = logger.L
	}
	if n.Platform == nil {
		n.Platform = CooperativePlatform{}
	}
	if n.ErrorHook == nil {
		n.ErrorHook = AbortOnError
	}
	return n
}

func envBool(name string) (bool, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false, false
	}
	v = strings.TrimSpace(strings.ToLower(v))
	return v != "" && v != "0" && v != "false" && v != "no", true
}

func envInt(name string) (int64, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// applyEnv lets the environment override a few knobs without recompiling.
func applyEnv(o *Options) {
	if v, ok := envBool("AUTOZONE_GUARD_PAGES"); ok {
		o.GuardPages = v
	}
	if v, ok := envBool("AUTOZONE_CHECK"); ok {
		o.IntegrityChecks = v
	}
	if v, ok := envInt("AUTOZONE_THRESHOLD"); ok && v >= 0 {
		o.CollectionThreshold = v
	}
	if v, ok := envInt("AUTOZONE_SCAN_WORKERS"); ok && v > 0 {
		o.ScanWorkers = int(v)
	}
}
