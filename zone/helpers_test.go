package zone

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// hookRecorder collects the errors reported through Options.ErrorHook.
type hookRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (h *hookRecorder) hook(err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

func (h *hookRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.errs)
}

func (h *hookRecorder) last() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.errs) == 0 {
		return nil
	}
	return h.errs[len(h.errs)-1]
}

// newTestZone creates a small zone with automatic collection off and usage
// errors recorded instead of panicking. The zone is closed at cleanup.
func newTestZone(t *testing.T, mutate ...func(*Options)) (*Zone, *hookRecorder) {
	t.Helper()
	rec := &hookRecorder{}
	opts := DefaultOptions()
	opts.ArenaSize = 64 << 20
	opts.CollectionThreshold = 0
	opts.ErrorHook = rec.hook
	for _, m := range mutate {
		m(opts)
	}
	z, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = z.Close() })
	return z, rec
}

// registerThread registers a thread that is unregistered at cleanup, before
// the zone closes.
func registerThread(t *testing.T, z *Zone) *Thread {
	t.Helper()
	th, err := z.RegisterThread()
	require.NoError(t, err)
	t.Cleanup(func() { _ = th.Unregister() })
	return th
}

// mustAllocate allocates a global block.
func mustAllocate(t *testing.T, z *Zone, size uintptr, layout Layout) uintptr {
	t.Helper()
	addr, err := z.Allocate(size, layout, Clear)
	require.NoError(t, err)
	require.NotZero(t, addr)
	return addr
}

// mustStore performs a barriered store and fails the test on error.
func mustStore(t *testing.T, z *Zone, dest, value uintptr) {
	t.Helper()
	require.NoError(t, z.Store(dest, value))
}

// mustRoot registers a root holding value.
func mustRoot(t *testing.T, z *Zone, value uintptr) *Root {
	t.Helper()
	r, err := z.AddRoot(value)
	require.NoError(t, err)
	return r
}

// smallFree returns the bytes on the small admin's free lists.
func smallFree(z *Zone) uintptr {
	return z.small.classStats().FreeBytes
}
