package zone

import (
	"time"
)

// Platform abstracts the per-OS thread control the collector needs for the
// authoritative stack scan.
type Platform interface {
	// Suspend stops t at a point where its stack and registers are stable.
	// Suspensions nest; each must be paired with Resume.
	Suspend(t *Thread) error

	// Resume undoes one Suspend.
	Resume(t *Thread) error

	// CaptureRegisters returns a snapshot of t's registers. It may fail with
	// ErrTransient while t is being torn down.
	CaptureRegisters(t *Thread) ([]uintptr, error)
}

// CooperativePlatform implements Platform for threads that only touch the
// zone through their Thread handle. Every mutator operation runs while
// holding the thread's run lock, so suspending a thread is acquiring that
// lock on its behalf.
type CooperativePlatform struct{}

// Suspend implements Platform.
func (CooperativePlatform) Suspend(t *Thread) error {
	t.suspend()
	return nil
}

// Resume implements Platform.
func (CooperativePlatform) Resume(t *Thread) error {
	t.resume()
	return nil
}

// CaptureRegisters implements Platform.
func (CooperativePlatform) CaptureRegisters(t *Thread) ([]uintptr, error) {
	if t.unbinding.Load() {
		return nil, ErrTransient
	}
	return t.Registers(), nil
}

const (
	// captureInitialDelay is the first backoff delay for a transient
	// register-capture failure.
	captureInitialDelay = 10 * time.Microsecond

	// captureMaxTotal bounds the total time spent retrying.
	captureMaxTotal = time.Second
)
