//go:build !linux && !darwin && !windows

package vm

// Without a portable mmap the arena is an ordinary Go slice. The slice is
// noscan and the Go heap does not move objects, so arena addresses stay valid
// for the arena's lifetime.

const guardSupported = false

func osReserve(size uintptr) ([]byte, error) {
	return make([]byte, size), nil
}

func osCommit([]byte) error { return nil }

func osDecommit(b []byte) error {
	clear(b)
	return nil
}

func osGuard([]byte) error { return nil }

func osRelease([]byte) error { return nil }
