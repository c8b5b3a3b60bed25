//go:build linux || darwin

package vm

import (
	"runtime"

	"golang.org/x/sys/unix"
)

const guardSupported = true

func osReserve(size uintptr) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
}

func osCommit(b []byte) error {
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE)
}

func osDecommit(b []byte) error {
	// MADV_DONTNEED zero-fills anonymous pages on linux only.
	if runtime.GOOS != "linux" {
		clear(b)
	}
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return err
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}

func osGuard(b []byte) error {
	return unix.Mprotect(b, unix.PROT_NONE)
}

func osRelease(b []byte) error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b)
}
