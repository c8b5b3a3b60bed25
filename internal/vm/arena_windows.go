//go:build windows

package vm

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

const guardSupported = true

func osReserve(size uintptr) ([]byte, error) {
	addr, err := windows.VirtualAlloc(0, size, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func osCommit(b []byte) error {
	_, err := windows.VirtualAlloc(addrOf(b), uintptr(len(b)), windows.MEM_COMMIT, windows.PAGE_READWRITE)
	return err
}

func osDecommit(b []byte) error {
	// MEM_DECOMMIT discards contents; a later commit reads as zero.
	return windows.VirtualFree(addrOf(b), uintptr(len(b)), windows.MEM_DECOMMIT)
}

func osGuard(b []byte) error {
	var old uint32
	return windows.VirtualProtect(addrOf(b), uintptr(len(b)), windows.PAGE_NOACCESS, &old)
}

func osRelease(b []byte) error {
	if b == nil {
		return nil
	}
	return windows.VirtualFree(addrOf(b), 0, windows.MEM_RELEASE)
}
