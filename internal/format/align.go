package format

// Alignment utilities. All sizes in the zone are rounded up to a power of two
// boundary before they are turned into quanta, cards or pages.

// AlignUp returns n aligned up to the next multiple of align, which must be a
// power of two.
//
// Example:
//
//	AlignUp(1, 16)  = 16
//	AlignUp(16, 16) = 16
//	AlignUp(17, 16) = 32
func AlignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// AlignDown returns n aligned down to a multiple of align (a power of two).
func AlignDown(n, align uintptr) uintptr {
	return n &^ (align - 1)
}

// IsAligned reports whether n is a multiple of align (a power of two).
func IsAligned(n, align uintptr) bool {
	return n&(align-1) == 0
}

// AlignPage returns n aligned up to the next page boundary.
//
// Example:
//
//	AlignPage(1)    = 4096
//	AlignPage(4096) = 4096
//	AlignPage(4097) = 8192
func AlignPage(n uintptr) uintptr {
	return AlignUp(n, PageSize)
}

// Quanta returns the number of quanta of size 1<<log2 needed to hold n bytes.
// A zero-byte request still occupies one quantum.
func Quanta(n uintptr, log2 uint) uintptr {
	if n == 0 {
		return 1
	}
	return (n + (1 << log2) - 1) >> log2
}

// Cards returns the number of cards needed to cover n bytes.
func Cards(n uintptr) int {
	return int((n + CardSize - 1) >> CardSizeLog2)
}
