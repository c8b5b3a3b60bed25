// Package format holds the geometry shared by every layer of the zone: word,
// quantum, subzone, card and page sizes, plus the alignment helpers that turn
// byte counts into quanta. Nothing in here touches memory.
package format

import "unsafe"

const (
	// WordSize is the size of a pointer-sized word. Conservative scanning
	// and the free-list node layout are expressed in words.
	WordSize = unsafe.Sizeof(uintptr(0))

	// WordSizeLog2 is log2(WordSize).
	WordSizeLog2 = 2 + WordSize/8

	// PageSize is the virtual-memory page granularity used for large blocks
	// and guard pages.
	PageSize = 4096

	// PageSizeLog2 is log2(PageSize).
	PageSizeLog2 = 12
)

const (
	// SubzoneSizeLog2 is log2 of a subzone (1 MiB). Subzones are aligned to
	// their size inside the arena so an address maps to its subzone slot with
	// a shift.
	SubzoneSizeLog2 = 20

	// SubzoneSize is the size of a subzone in bytes.
	SubzoneSize = 1 << SubzoneSizeLog2

	// SmallQuantumLog2 is log2 of the small allocation quantum (16 bytes).
	SmallQuantumLog2 = 4

	// SmallQuantum is the small allocation quantum.
	SmallQuantum = 1 << SmallQuantumLog2

	// SmallMaxQuanta is the largest small block in quanta (1 KiB).
	SmallMaxQuanta = 64

	// SmallMaxSize is the largest request served by the small admin.
	SmallMaxSize = SmallMaxQuanta * SmallQuantum

	// MediumQuantumLog2 is log2 of the medium allocation quantum (1 KiB).
	MediumQuantumLog2 = 10

	// MediumQuantum is the medium allocation quantum.
	MediumQuantum = 1 << MediumQuantumLog2

	// MediumMaxQuanta is the largest medium block in quanta (128 KiB).
	MediumMaxQuanta = 128

	// MediumMaxSize is the largest request served by the medium admin.
	// Anything bigger becomes a Large block.
	MediumMaxSize = MediumMaxQuanta * MediumQuantum

	// MaxQuantaLog2 is log2 of the largest number of quanta a subzone can
	// hold (small quanta). It is the per-subzone bias stride of the region
	// mark and pending bitmaps.
	MaxQuantaLog2 = SubzoneSizeLog2 - SmallQuantumLog2

	// MaxQuanta is the largest number of quanta in any subzone.
	MaxQuanta = 1 << MaxQuantaLog2
)

const (
	// CardSizeLog2 is log2 of a write-barrier card (128 bytes).
	CardSizeLog2 = 7

	// CardSize is the number of bytes covered by one card.
	CardSize = 1 << CardSizeLog2

	// SubzoneCards is the number of cards needed to cover a subzone.
	SubzoneCards = SubzoneSize >> CardSizeLog2
)

const (
	// LargeHeaderSize is the space reserved in front of every large block's
	// payload. The header keeps a magic and the payload size so a corrupted
	// large block can be detected.
	LargeHeaderSize = 64

	// LargeMagic tags the first header word of a large block.
	LargeMagic uintptr = 0x4c415247

	// LargeAlignment is the payload alignment of large blocks.
	LargeAlignment = 16
)

const (
	// DefaultSubzonesPerRegion is the default region size in subzones.
	DefaultSubzonesPerRegion = 16

	// DefaultArenaSize is the default virtual reservation (1 GiB).
	DefaultArenaSize = 1 << 30

	// ThreadCacheMaxQuanta bounds the small sizes served from a thread's
	// private allocation cache.
	ThreadCacheMaxQuanta = 16

	// DefaultThreadCacheBatch is how many blocks a cache refill carves under
	// one admin lock acquisition.
	DefaultThreadCacheBatch = 8
)
