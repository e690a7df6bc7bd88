// Package mem provides the guest page-table entry layout and the pool
// allocator for anonymous guest page frames.
package mem

import (
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

/// PGSHIFT is the base-2 exponent for the guest page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single guest page in bytes.
const PGSIZE int64 = 1 << PGSHIFT

/// PGOFFSET masks offsets within a page.
const PGOFFSET int64 = 0xfff

/// PGMASK masks the page number of an address.
const PGMASK int64 = ^PGOFFSET

/// Pte_t is a 64-bit guest page table entry.
type Pte_t uint64

/// Page table entry bits.
const (
	PAGE_V    Pte_t = 1 << 0  /// valid
	PAGE_RW   Pte_t = 1 << 1  /// writable
	PAGE_U    Pte_t = 1 << 2  /// user readable
	PAGE_FILE Pte_t = 1 << 3  /// backed by a tracked file map
	PAGE_RSRV Pte_t = 1 << 4  /// reserved but uncommitted
	PAGE_HOST Pte_t = 1 << 5  /// translation address is a host pointer
	PAGE_MAP  Pte_t = 1 << 6  /// created by mmap; munmap at teardown
	PAGE_MUG  Pte_t = 1 << 7  /// separate host allocation, not linear
	PAGE_EOF  Pte_t = 1 << 8  /// last page of a file mapping
	PAGE_XD   Pte_t = 1 << 63 /// non-executable
)

/// PAGE_TA extracts the translation address bits (12..62) of a PTE.
const PAGE_TA Pte_t = 0x7ffffffffffff000

/// Memstat_t accounts pages for an address space. All fields are
/// guarded by the owning system's mmap lock.
type Memstat_t struct {
	Committed int64 /// pages with a live host frame
	Reserved  int64 /// lazy pages awaiting first touch
	Tables    int64 /// intermediate page-table pages
}

/// ChunkPages is how many frames a pool refill maps at once.
const ChunkPages = 64

/// Pool_t hands out 4 KiB host frames for anonymous guest pages and
/// page-table pages. Frames come from anonymous host mmaps acquired in
/// ChunkPages-sized chunks and are recycled through a LIFO free list.
type Pool_t struct {
	sync.Mutex
	free   []uintptr
	chunks [][]byte
}

/// Allocate pops a zeroed frame from the pool, refilling it from the
/// host if empty. It returns the frame's host address and false if the
/// host is out of memory.
func (pl *Pool_t) Allocate() (uintptr, bool) {
	pl.Lock()
	defer pl.Unlock()
	if len(pl.free) == 0 {
		if !pl.refill() {
			return 0, false
		}
	}
	p := pl.free[len(pl.free)-1]
	pl.free = pl.free[:len(pl.free)-1]
	clear(Frame(p))
	return p, true
}

/// Free pushes a frame back onto the pool's free list.
func (pl *Pool_t) Free(p uintptr) {
	if p&uintptr(PGOFFSET) != 0 {
		panic("misaligned frame")
	}
	pl.Lock()
	pl.free = append(pl.free, p)
	pl.Unlock()
}

// @assume pl.Mutex
func (pl *Pool_t) refill() bool {
	b, err := unix.Mmap(-1, 0, int(PGSIZE)*ChunkPages,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		logrus.WithError(err).Error("page pool refill failed")
		return false
	}
	pl.chunks = append(pl.chunks, b)
	base := uintptr(unsafe.Pointer(&b[0]))
	for i := 0; i < ChunkPages; i++ {
		pl.free = append(pl.free, base+uintptr(int64(i)*PGSIZE))
	}
	return true
}

/// Destroy returns every chunk to the host. Outstanding frames become
/// dangling; the caller must have torn down all page tables first.
func (pl *Pool_t) Destroy() {
	pl.Lock()
	defer pl.Unlock()
	for _, b := range pl.chunks {
		if err := unix.Munmap(b); err != nil {
			logrus.WithError(err).Error("page pool munmap failed")
		}
	}
	pl.chunks = nil
	pl.free = nil
}

/// Frame returns the 4 KiB byte slice living at host address p.
func Frame(p uintptr) []uint8 {
	return unsafe.Slice((*uint8)(unsafe.Pointer(p)), PGSIZE)
}

/// FrameAt returns the byte slice starting at host address p and
/// running to the end of its page.
func FrameAt(p uintptr) []uint8 {
	off := int64(p) & PGOFFSET
	return Frame(p &^ uintptr(PGOFFSET))[off:]
}
