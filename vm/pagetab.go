// Package vm implements the guest address space: the four-level page
// table, reservation and release of anonymous and file-backed ranges,
// protection changes, and the safe access paths interpreters use for
// guest loads and stores.
package vm

import (
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/jart/goblink/bus"
	"github.com/jart/goblink/defs"
	"github.com/jart/goblink/filemap"
	"github.com/jart/goblink/mem"
	"github.com/jart/goblink/util"
)

/// Guest virtual addresses are 48-bit canonical.
const (
	VirtMin int64 = -0x800000000000
	VirtMax int64 = 0x800000000000
)

/// Precious_t is a host address range no linear guest mapping may
/// overlap: the emulator's own image, pool allocator, or JIT arena.
type Precious_t struct {
	Lo uintptr
	Hi uintptr
}

/// AddrSpace_t is the process-wide guest address space. The mmap lock
/// guards the table tree, the accounting, and the file maps.
type AddrSpace_t struct {
	Cr3      mem.Pte_t /// root of the page-table tree
	Pool     *mem.Pool_t
	Memstat  mem.Memstat_t
	Filemaps *filemap.FileMaps_t
	Rss      int64
	Vss      int64

	Linear   bool    /// affine guest→host mapping in effect
	Base     uintptr /// host base for linear mode
	precious []Precious_t

	// invalidation hooks wired by the owning system. Both run under
	// the mmap lock, before the mutation is visible to peers.
	ResetJitPages func(lo, hi int64)
	Invalidate    func(tlb, icache bool)

	MmapLock chan struct{} // binary semaphore; see Lock/Unlock
}

/// MkAddrSpace builds an empty long-mode address space with its root
/// table allocated.
func MkAddrSpace(pool *mem.Pool_t, linear bool, base uintptr) (*AddrSpace_t, defs.Err_t) {
	as := &AddrSpace_t{
		Pool:     pool,
		Filemaps: filemap.MkFileMaps(),
		Linear:   linear,
		Base:     base,
		MmapLock: make(chan struct{}, 1),
	}
	cr3, err := as.allocatePageTable()
	if err != 0 {
		return nil, err
	}
	as.Cr3 = cr3
	return as, 0
}

/// Lock acquires the mmap lock.
func (as *AddrSpace_t) Lock() { as.MmapLock <- struct{}{} }

/// Unlock releases the mmap lock.
func (as *AddrSpace_t) Unlock() { <-as.MmapLock }

/// AddPrecious registers a host range linear mappings must avoid.
func (as *AddrSpace_t) AddPrecious(lo, hi uintptr) {
	as.precious = append(as.precious, Precious_t{lo, hi})
}

func (as *AddrSpace_t) overlapsPrecious(virt, size int64) bool {
	lo := as.Base + uintptr(virt)
	hi := lo + uintptr(size)
	for _, p := range as.precious {
		if lo < p.Hi && p.Lo < hi {
			return true
		}
	}
	return false
}

/// ToHost converts a guest address to its linear-mode host address.
func (as *AddrSpace_t) ToHost(virt int64) uintptr {
	return as.Base + uintptr(virt)
}

func (as *AddrSpace_t) allocatePageTable() (mem.Pte_t, defs.Err_t) {
	p, ok := as.Pool.Allocate()
	if !ok {
		return 0, -defs.ENOMEM
	}
	as.Memstat.Tables++
	return mem.Pte_t(p)&mem.PAGE_TA | mem.PAGE_HOST | mem.PAGE_V, 0
}

/// GetPageAddress returns the host address of a committed entry's frame.
func GetPageAddress(entry mem.Pte_t) uintptr {
	if entry&mem.PAGE_V == 0 || entry&mem.PAGE_RSRV != 0 {
		panic("pte has no frame")
	}
	if entry&mem.PAGE_HOST == 0 {
		panic("non-host pte in long mode")
	}
	return uintptr(entry & mem.PAGE_TA)
}

// pteSlot returns the byte slice of the idx'th entry in table.
func pteSlot(table mem.Pte_t, idx int) []uint8 {
	return mem.Frame(GetPageAddress(table))[idx*8 : idx*8+8]
}

func loadPte(table mem.Pte_t, idx int) mem.Pte_t {
	return mem.Pte_t(bus.Load64(pteSlot(table, idx)))
}

func storePte(table mem.Pte_t, idx int, e mem.Pte_t) {
	bus.Store64(pteSlot(table, idx), uint64(e))
}

/// IsCanonical reports whether virt is a legal 48-bit address.
func IsCanonical(virt int64) bool {
	return VirtMin <= virt && virt < VirtMax
}

// walk descends to the leaf entry for page, optionally creating
// intermediate tables. Returns the leaf table and index, or an error
// when a level is missing and create is false.
// @assume as.MmapLock
func (as *AddrSpace_t) walk(page int64, create bool) (mem.Pte_t, int, defs.Err_t) {
	entry := as.Cr3
	for level := uint(39); level >= 21; level -= 9 {
		idx := int(uint64(page)>>level) & 511
		next := loadPte(entry, idx)
		if next&mem.PAGE_V == 0 {
			if !create {
				return 0, 0, -defs.ENOMEM
			}
			var err defs.Err_t
			next, err = as.allocatePageTable()
			if err != 0 {
				return 0, 0, err
			}
			storePte(entry, idx, next)
		}
		entry = next
	}
	return entry, int(uint64(page)>>12) & 511, 0
}

// prot→pte bit conversion. PROT_READ grants U; PROT_WRITE grants RW;
// lack of PROT_EXEC sets XD.
func protToPte(prot int) mem.Pte_t {
	var e mem.Pte_t
	if prot&defs.PROT_READ != 0 {
		e |= mem.PAGE_U
	}
	if prot&defs.PROT_WRITE != 0 {
		e |= mem.PAGE_RW
	}
	if prot&defs.PROT_EXEC == 0 {
		e |= mem.PAGE_XD
	}
	return e
}

func protToHost(prot int) int {
	host := 0
	if prot&defs.PROT_READ != 0 {
		host |= unix.PROT_READ
	}
	if prot&defs.PROT_WRITE != 0 {
		host |= unix.PROT_WRITE
	}
	if prot&defs.PROT_EXEC != 0 {
		host |= unix.PROT_EXEC
	}
	return host
}

/// ReserveVirtual establishes [virt, virt+size) with the given guest
/// protection. fd -1 means anonymous; otherwise the range is backed by
/// the host file at offset and registered with the file maps. Existing
/// overlapping reservations are replaced, as mmap(MAP_FIXED) demands.
func (as *AddrSpace_t) ReserveVirtual(virt, size int64, prot int, fd int,
	offset int64, shared bool, path string) defs.Err_t {
	if size <= 0 || virt&mem.PGOFFSET != 0 ||
		!IsCanonical(virt) || !IsCanonical(virt+size-1) {
		return -defs.EINVAL
	}
	if as.Linear && as.overlapsPrecious(virt, size) {
		return -defs.ENOMEM
	}
	as.Lock()
	defer as.Unlock()
	return as.reserveVirtualLocked(virt, size, prot, fd, offset, shared, path)
}

// @assume as.MmapLock
func (as *AddrSpace_t) reserveVirtualLocked(virt, size int64, prot int,
	fd int, offset int64, shared bool, path string) defs.Err_t {
	pages := (size + mem.PGSIZE - 1) >> mem.PGSHIFT
	npte := protToPte(prot)

	// replace whatever was there. when the existing maps exactly
	// cover the request in linear mode, a single MAP_FIXED host mmap
	// may clobber in place; otherwise unmap first and demand a fresh
	// assignment so a racing host allocation can't be clobbered.
	exact := as.Linear && as.coversExactly(virt, pages)
	if exact {
		as.unaccountLocked(virt, pages)
	} else {
		as.freeVirtualLocked(virt, pages<<mem.PGSHIFT)
	}

	switch {
	case as.Linear:
		mflags := unix.MAP_FIXED
		if !exact {
			mflags = mapDemand
		}
		if fd == -1 {
			mflags |= unix.MAP_ANON
			if shared {
				mflags |= unix.MAP_SHARED
			} else {
				mflags |= unix.MAP_PRIVATE
			}
		} else if shared {
			mflags |= unix.MAP_SHARED
		} else {
			mflags |= unix.MAP_PRIVATE
		}
		want := as.ToHost(virt)
		got, err := hostMmap(want, pages<<mem.PGSHIFT,
			protToHost(prot)|unix.PROT_READ|unix.PROT_WRITE, mflags,
			fd, offset)
		if err != nil || got != want {
			// EEXIST from a demand map means we'd have clobbered a
			// host mapping; everything lands on the same guest errno
			logrus.WithError(err).WithField("virt", virt).
				Error("linear reservation failed")
			return -defs.ENOMEM
		}
		for i := int64(0); i < pages; i++ {
			e := mem.Pte_t(as.ToHost(virt+i<<mem.PGSHIFT))&mem.PAGE_TA |
				mem.PAGE_HOST | mem.PAGE_MAP | mem.PAGE_V | npte
			if fd != -1 {
				e |= mem.PAGE_FILE
				if i == pages-1 {
					e |= mem.PAGE_EOF
				}
			}
			if err := as.installPte(virt+i<<mem.PGSHIFT, e); err != 0 {
				return err
			}
		}
		as.Memstat.Committed += pages
		as.Rss += pages
	case fd != -1 || shared:
		// mug pages: one host mmap for the range, each guest page
		// individually accounted and individually unmappable
		mflags := unix.MAP_SHARED
		if !shared {
			mflags = unix.MAP_PRIVATE
		}
		if fd == -1 {
			mflags |= unix.MAP_ANON
		}
		got, err := hostMmap(0, pages<<mem.PGSHIFT,
			unix.PROT_READ|unix.PROT_WRITE, mflags, fd, offset)
		if err != nil {
			logrus.WithError(err).Error("mug reservation failed")
			return -defs.ENOMEM
		}
		for i := int64(0); i < pages; i++ {
			e := mem.Pte_t(got+uintptr(i<<mem.PGSHIFT))&mem.PAGE_TA |
				mem.PAGE_HOST | mem.PAGE_MAP | mem.PAGE_MUG |
				mem.PAGE_RSRV | mem.PAGE_V | npte
			if fd != -1 {
				e |= mem.PAGE_FILE
				if i == pages-1 {
					e |= mem.PAGE_EOF
				}
			}
			if err := as.installPte(virt+i<<mem.PGSHIFT, e); err != 0 {
				return err
			}
		}
		as.Memstat.Reserved += pages
	default:
		// anonymous private: lazy. first touch commits a pool frame.
		for i := int64(0); i < pages; i++ {
			e := mem.PAGE_RSRV | mem.PAGE_V | npte
			if err := as.installPte(virt+i<<mem.PGSHIFT, e); err != 0 {
				return err
			}
		}
		as.Memstat.Reserved += pages
	}
	if fd != -1 {
		as.Filemaps.Add(virt, size, path, offset)
	}
	as.Vss += pages
	return 0
}

// @assume as.MmapLock
func (as *AddrSpace_t) installPte(virt int64, e mem.Pte_t) defs.Err_t {
	table, idx, err := as.walk(virt, true)
	if err != 0 {
		return err
	}
	storePte(table, idx, e)
	return 0
}

// unaccountLocked retires the accounting and provenance of pages a
// MAP_FIXED clobber is about to replace in place; the host side is
// overwritten by the new mapping, so no munmap happens here. Peers
// still must drop stale translations before the clobber is visible.
// @assume as.MmapLock
func (as *AddrSpace_t) unaccountLocked(virt, pages int64) {
	if as.ResetJitPages != nil {
		as.ResetJitPages(virt, virt+pages<<mem.PGSHIFT)
	}
	for i := int64(0); i < pages; i++ {
		v := virt + i<<mem.PGSHIFT
		table, idx, err := as.walk(v, false)
		if err != 0 {
			continue
		}
		e := loadPte(table, idx)
		if e&mem.PAGE_V == 0 {
			continue
		}
		storePte(table, idx, 0)
		as.Vss--
		if e&mem.PAGE_RSRV != 0 && e&mem.PAGE_MUG == 0 {
			as.Memstat.Reserved--
		} else {
			as.Memstat.Committed--
			as.Rss--
		}
		if e&(mem.PAGE_MAP|mem.PAGE_MUG|mem.PAGE_RSRV) == 0 {
			// a stray pool frame won't be recycled by the clobber
			as.Pool.Free(GetPageAddressRaw(e))
		}
		if e&mem.PAGE_FILE != 0 {
			as.Filemaps.DropPage(v)
		}
	}
	if as.Invalidate != nil {
		as.Invalidate(true, true)
	}
}

// coversExactly reports whether every page of the request is already
// reserved. Pages outside the request are not examined. Used to choose
// between clobber and demand mapping.
// @assume as.MmapLock
func (as *AddrSpace_t) coversExactly(virt, pages int64) bool {
	for i := int64(0); i < pages; i++ {
		table, idx, err := as.walk(virt+i<<mem.PGSHIFT, false)
		if err != 0 {
			return false
		}
		if loadPte(table, idx)&mem.PAGE_V == 0 {
			return false
		}
	}
	return true
}

/// FreeVirtual releases [virt, virt+size). Sub-ranges that were never
/// mapped are skipped, not errors.
func (as *AddrSpace_t) FreeVirtual(virt, size int64) defs.Err_t {
	if size <= 0 || virt&mem.PGOFFSET != 0 || !IsCanonical(virt) {
		return -defs.EINVAL
	}
	as.Lock()
	defer as.Unlock()
	as.freeVirtualLocked(virt, size)
	return 0
}

// @assume as.MmapLock
func (as *AddrSpace_t) freeVirtualLocked(virt, size int64) {
	pages := (size + mem.PGSIZE - 1) >> mem.PGSHIFT
	if as.ResetJitPages != nil {
		as.ResetJitPages(virt, virt+pages<<mem.PGSHIFT)
	}
	var runLo, runHi uintptr // pending linear munmap coalescing
	flushRun := func() {
		if runHi > runLo {
			if err := hostMunmap(runLo, int64(runHi-runLo)); err != nil {
				logrus.WithError(err).Error("linear munmap failed")
			}
		}
		runLo, runHi = 0, 0
	}
	for i := int64(0); i < pages; i++ {
		v := virt + i<<mem.PGSHIFT
		table, idx, err := as.walk(v, false)
		if err != 0 {
			flushRun()
			continue
		}
		e := loadPte(table, idx)
		if e&mem.PAGE_V == 0 {
			flushRun()
			continue
		}
		storePte(table, idx, 0)
		as.Vss--
		switch {
		case e&mem.PAGE_RSRV != 0 && e&mem.PAGE_MUG == 0:
			as.Memstat.Reserved--
			flushRun()
		case e&mem.PAGE_MUG != 0:
			if e&mem.PAGE_RSRV != 0 {
				as.Memstat.Reserved--
			} else {
				as.Memstat.Committed--
				as.Rss--
			}
			p := GetPageAddressRaw(e)
			if err := hostMunmap(p, mem.PGSIZE); err != nil {
				logrus.WithError(err).Error("mug munmap failed")
			}
			flushRun()
		case e&mem.PAGE_MAP != 0:
			// linear page; coalesce host munmaps
			as.Memstat.Committed--
			as.Rss--
			p := GetPageAddressRaw(e)
			if runHi == p {
				runHi += uintptr(mem.PGSIZE)
			} else {
				flushRun()
				runLo, runHi = p, p+uintptr(mem.PGSIZE)
			}
		default:
			// committed pool frame
			as.Memstat.Committed--
			as.Rss--
			as.Pool.Free(GetPageAddressRaw(e))
			flushRun()
		}
		if e&mem.PAGE_FILE != 0 {
			as.Filemaps.DropPage(v)
		}
		as.maybeFreeLeaf(v, table)
	}
	flushRun()
	if as.Invalidate != nil {
		as.Invalidate(true, true)
	}
}

// GetPageAddressRaw is GetPageAddress without the RSRV assertion, for
// entries whose frame exists before first touch (mug reservations).
func GetPageAddressRaw(entry mem.Pte_t) uintptr {
	return uintptr(entry & mem.PAGE_TA)
}

// maybeFreeLeaf returns the leaf table's frame to the pool when all
// 512 entries are clear, unhooking it from its parent.
// @assume as.MmapLock
func (as *AddrSpace_t) maybeFreeLeaf(virt int64, table mem.Pte_t) {
	f := mem.Frame(GetPageAddress(table))
	for i := 0; i < 512; i++ {
		if bus.Load64(f[i*8:i*8+8]) != 0 {
			return
		}
	}
	// walk from the root to find the parent slot
	entry := as.Cr3
	for level := uint(39); level >= 21; level -= 9 {
		idx := int(uint64(virt)>>level) & 511
		next := loadPte(entry, idx)
		if next&mem.PAGE_V == 0 {
			return
		}
		if level == 21 {
			if next != table {
				return
			}
			storePte(entry, idx, 0)
			as.Pool.Free(GetPageAddress(table))
			as.Memstat.Tables--
			return
		}
		entry = next
	}
}

/// ProtectVirtual changes the guest protection of [virt, virt+size).
/// The whole interval must be reserved or the call fails without
/// side effects.
func (as *AddrSpace_t) ProtectVirtual(virt, size int64, prot int) defs.Err_t {
	if size <= 0 || virt&mem.PGOFFSET != 0 || !IsCanonical(virt) {
		return -defs.EINVAL
	}
	pages := (size + mem.PGSIZE - 1) >> mem.PGSHIFT
	as.Lock()
	defer as.Unlock()
	for i := int64(0); i < pages; i++ {
		table, idx, err := as.walk(virt+i<<mem.PGSHIFT, false)
		if err != 0 || loadPte(table, idx)&mem.PAGE_V == 0 {
			return -defs.ENOMEM
		}
	}
	if prot&defs.PROT_EXEC == 0 && as.ResetJitPages != nil {
		as.ResetJitPages(virt, virt+pages<<mem.PGSHIFT)
	}
	npte := protToPte(prot)
	// guest protection finer than the host allows weakens to R|W on
	// the host side; the PTE checks in the access path enforce the
	// exact guest semantics either way.
	hostProt := protToHost(prot) | unix.PROT_READ | unix.PROT_WRITE
	var runLo, runHi uintptr
	flushRun := func() {
		if runHi > runLo {
			if err := unix.Mprotect(unsafe.Slice((*byte)(unsafe.Pointer(runLo)),
				runHi-runLo), hostProt); err != nil {
				logrus.WithError(err).Error("linear mprotect failed")
			}
		}
		runLo, runHi = 0, 0
	}
	for i := int64(0); i < pages; i++ {
		table, idx, _ := as.walk(virt+i<<mem.PGSHIFT, false)
		e := loadPte(table, idx)
		e = e&^(mem.PAGE_U|mem.PAGE_RW|mem.PAGE_XD) | npte
		storePte(table, idx, e)
		switch {
		case e&mem.PAGE_MUG != 0:
			// keep host pages RW; guest protection is enforced by
			// the PTE checks in the access path. msync and the
			// copy-on-fault logic still need host access.
			flushRun()
		case e&mem.PAGE_MAP != 0 && as.Linear:
			p := GetPageAddressRaw(e)
			if runHi == p {
				runHi += uintptr(mem.PGSIZE)
			} else {
				flushRun()
				runLo, runHi = p, p+uintptr(mem.PGSIZE)
			}
		default:
			flushRun()
		}
	}
	flushRun()
	if as.Invalidate != nil {
		as.Invalidate(true, true)
	}
	return 0
}

/// SyncVirtual msyncs the host-backed sub-ranges of the interval.
func (as *AddrSpace_t) SyncVirtual(virt, size int64, sysflags int) defs.Err_t {
	if virt&mem.PGOFFSET != 0 || size < 0 || !IsCanonical(virt) {
		return -defs.EINVAL
	}
	host := unix.MS_ASYNC
	if sysflags&defs.MS_SYNC_LINUX != 0 {
		host = unix.MS_SYNC
	}
	if sysflags&defs.MS_INVALIDATE_LINUX != 0 {
		host |= unix.MS_INVALIDATE
	}
	pages := (size + mem.PGSIZE - 1) >> mem.PGSHIFT
	as.Lock()
	defer as.Unlock()
	for i := int64(0); i < pages; i++ {
		table, idx, err := as.walk(virt+i<<mem.PGSHIFT, false)
		if err != 0 {
			continue
		}
		e := loadPte(table, idx)
		if e&mem.PAGE_V == 0 || e&mem.PAGE_RSRV != 0 {
			continue
		}
		if e&(mem.PAGE_MUG|mem.PAGE_MAP) == 0 {
			continue
		}
		b := unsafe.Slice((*byte)(unsafe.Pointer(GetPageAddressRaw(e))),
			mem.PGSIZE)
		if err := unix.Msync(b, host); err != nil {
			logrus.WithError(err).Debug("msync failed")
			return -defs.EIO
		}
	}
	return 0
}

/// HandlePageFault commits a reserved entry's frame on first touch.
/// Returns the rewritten entry, or 0 when the host is out of memory.
func (as *AddrSpace_t) HandlePageFault(entry, table mem.Pte_t, idx int) mem.Pte_t {
	if entry&mem.PAGE_RSRV == 0 {
		panic("page fault on committed entry")
	}
	as.Lock()
	defer as.Unlock()
	// reread under the lock; another thread may have won the race
	cur := loadPte(table, idx)
	if cur&mem.PAGE_V != 0 && cur&mem.PAGE_RSRV == 0 {
		return cur
	}
	var x mem.Pte_t
	if cur&(mem.PAGE_HOST|mem.PAGE_MAP|mem.PAGE_MUG) == 0 {
		// an anonymous page is being accessed for the first time
		page, ok := as.Pool.Allocate()
		if !ok {
			return 0
		}
		x = mem.Pte_t(page)&mem.PAGE_TA | mem.PAGE_HOST |
			cur&^(mem.PAGE_TA|mem.PAGE_RSRV)
	} else {
		// a file-mapped page is being accessed for the first time
		x = cur &^ mem.PAGE_RSRV
	}
	as.Memstat.Reserved--
	as.Memstat.Committed++
	as.Rss++
	storePte(table, idx, x)
	return x
}

/// FindVirtual scans for the lowest page-aligned gap of size bytes at
/// or above hint that avoids precious memory in linear mode.
func (as *AddrSpace_t) FindVirtual(hint, size int64) (int64, defs.Err_t) {
	if size <= 0 {
		return 0, -defs.EINVAL
	}
	hint = util.Roundup(hint, mem.PGSIZE)
	pages := (size + mem.PGSIZE - 1) >> mem.PGSHIFT
	as.Lock()
	defer as.Unlock()
	var run int64
	start := hint
	for v := hint; v+mem.PGSIZE <= VirtMax; v += mem.PGSIZE {
		used := false
		if as.Linear && as.overlapsPrecious(v, mem.PGSIZE) {
			used = true
		} else if table, idx, err := as.walk(v, false); err == 0 {
			used = loadPte(table, idx)&mem.PAGE_V != 0
		}
		if used {
			run = 0
			start = v + mem.PGSIZE
			continue
		}
		run++
		if run == pages {
			return start, 0
		}
	}
	return 0, -defs.ENOMEM
}

/// Destroy tears the table tree down, returning table frames and pool
/// pages and unmapping host-backed ranges.
func (as *AddrSpace_t) Destroy() {
	as.Lock()
	defer as.Unlock()
	as.destroyTables(as.Cr3, 3)
	as.Cr3 = 0
}

// destroyTables walks the live tree only, so teardown cost scales with
// what was actually mapped rather than the 48-bit space.
// @assume as.MmapLock
func (as *AddrSpace_t) destroyTables(table mem.Pte_t, depth int) {
	if table&mem.PAGE_V == 0 {
		return
	}
	for i := 0; i < 512; i++ {
		e := loadPte(table, i)
		if e&mem.PAGE_V == 0 {
			continue
		}
		if depth > 0 {
			as.destroyTables(e, depth-1)
			continue
		}
		switch {
		case e&mem.PAGE_RSRV != 0 && e&mem.PAGE_MUG == 0:
		case e&mem.PAGE_MUG != 0:
			p := GetPageAddressRaw(e)
			if err := hostMunmap(p, mem.PGSIZE); err != nil {
				logrus.WithError(err).Error("mug munmap failed")
			}
		case e&mem.PAGE_MAP != 0:
			p := GetPageAddressRaw(e)
			if err := hostMunmap(p, mem.PGSIZE); err != nil {
				logrus.WithError(err).Error("linear munmap failed")
			}
		default:
			as.Pool.Free(GetPageAddressRaw(e))
		}
	}
	as.Pool.Free(GetPageAddress(table))
	as.Memstat.Tables--
}
