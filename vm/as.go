package vm

import (
	"bytes"
	"sync/atomic"

	"github.com/jart/goblink/defs"
	"github.com/jart/goblink/mem"
	"github.com/jart/goblink/util"
)

/// TlbSize is the number of recently translated pages a view caches.
const TlbSize = 16

/// StashSize covers the largest access that can straddle two pages.
const StashSize = 4096 + 4096

type tlbEntry_t struct {
	page  int64
	entry mem.Pte_t
}

/// View_t is one thread's window onto an address space: a small TLB,
/// the bounce buffer for page-straddling accesses, the per-instruction
/// free list, and the fault record the dispatcher reports from.
type View_t struct {
	As          *AddrSpace_t
	Invalidated atomic.Bool

	tlb [TlbSize]tlbEntry_t

	/// fault record for signal delivery
	Faultaddr int64
	SegvCode  int

	/// most recent guest read/write span, for diagnostics
	Readaddr  int64
	Readsize  uint32
	Writeaddr int64
	Writesize uint32

	Stashaddr     int64
	stashsize     int
	stashWritable bool
	stash         [StashSize]uint8

	freelist [][]uint8
}

/// MkView returns a view bound to as.
func MkView(as *AddrSpace_t) *View_t {
	return &View_t{As: as}
}

/// ResetTlb discards every cached translation.
func (v *View_t) ResetTlb() {
	for i := range v.tlb {
		v.tlb[i] = tlbEntry_t{}
	}
}

/// SetReadAddr records the span of the last guest read.
func (v *View_t) SetReadAddr(addr int64, size uint32) {
	if size != 0 {
		v.Readaddr = addr
		v.Readsize = size
	}
}

/// SetWriteAddr records the span of the last guest write.
func (v *View_t) SetWriteAddr(addr int64, size uint32) {
	if size != 0 {
		v.Writeaddr = addr
		v.Writesize = size
	}
}

// findPageTableEntry translates page, consulting the TLB first. The
// TLB bump is an O(N) swap toward the front, N being a handful.
func (v *View_t) findPageTableEntry(page int64) (mem.Pte_t, bool) {
	for i := range v.tlb {
		if v.tlb[i].page == page && v.tlb[i].entry&mem.PAGE_V != 0 {
			res := v.tlb[i].entry
			if i > 0 {
				v.tlb[i-1], v.tlb[i] = v.tlb[i], v.tlb[i-1]
			}
			return res, true
		}
	}
	as := v.As
	entry := as.Cr3
	var table mem.Pte_t
	var idx int
	for level := uint(39); ; level -= 9 {
		table = entry
		idx = int(uint64(page)>>level) & 511
		entry = loadPte(table, idx)
		if entry&mem.PAGE_V == 0 {
			return 0, false
		}
		if level == 12 {
			break
		}
	}
	if entry&mem.PAGE_RSRV != 0 {
		if entry = as.HandlePageFault(entry, table, idx); entry == 0 {
			return 0, false
		}
	}
	v.tlb[TlbSize-1] = tlbEntry_t{page, entry}
	return entry, true
}

/// LookupAddress translates virt and checks the PTE bits selected by
/// mask against need. On success it returns the host bytes from virt
/// to the end of its page.
func (v *View_t) LookupAddress(virt int64, mask, need mem.Pte_t) ([]uint8, defs.Err_t) {
	if v.Invalidated.Load() {
		v.ResetTlb()
		v.Invalidated.Store(false)
	}
	if !IsCanonical(virt) {
		return nil, -defs.EFAULT
	}
	page := virt & mem.PGMASK
	entry, ok := v.findPageTableEntry(page)
	if !ok {
		return nil, -defs.EFAULT
	}
	if entry&mask != need {
		return nil, -defs.EFAULT
	}
	host := GetPageAddress(entry)
	return mem.Frame(host)[virt&mem.PGOFFSET:], 0
}

/// ResolveAddress is LookupAddress that records the fault for signal
/// delivery when the translation fails.
func (v *View_t) ResolveAddress(virt int64, mask, need mem.Pte_t) ([]uint8, defs.Err_t) {
	p, err := v.LookupAddress(virt, mask, need)
	if err != 0 {
		v.Faultaddr = virt
		if _, ok := v.findPageTableEntry(virt & mem.PGMASK); ok {
			v.SegvCode = defs.SEGV_ACCERR_LINUX
		} else {
			v.SegvCode = defs.SEGV_MAPERR_LINUX
		}
	}
	return p, err
}

/// IsValidMemory verifies the whole interval carries the given guest
/// protection.
func (v *View_t) IsValidMemory(virt, size int64, prot int) bool {
	if size <= 0 || !IsCanonical(virt) || !IsCanonical(virt+size-1) {
		return false
	}
	var mask, need mem.Pte_t
	if prot&defs.PROT_READ != 0 {
		mask |= mem.PAGE_U
		need |= mem.PAGE_U
	}
	if prot&defs.PROT_WRITE != 0 {
		mask |= mem.PAGE_RW
		need |= mem.PAGE_RW
	}
	if prot&defs.PROT_EXEC != 0 {
		mask |= mem.PAGE_XD
	}
	for p := virt & mem.PGMASK; p < virt+size; p += mem.PGSIZE {
		entry, ok := v.findPageTableEntry(p)
		if !ok || entry&mask != need {
			return false
		}
	}
	return true
}

func (v *View_t) virtualCopy(virt int64, b []uint8, toGuest bool) defs.Err_t {
	mask, need := mem.PAGE_U, mem.PAGE_U
	if toGuest {
		mask, need = mem.PAGE_RW, mem.PAGE_RW
	}
	for len(b) > 0 {
		p, err := v.LookupAddress(virt, mem.Pte_t(mask), mem.Pte_t(need))
		if err != 0 {
			return err
		}
		var n int
		if toGuest {
			n = copy(p, b)
		} else {
			n = copy(b, p)
		}
		b = b[n:]
		virt += int64(n)
	}
	return 0
}

/// CopyFromUser copies len(dst) bytes out of guest memory at src.
func (v *View_t) CopyFromUser(dst []uint8, src int64) defs.Err_t {
	return v.virtualCopy(src, dst, false)
}

/// CopyFromUserRead is CopyFromUser that records the read span.
func (v *View_t) CopyFromUserRead(dst []uint8, src int64) defs.Err_t {
	if err := v.CopyFromUser(dst, src); err != 0 {
		return err
	}
	v.SetReadAddr(src, uint32(len(dst)))
	return 0
}

/// CopyToUser copies src into guest memory at dst.
func (v *View_t) CopyToUser(dst int64, src []uint8) defs.Err_t {
	return v.virtualCopy(dst, src, true)
}

/// CopyToUserWrite is CopyToUser that records the write span.
func (v *View_t) CopyToUserWrite(dst int64, src []uint8) defs.Err_t {
	if err := v.CopyToUser(dst, src); err != 0 {
		return err
	}
	v.SetWriteAddr(dst, uint32(len(src)))
	return 0
}

/// ReserveAddress returns directly addressable host memory for the
/// access [virt, virt+n). A page-straddling access is staged through
/// the stash and written back by CommitStash after the instruction.
func (v *View_t) ReserveAddress(virt int64, n int, writable bool) ([]uint8, defs.Err_t) {
	need := mem.PAGE_U
	if writable {
		need = mem.PAGE_RW
	}
	if virt&mem.PGOFFSET+int64(n) <= mem.PGSIZE {
		p, err := v.ResolveAddress(virt, need, need)
		if err != 0 {
			return nil, err
		}
		return p[:n], 0
	}
	v.Stashaddr = virt
	v.stashsize = n
	v.stashWritable = writable
	r := v.stash[:n]
	if err := v.CopyFromUser(r, virt); err != 0 {
		v.Stashaddr = 0
		return nil, err
	}
	return r, 0
}

/// CommitStash writes a staged page-straddling store back to guest
/// memory. Call between instructions while Stashaddr is set.
func (v *View_t) CommitStash() {
	if v.Stashaddr == 0 {
		panic("no stash pending")
	}
	if v.stashWritable {
		v.CopyToUser(v.Stashaddr, v.stash[:v.stashsize])
	}
	v.Stashaddr = 0
}

// accessRam resolves the access, splitting across two pages when
// needed. p receives the two page fragments for EndStore.
func (v *View_t) accessRam(virt int64, n int, p *[2][]uint8, tmp []uint8,
	copyIn bool) ([]uint8, defs.Err_t) {
	if n > int(mem.PGSIZE) {
		panic("oversized access")
	}
	need := mem.PAGE_U
	if !copyIn {
		// stores (BeginStore) need write permission
		need = mem.PAGE_RW
	}
	if virt&mem.PGOFFSET+int64(n) <= mem.PGSIZE {
		r, err := v.ResolveAddress(virt, need, need)
		if err != 0 {
			return nil, err
		}
		return r[:n], 0
	}
	k := int(mem.PGSIZE - virt&mem.PGOFFSET)
	a, err := v.ResolveAddress(virt, need, need)
	if err != 0 {
		return nil, err
	}
	b, err := v.ResolveAddress(virt+int64(k), need, need)
	if err != 0 {
		return nil, err
	}
	if copyIn {
		copy(tmp, a[:k])
		copy(tmp[k:], b[:n-k])
	}
	p[0] = a[:k]
	p[1] = b[:n-k]
	return tmp[:n], 0
}

/// Load resolves a read of n bytes, copying through b on a straddle.
func (v *View_t) Load(virt int64, n int, b []uint8) ([]uint8, defs.Err_t) {
	var p [2][]uint8
	v.SetReadAddr(virt, uint32(n))
	return v.accessRam(virt, n, &p, b, true)
}

/// BeginStore begins a write of n bytes; pair with EndStore.
func (v *View_t) BeginStore(virt int64, n int, p *[2][]uint8, b []uint8) ([]uint8, defs.Err_t) {
	v.SetWriteAddr(virt, uint32(n))
	return v.accessRam(virt, n, p, b, false)
}

/// EndStore completes a write begun with BeginStore, distributing the
/// buffered bytes over the two underlying pages when it straddled.
func (v *View_t) EndStore(virt int64, n int, p *[2][]uint8, b []uint8) {
	if virt&mem.PGOFFSET+int64(n) <= mem.PGSIZE {
		return
	}
	k := int(mem.PGSIZE - virt&mem.PGOFFSET)
	copy(p[0], b[:k])
	copy(p[1], b[k:n])
}

/// AddToFreeList keeps b alive until the next CollectGarbage.
func (v *View_t) AddToFreeList(b []uint8) []uint8 {
	v.freelist = append(v.freelist, b)
	return b
}

/// CollectGarbage drops every scratch buffer borrowed during the last
/// instruction.
func (v *View_t) CollectGarbage() {
	v.freelist = v.freelist[:0]
}

// schlep pins [addr, addr+size); a straddling region is copied into a
// scratch buffer that lives until CollectGarbage.
func (v *View_t) schlep(addr int64, size int, mask, need mem.Pte_t) ([]uint8, defs.Err_t) {
	if size == 0 {
		return nil, 0
	}
	page, err := v.LookupAddress(addr, mask, need)
	if err != 0 {
		return nil, err
	}
	if size <= len(page) {
		return page[:size], 0
	}
	copyb := make([]uint8, size)
	have := copy(copyb, page)
	for have < size {
		page, err = v.LookupAddress(addr+int64(have), mask, need)
		if err != 0 {
			return nil, err
		}
		have += copy(copyb[have:], page[:util.Min(len(page), size-have)])
	}
	return v.AddToFreeList(copyb), 0
}

/// SchlepR pins a readable guest region.
func (v *View_t) SchlepR(addr int64, size int) ([]uint8, defs.Err_t) {
	v.SetReadAddr(addr, uint32(size))
	return v.schlep(addr, size, mem.PAGE_U, mem.PAGE_U)
}

/// SchlepW pins a writable guest region. The caller must copy changes
/// back itself when the region straddled pages.
func (v *View_t) SchlepW(addr int64, size int) ([]uint8, defs.Err_t) {
	v.SetWriteAddr(addr, uint32(size))
	return v.schlep(addr, size, mem.PAGE_RW, mem.PAGE_RW)
}

/// SchlepRW pins a read-write guest region.
func (v *View_t) SchlepRW(addr int64, size int) ([]uint8, defs.Err_t) {
	v.SetReadAddr(addr, uint32(size))
	v.SetWriteAddr(addr, uint32(size))
	return v.schlep(addr, size, mem.PAGE_U|mem.PAGE_RW, mem.PAGE_U|mem.PAGE_RW)
}

/// LoadStr reads a NUL-terminated string at addr, growing a scratch
/// buffer a page at a time while it crosses pages.
func (v *View_t) LoadStr(addr int64) ([]uint8, defs.Err_t) {
	if addr == 0 {
		return nil, -defs.EFAULT
	}
	page, err := v.LookupAddress(addr, mem.PAGE_U, mem.PAGE_U)
	if err != 0 {
		return nil, err
	}
	if i := bytes.IndexByte(page, 0); i >= 0 {
		v.SetReadAddr(addr, uint32(i+1))
		return page[:i], 0
	}
	copyb := make([]uint8, 0, len(page)+int(mem.PGSIZE))
	copyb = append(copyb, page...)
	for {
		page, err = v.LookupAddress(addr+int64(len(copyb)), mem.PAGE_U, mem.PAGE_U)
		if err != 0 {
			return nil, err
		}
		if i := bytes.IndexByte(page, 0); i >= 0 {
			copyb = append(copyb, page[:i]...)
			v.SetReadAddr(addr, uint32(len(copyb)+1))
			return v.AddToFreeList(copyb), 0
		}
		copyb = append(copyb, page...)
	}
}

/// CopyStr returns a stable copy of the NUL-terminated string at addr.
func (v *View_t) CopyStr(addr int64) (string, defs.Err_t) {
	s, err := v.LoadStr(addr)
	if err != 0 {
		return "", err
	}
	return string(s), 0
}

/// CopyStrList reads a NULL-terminated vector of guest pointers to
/// C strings, as passed for argv and envp.
func (v *View_t) CopyStrList(addr int64) ([]string, defs.Err_t) {
	var list []string
	var b [8]uint8
	for n := int64(0); ; n++ {
		if err := v.CopyFromUserRead(b[:], addr+n*8); err != 0 {
			return nil, err
		}
		p := int64(util.Read64(b[:]))
		if p == 0 {
			return list, 0
		}
		s, err := v.CopyStr(p)
		if err != 0 {
			return nil, err
		}
		list = append(list, s)
	}
}
