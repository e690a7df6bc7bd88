package vm

import (
	"bytes"
	"os"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"

	"github.com/jart/goblink/defs"
	"github.com/jart/goblink/mem"
)

func mkTestSpace(t *testing.T) (*AddrSpace_t, *View_t) {
	t.Helper()
	pool := &mem.Pool_t{}
	as, err := MkAddrSpace(pool, false, 0)
	if err != 0 {
		t.Fatalf("mkaddrspace: %d", err)
	}
	t.Cleanup(func() {
		as.Destroy()
		pool.Destroy()
	})
	return as, mkWiredView(as)
}

// mkWiredView stands in for the owning system, whose invalidation
// hook flags every view's TLB after a mutation.
func mkWiredView(as *AddrSpace_t) *View_t {
	v := MkView(as)
	as.Invalidate = func(tlb, icache bool) {
		if tlb {
			v.Invalidated.Store(true)
		}
	}
	return v
}

func TestCopyRoundTrip(t *testing.T) {
	as, v := mkTestSpace(t)
	const base = 0x400000
	if err := as.ReserveVirtual(base, 3*mem.PGSIZE,
		defs.PROT_READ|defs.PROT_WRITE, -1, 0, false, ""); err != 0 {
		t.Fatalf("reserve: %d", err)
	}
	msg := make([]uint8, 5000) // crosses a page
	for i := range msg {
		msg[i] = uint8(i * 7)
	}
	if err := v.CopyToUser(base+100, msg); err != 0 {
		t.Fatalf("copy to user: %d", err)
	}
	got := make([]uint8, len(msg))
	if err := v.CopyFromUser(got, base+100); err != 0 {
		t.Fatalf("copy from user: %d", err)
	}
	if !bytes.Equal(msg, got) {
		t.Fatal("round trip mismatch")
	}
}

func TestLazyCommitAccounting(t *testing.T) {
	as, v := mkTestSpace(t)
	const base = 0x500000
	if err := as.ReserveVirtual(base, 4*mem.PGSIZE,
		defs.PROT_READ|defs.PROT_WRITE, -1, 0, false, ""); err != 0 {
		t.Fatalf("reserve: %d", err)
	}
	if as.Memstat.Reserved != 4 || as.Memstat.Committed != 0 {
		t.Fatalf("reserve accounting: %+v", as.Memstat)
	}
	if as.Vss != 4 || as.Rss != 0 {
		t.Fatalf("vss/rss: %d/%d", as.Vss, as.Rss)
	}
	if _, err := v.LookupAddress(base+mem.PGSIZE, mem.PAGE_U, mem.PAGE_U); err != 0 {
		t.Fatalf("lookup: %d", err)
	}
	if as.Memstat.Reserved != 3 || as.Memstat.Committed != 1 {
		t.Fatalf("commit accounting: %+v", as.Memstat)
	}
	if as.Rss != 1 {
		t.Fatal("rss must track committed pages")
	}
	if as.Rss > as.Vss {
		t.Fatal("rss must never exceed vss")
	}
}

func TestProtection(t *testing.T) {
	as, v := mkTestSpace(t)
	const base = 0x600000
	if err := as.ReserveVirtual(base, mem.PGSIZE,
		defs.PROT_READ|defs.PROT_WRITE, -1, 0, false, ""); err != 0 {
		t.Fatalf("reserve: %d", err)
	}
	if err := v.CopyToUser(base, []uint8{1, 2, 3}); err != 0 {
		t.Fatalf("initial write: %d", err)
	}
	if err := as.ProtectVirtual(base, mem.PGSIZE, defs.PROT_READ); err != 0 {
		t.Fatalf("protect: %d", err)
	}
	if err := v.CopyToUser(base+5, []uint8{9}); err != -defs.EFAULT {
		t.Fatalf("write to read-only must fault, got %d", err)
	}
	if _, err := v.ResolveAddress(base+5, mem.PAGE_RW, mem.PAGE_RW); err == 0 {
		t.Fatal("resolve must fault")
	}
	if v.SegvCode != defs.SEGV_ACCERR_LINUX {
		t.Fatalf("accerr expected, got %d", v.SegvCode)
	}
	if v.Faultaddr != base+5 {
		t.Fatalf("si_addr must be the faulting byte, got %#x", v.Faultaddr)
	}
	// reads still work
	b := make([]uint8, 3)
	if err := v.CopyFromUser(b, base); err != 0 || b[1] != 2 {
		t.Fatal("read-only page must stay readable")
	}
	// protect of an unreserved interval fails whole
	if err := as.ProtectVirtual(base, 2*mem.PGSIZE, defs.PROT_READ); err != -defs.ENOMEM {
		t.Fatalf("partial protect must fail: %d", err)
	}
}

func TestUnmapFaults(t *testing.T) {
	as, v := mkTestSpace(t)
	const base = 0x700000
	if err := as.ReserveVirtual(base, 2*mem.PGSIZE,
		defs.PROT_READ|defs.PROT_WRITE, -1, 0, false, ""); err != 0 {
		t.Fatal("reserve")
	}
	if err := v.CopyToUser(base, []uint8{1}); err != 0 {
		t.Fatal("write")
	}
	if err := as.FreeVirtual(base, 2*mem.PGSIZE); err != 0 {
		t.Fatal("free")
	}
	if err := v.CopyToUser(base, []uint8{1}); err != -defs.EFAULT {
		t.Fatal("write after unmap must fault")
	}
	// freeing a never-mapped range is a no-op, not an error
	if err := as.FreeVirtual(0x7100000, 4*mem.PGSIZE); err != 0 {
		t.Fatal("free of unmapped range must succeed")
	}
}

func TestInvalidationBroadcast(t *testing.T) {
	as, v := mkTestSpace(t)
	var tlbFlushes, jitResets int
	as.Invalidate = func(tlb, icache bool) { tlbFlushes++ }
	as.ResetJitPages = func(lo, hi int64) { jitResets++ }
	const base = 0x800000
	if err := as.ReserveVirtual(base, mem.PGSIZE,
		defs.PROT_READ|defs.PROT_WRITE|defs.PROT_EXEC, -1, 0, false, ""); err != 0 {
		t.Fatal("reserve")
	}
	if err := as.ProtectVirtual(base, mem.PGSIZE, defs.PROT_READ); err != 0 {
		t.Fatal("protect")
	}
	if jitResets == 0 {
		t.Fatal("revoking exec must reset jit pages before becoming visible")
	}
	if tlbFlushes == 0 {
		t.Fatal("protect must broadcast invalidation")
	}
	as.FreeVirtual(base, mem.PGSIZE)
	if jitResets < 2 {
		t.Fatal("unmap must reset jit pages")
	}
	// the view observes the flag at its next access
	v.Invalidated.Store(true)
	if _, err := v.LookupAddress(base, mem.PAGE_U, mem.PAGE_U); err != -defs.EFAULT {
		t.Fatal("stale tlb entry must not leak a dead translation")
	}
	if v.Invalidated.Load() {
		t.Fatal("reader must clear and re-store the flag")
	}
}

func TestStash(t *testing.T) {
	as, v := mkTestSpace(t)
	const base = 0x900000
	if err := as.ReserveVirtual(base, 2*mem.PGSIZE,
		defs.PROT_READ|defs.PROT_WRITE, -1, 0, false, ""); err != 0 {
		t.Fatal("reserve")
	}
	straddle := base + mem.PGSIZE - 3
	p, err := v.ReserveAddress(straddle, 8, true)
	if err != 0 {
		t.Fatalf("reserve address: %d", err)
	}
	if v.Stashaddr != straddle {
		t.Fatal("straddling access must stage through the stash")
	}
	copy(p, []uint8{1, 2, 3, 4, 5, 6, 7, 8})
	v.CommitStash()
	if v.Stashaddr != 0 {
		t.Fatal("commit must clear the stash")
	}
	got := make([]uint8, 8)
	if err := v.CopyFromUser(got, straddle); err != 0 {
		t.Fatal("readback")
	}
	if !bytes.Equal(got, []uint8{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Fatal("stash writeback mismatch")
	}
	// a same-page access is direct, no stash
	if _, err := v.ReserveAddress(base, 8, true); err != 0 {
		t.Fatal("direct reserve")
	}
	if v.Stashaddr != 0 {
		t.Fatal("same-page access must not stash")
	}
}

func TestSchlep(t *testing.T) {
	as, v := mkTestSpace(t)
	const base = 0xa00000
	if err := as.ReserveVirtual(base, 2*mem.PGSIZE,
		defs.PROT_READ|defs.PROT_WRITE, -1, 0, false, ""); err != 0 {
		t.Fatal("reserve")
	}
	want := make([]uint8, 6000)
	for i := range want {
		want[i] = uint8(i)
	}
	if err := v.CopyToUser(base+1000, want); err != 0 {
		t.Fatal("seed")
	}
	got, err := v.SchlepR(base+1000, len(want))
	if err != 0 {
		t.Fatalf("schlep: %d", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("schlep mismatch")
	}
	v.CollectGarbage()
	// single-page schlep returns guest memory directly
	direct, err := v.SchlepR(base, 16)
	if err != 0 || len(direct) != 16 {
		t.Fatal("direct schlep")
	}
}

func TestLoadStr(t *testing.T) {
	as, v := mkTestSpace(t)
	const base = 0xb00000
	if err := as.ReserveVirtual(base, 2*mem.PGSIZE,
		defs.PROT_READ|defs.PROT_WRITE, -1, 0, false, ""); err != 0 {
		t.Fatal("reserve")
	}
	// string straddling the page boundary
	addr := base + mem.PGSIZE - 4
	if err := v.CopyToUser(addr, []uint8("hello, world\x00")); err != 0 {
		t.Fatal("seed")
	}
	s, err := v.LoadStr(addr)
	if err != 0 {
		t.Fatalf("loadstr: %d", err)
	}
	if string(s) != "hello, world" {
		t.Fatalf("got %q", s)
	}
	// unterminated string running into unmapped memory faults
	if err := v.CopyToUser(base+2*mem.PGSIZE-8,
		[]uint8{1, 1, 1, 1, 1, 1, 1, 1}); err != 0 {
		t.Fatal("seed2")
	}
	if _, err := v.LoadStr(base + 2*mem.PGSIZE - 8); err != -defs.EFAULT {
		t.Fatal("unterminated string must fault")
	}
}

func TestCopyStrList(t *testing.T) {
	as, v := mkTestSpace(t)
	const base = 0xc00000
	if err := as.ReserveVirtual(base, mem.PGSIZE,
		defs.PROT_READ|defs.PROT_WRITE, -1, 0, false, ""); err != 0 {
		t.Fatal("reserve")
	}
	v.CopyToUser(base+0x100, []uint8("alpha\x00"))
	v.CopyToUser(base+0x110, []uint8("beta\x00"))
	var vec [24]uint8
	put64(vec[0:], uint64(base+0x100))
	put64(vec[8:], uint64(base+0x110))
	v.CopyToUser(base, vec[:])
	list, err := v.CopyStrList(base)
	if err != 0 {
		t.Fatalf("copystrlist: %d", err)
	}
	if diff := cmp.Diff([]string{"alpha", "beta"}, list); diff != "" {
		t.Fatalf("strlist mismatch (-want +got):\n%s", diff)
	}
}

func put64(b []uint8, x uint64) {
	for i := 0; i < 8; i++ {
		b[i] = uint8(x >> uint(i*8))
	}
}

func TestFindVirtual(t *testing.T) {
	as, _ := mkTestSpace(t)
	const base = 0xd00000
	if err := as.ReserveVirtual(base, 2*mem.PGSIZE,
		defs.PROT_READ, -1, 0, false, ""); err != 0 {
		t.Fatal("reserve")
	}
	got, err := as.FindVirtual(base, 3*mem.PGSIZE)
	if err != 0 {
		t.Fatalf("find: %d", err)
	}
	if got < base+2*mem.PGSIZE {
		t.Fatalf("gap overlaps reservation: %#x", got)
	}
	if got&mem.PGOFFSET != 0 {
		t.Fatal("gap must be page aligned")
	}
}

func TestFileMapping(t *testing.T) {
	as, v := mkTestSpace(t)
	f, err := os.CreateTemp(t.TempDir(), "guest")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	content := bytes.Repeat([]uint8("abcd"), 2048) // two pages
	if _, err := f.Write(content); err != nil {
		t.Fatal(err)
	}
	const base = 0xe00000
	if errno := as.ReserveVirtual(base, 2*mem.PGSIZE,
		defs.PROT_READ|defs.PROT_WRITE, int(f.Fd()), 0, true,
		f.Name()); errno != 0 {
		t.Fatalf("reserve: %d", errno)
	}
	if as.Filemaps.Len() != 1 {
		t.Fatal("file mapping must register a provenance record")
	}
	got := make([]uint8, 8)
	if errno := v.CopyFromUser(got, base); errno != 0 {
		t.Fatalf("read: %d", errno)
	}
	if !bytes.Equal(got, []uint8("abcdabcd")) {
		t.Fatalf("file content mismatch: %q", got)
	}
	// shared mapping: a guest store lands in the file
	if errno := v.CopyToUser(base, []uint8("XY")); errno != 0 {
		t.Fatal("write")
	}
	if errno := as.SyncVirtual(base, mem.PGSIZE, defs.MS_SYNC_LINUX); errno != 0 {
		t.Fatalf("msync: %d", errno)
	}
	back := make([]uint8, 2)
	if _, err := f.ReadAt(back, 0); err != nil {
		t.Fatal(err)
	}
	if string(back) != "XY" {
		t.Fatalf("shared write must reach the file, got %q", back)
	}
	if errno := as.FreeVirtual(base, 2*mem.PGSIZE); errno != 0 {
		t.Fatal("free")
	}
	if as.Filemaps.Len() != 0 {
		t.Fatal("record must die with its last page")
	}
}

func TestIsValidMemory(t *testing.T) {
	as, v := mkTestSpace(t)
	const base = 0xf00000
	if err := as.ReserveVirtual(base, mem.PGSIZE,
		defs.PROT_READ|defs.PROT_WRITE, -1, 0, false, ""); err != 0 {
		t.Fatal("reserve")
	}
	if !v.IsValidMemory(base, mem.PGSIZE, defs.PROT_READ|defs.PROT_WRITE) {
		t.Fatal("mapped range must validate")
	}
	if v.IsValidMemory(base, 2*mem.PGSIZE, defs.PROT_READ) {
		t.Fatal("range past the mapping must not validate")
	}
	if v.IsValidMemory(base, mem.PGSIZE, defs.PROT_EXEC) {
		t.Fatal("non-exec mapping must fail an exec check")
	}
}

// far from the go image and heap arenas so the affine host map has a
// fighting chance of getting its fixed addresses
const linBase = 0x123400000000

func mkLinearSpace(t *testing.T) (*AddrSpace_t, *View_t) {
	t.Helper()
	pool := &mem.Pool_t{}
	as, err := MkAddrSpace(pool, true, 0)
	if err != 0 {
		t.Fatalf("mkaddrspace: %d", err)
	}
	t.Cleanup(func() {
		as.Destroy()
		pool.Destroy()
	})
	return as, mkWiredView(as)
}

func TestLinearRoundTrip(t *testing.T) {
	as, v := mkLinearSpace(t)
	if err := as.ReserveVirtual(linBase, 3*mem.PGSIZE,
		defs.PROT_READ|defs.PROT_WRITE, -1, 0, false, ""); err != 0 {
		// the host already owns this range; nothing to test here
		t.Skipf("fixed host mapping unavailable: %d", err)
	}
	// linear reservations commit host pages up front
	if as.Memstat.Committed != 3 || as.Memstat.Reserved != 0 {
		t.Fatalf("linear accounting: %+v", as.Memstat)
	}
	if as.Rss != 3 || as.Vss != 3 {
		t.Fatalf("vss/rss: %d/%d", as.Vss, as.Rss)
	}
	msg := make([]uint8, 5000) // crosses a page
	for i := range msg {
		msg[i] = uint8(i * 13)
	}
	if err := v.CopyToUser(linBase+200, msg); err != 0 {
		t.Fatalf("copy to user: %d", err)
	}
	got := make([]uint8, len(msg))
	if err := v.CopyFromUser(got, linBase+200); err != 0 {
		t.Fatalf("copy from user: %d", err)
	}
	if !bytes.Equal(msg, got) {
		t.Fatal("round trip mismatch")
	}
	// guest virtual N really is host pointer base+N
	host := *(*uint8)(unsafe.Pointer(as.ToHost(linBase + 200)))
	if host != msg[0] {
		t.Fatalf("affine map broken: host byte %#x", host)
	}
}

func TestLinearProtectAndUnmap(t *testing.T) {
	as, v := mkLinearSpace(t)
	if err := as.ReserveVirtual(linBase, 2*mem.PGSIZE,
		defs.PROT_READ|defs.PROT_WRITE, -1, 0, false, ""); err != 0 {
		t.Skipf("fixed host mapping unavailable: %d", err)
	}
	if err := v.CopyToUser(linBase, []uint8{7, 8, 9}); err != 0 {
		t.Fatal("seed")
	}
	if err := as.ProtectVirtual(linBase, mem.PGSIZE, defs.PROT_READ); err != 0 {
		t.Fatalf("protect: %d", err)
	}
	if err := v.CopyToUser(linBase+1, []uint8{1}); err != -defs.EFAULT {
		t.Fatalf("write to read-only must fault, got %d", err)
	}
	b := make([]uint8, 3)
	if err := v.CopyFromUser(b, linBase); err != 0 || b[2] != 9 {
		t.Fatal("read-only page must stay readable")
	}
	// second page keeps its write permission
	if err := v.CopyToUser(linBase+mem.PGSIZE, []uint8{1}); err != 0 {
		t.Fatal("untouched page must stay writable")
	}
	if err := as.FreeVirtual(linBase, 2*mem.PGSIZE); err != 0 {
		t.Fatal("free")
	}
	if err := v.CopyFromUser(b[:1], linBase); err != -defs.EFAULT {
		t.Fatal("access after unmap must fault")
	}
	if as.Vss != 0 || as.Rss != 0 || as.Memstat.Committed != 0 {
		t.Fatalf("teardown accounting: %+v rss=%d vss=%d",
			as.Memstat, as.Rss, as.Vss)
	}
}

func TestLinearReplaceInPlace(t *testing.T) {
	as, v := mkLinearSpace(t)
	if err := as.ReserveVirtual(linBase, mem.PGSIZE,
		defs.PROT_READ|defs.PROT_WRITE, -1, 0, false, ""); err != 0 {
		t.Skipf("fixed host mapping unavailable: %d", err)
	}
	if err := v.CopyToUser(linBase, []uint8{0xaa}); err != 0 {
		t.Fatal("seed")
	}
	// an exact-cover re-reservation clobbers in place with MAP_FIXED
	// and comes back as a fresh anonymous page
	if err := as.ReserveVirtual(linBase, mem.PGSIZE,
		defs.PROT_READ|defs.PROT_WRITE, -1, 0, false, ""); err != 0 {
		t.Fatalf("replace: %d", err)
	}
	var b [1]uint8
	if err := v.CopyFromUser(b[:], linBase); err != 0 {
		t.Fatal("read after replace")
	}
	if b[0] != 0 {
		t.Fatalf("replacement page must read zero, got %#x", b[0])
	}
	if as.Vss != 1 {
		t.Fatalf("replace must not double count vss: %d", as.Vss)
	}
}

func TestLinearPrecious(t *testing.T) {
	as, _ := mkLinearSpace(t)
	as.AddPrecious(as.ToHost(linBase), as.ToHost(linBase+mem.PGSIZE))
	if err := as.ReserveVirtual(linBase, mem.PGSIZE,
		defs.PROT_READ, -1, 0, false, ""); err != -defs.ENOMEM {
		t.Fatalf("precious overlap must be refused, got %d", err)
	}
	// adjacent ranges are fine
	if err := as.ReserveVirtual(linBase+mem.PGSIZE, mem.PGSIZE,
		defs.PROT_READ, -1, 0, false, ""); err != 0 {
		t.Skipf("fixed host mapping unavailable: %d", err)
	}
}
