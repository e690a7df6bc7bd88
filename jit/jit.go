// Package jit implements the just-in-time code threader. It is not a
// code generator for guest arithmetic: the stubs it builds chain calls
// to pre-compiled micro-ops, one call per decoded guest instruction,
// with an amortised prologue and tail. The value is eliminating
// dispatch overhead.
//
// Code lives in a single process-wide pool carved into fixed-size
// blocks. A thread leases a block with StartJit, emits bytes through
// the Append primitives, and publishes the result with FinishJit. On
// hosts that grant RWX memory the code goes live immediately; on
// strict W^X hosts freshly written code is staged until a page-sized
// prefix of its block can be flipped to r-x; hosts that refuse both
// disable the JIT and the interpreter runs unaided.
package jit

import (
	"container/list"
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/jart/goblink/stats"
	"github.com/jart/goblink/util"
)

/// Tunables, inherited from long observation of real workloads.
const (
	JitFit          = 1000   /// min room to lease a block
	JitAlign        = 16     /// function entry alignment
	JitJumpTries    = 16     /// fixup attempts before discard
	JitAveragePath  = 150    /// heuristic bytes per path
	JitMinBlockSize = 262144 /// block granule, >= any page size
	JitRetireQueue  = 8      /// retired-memory cooldown depth
	JitDepth        = 16     /// cycle search depth
	JitInitialHooks = 512    /// initial hook table capacity
)

/// JitMemorySize is the size of the process-wide code pool.
const JitMemorySize = 130023424

/// JitBlockSize is the lease granule.
const JitBlockSize = JitMinBlockSize

// permission capability, probed once at pool creation
type jitPerm int

const (
	permImmediate jitPerm = iota // rwx; code is live the moment it's written
	permDeferred                 // rw then mprotect r-x page prefixes
	permDisabled                 // host refused both; no jit
)

/// JitJump_t records a call site to be rewritten into a direct jump
/// once its target virtual address gets compiled.
type JitJump_t struct {
	code   uintptr
	virt   uint64
	addend int
	tries  int
}

/// JitStage_t is a finished function awaiting its block prefix flip.
type JitStage_t struct {
	start   int
	index   int
	virt    uint64
	pagegen uint32
}

/// JitBlock_t is one lease granule of the code pool.
type JitBlock_t struct {
	addr        uintptr
	virt        uint64
	start       int
	index       int
	committed   int
	lastaction  int64
	pagegen     uint32
	isprotected bool
	wasretired  bool
	jumps       []*JitJump_t
	staged      []*JitStage_t
	pages       []int64
	elem        *list.Element
	aged        *list.Element
}

type jitPageEdge_t struct {
	src int16
	dst int16
}

/// JitPage_t summarizes one 4 KiB guest page: which 64-byte sub-ranges
/// have hooks, and the intra-page branch edges used for cycle checks.
type JitPage_t struct {
	bitset uint64
	edges  []jitPageEdge_t
}

// hook table arrays, swapped atomically under the generation counter
type hookTable_t struct {
	virts []atomic.Uint64
	funcs []atomic.Int32
}

// hook function encoding in the i32 funcs array:
//
//	0   empty or deleted
//	-1  staging hook
//	>0  1-based byte offset of the stub from the pool base
const hookStaging = -1

/// Jit_t is the shared code heap and hook table for one system.
type Jit_t struct {
	disabled atomic.Bool
	staging  uintptr // interpreter entry staging hooks resolve to
	lock     sync.Mutex
	keygen   atomic.Uint32
	pagegen  atomic.Uint32

	hooks struct {
		n     atomic.Uint32
		i     uint32 // live entries; under lock
		table atomic.Pointer[hookTable_t]
	}
	retired []*hookTable_t // cooled-off tables, depth JitRetireQueue

	blocks     *list.List // most-recently leased first
	agedblocks *list.List // fifo by acquisition
	jumps      []*JitJump_t
	pages      map[int64]*JitPage_t
}

// the process-wide code pool. Its address range is a platform-wide
// constraint (call displacement reach), so it stays global.
var gJit struct {
	once      sync.Once
	lock      sync.Mutex
	perm      jitPerm
	pool      []byte
	base      uintptr
	brk       int
	freecount int
	freelist  []*JitBlock_t
}

func initPool() {
	b, err := unix.Mmap(-1, 0, JitMemorySize,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err == nil {
		gJit.perm = permImmediate
	} else {
		b, err = unix.Mmap(-1, 0, JitMemorySize,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			logrus.WithError(err).Error("jit pool reservation failed")
			gJit.perm = permDisabled
			return
		}
		gJit.perm = permDeferred
	}
	gJit.pool = b
	gJit.base = uintptr(unsafe.Pointer(&b[0]))
}

/// CanJitForImmediateEffect reports whether finished code becomes live
/// without an mprotect round trip.
func CanJitForImmediateEffect() bool {
	return gJit.perm == permImmediate
}

/// PoolRange returns the host range of the code pool, for registering
/// as precious memory.
func PoolRange() (uintptr, uintptr) {
	return gJit.base, gJit.base + JitMemorySize
}

func allocateJitMemory() uintptr {
	if gJit.brk+JitBlockSize > JitMemorySize {
		return 0
	}
	p := gJit.base + uintptr(gJit.brk)
	gJit.brk += JitBlockSize
	return p
}

/// InitJit builds a JIT bound to the process pool. staging is the
/// interpreter entry a staging hook resolves to; zero disables the
/// staging protocol.
func InitJit(staging uintptr) *Jit_t {
	gJit.once.Do(initPool)
	j := &Jit_t{
		staging:    staging,
		blocks:     list.New(),
		agedblocks: list.New(),
		pages:      make(map[int64]*JitPage_t),
	}
	n := uint32(util.RoundupTwoPow(JitInitialHooks))
	j.hooks.n.Store(n)
	j.hooks.table.Store(mkHookTable(n))
	if gJit.perm == permDisabled || !jitSupported {
		j.disabled.Store(true)
	}
	return j
}

func mkHookTable(n uint32) *hookTable_t {
	return &hookTable_t{
		virts: make([]atomic.Uint64, n),
		funcs: make([]atomic.Int32, n),
	}
}

/// IsJitDisabled reports whether the threader is off.
func (j *Jit_t) IsJitDisabled() bool {
	return j.disabled.Load()
}

/// DisableJit turns the threader off; StartJit returns nil afterward.
func (j *Jit_t) DisableJit() {
	j.disabled.Store(true)
}

func decodeJitFunc(f int32) uintptr {
	if f == 0 {
		panic("empty hook decoded")
	}
	if f == hookStaging {
		panic("staging hook decoded")
	}
	return gJit.base + uintptr(f) - 1
}

func encodeJitFunc(addr uintptr) int32 {
	if addr == 0 {
		return 0
	}
	off := int64(addr) - int64(gJit.base) + 1
	f := int32(off)
	if int64(f) != off || f <= 0 {
		panic("stub outside pool")
	}
	return f
}

// begins a write to memory that may be read locklessly. generation is
// monotonic: even means ready, odd means actively being changed.
func beginUpdate(gen *atomic.Uint32) uint32 {
	g := gen.Load()
	if g&1 != 0 {
		panic("re-entered update")
	}
	gen.Store(g + 1)
	return g
}

func endUpdate(gen *atomic.Uint32, g uint32) {
	gen.Store(g + 2)
}

// determines if a lockless read raced a writer and must retry
func shallNotPass(g1 uint32, gen *atomic.Uint32) bool {
	g2 := gen.Load()
	return g1&1 != 0 || g1 != g2
}

/// GetJitHook retrieves the native function for a guest address. The
/// read is lock-free: read generation, probe, re-read generation,
/// retry if changed or odd. Returns fallback for a staging hook and 0
/// for no hook at all.
func (j *Jit_t) GetJitHook(virt uint64, fallback uintptr) uintptr {
	var res uintptr
	for {
		kgen := j.keygen.Load()
		n := j.hooks.n.Load()
		t := j.hooks.table.Load()
		hash := uint32(virt)
		var spot, step uint32
		for ; ; step++ {
			spot = (hash + step*(step+1)/2) & (n - 1)
			key := t.virts[spot].Load()
			if key == virt {
				switch off := t.funcs[spot].Load(); off {
				case 0:
					res = 0
				case hookStaging:
					res = fallback
				default:
					res = decodeJitFunc(off)
				}
				break
			}
			if key == 0 {
				return 0
			}
		}
		if !shallNotPass(kgen, &j.keygen) {
			return res
		}
	}
}

// @assume j.lock
func (j *Jit_t) rehashJitHooks() uint32 {
	stats.JitRehashes.Add(1)
	t := j.hooks.table.Load()
	n1 := j.hooks.n.Load()
	var used uint32
	for i := uint32(0); i < n1; i++ {
		if t.funcs[i].Load() != 0 {
			used++
		}
	}
	// grow unless this rehash is due to many deleted values
	n2 := n1
	if used > n1/4 {
		n2 = n1 << 1
	}
	t2 := mkHookTable(n2)
	var live uint32
	for i := uint32(0); i < n1; i++ {
		virt := t.virts[i].Load()
		fn := t.funcs[i].Load()
		if virt != 0 && fn != 0 {
			hash := uint32(virt)
			var spot, step uint32
			for ; ; step++ {
				spot = (hash + step*(step+1)/2) & (n2 - 1)
				if t2.virts[spot].Load() == 0 {
					break
				}
			}
			t2.virts[spot].Store(virt)
			t2.funcs[spot].Store(fn)
			live++
		}
	}
	kgen := beginUpdate(&j.keygen)
	j.hooks.table.Store(t2)
	j.hooks.n.Store(n2)
	endUpdate(&j.keygen, kgen)
	// cool the old arrays off: holding the last JitRetireQueue tables
	// here keeps churn from recycling memory out from under in-flight
	// lock-free readers faster than they can retry
	j.retired = append(j.retired, t)
	if len(j.retired) > JitRetireQueue {
		j.retired = j.retired[1:]
	}
	j.hooks.i = live
	return n2
}

// @assume j.lock
func (j *Jit_t) setJitHookUnlocked(virt uint64, cas int32, funcaddr uintptr, staging bool) bool {
	if virt == 0 {
		panic("hook on null virt")
	}
	n := j.hooks.n.Load()
	if j.hooks.i == n/2 {
		if n = j.rehashJitHooks(); n == 0 {
			j.DisableJit()
			return false
		}
	}
	// probe for a spot. guaranteed to halt: load factor <= 1/2
	t := j.hooks.table.Load()
	hash := uint32(virt)
	var spot, step uint32
	var key uint64
	for ; ; step++ {
		spot = (hash + step*(step+1)/2) & (n - 1)
		key = t.virts[spot].Load()
		if key == 0 || key == virt {
			break
		}
	}
	var fn int32
	if staging {
		fn = hookStaging
	} else {
		fn = encodeJitFunc(funcaddr)
	}
	oldfn := t.funcs[spot].Load()
	if j.staging != 0 {
		if fn == hookStaging {
			stats.JitHooksStaged.Add(1)
			if key != 0 && oldfn != hookStaging {
				stats.JitHooksDeleted.Add(1)
			}
		} else {
			if key != 0 && cas != 0 && oldfn != cas {
				// another thread won the race to install this
				return false
			}
			stats.JitHooksStaged.Add(-1)
			if fn != 0 {
				stats.JitHooksInstalled.Add(1)
			}
		}
	} else {
		if key != 0 && oldfn != 0 {
			stats.JitHooksDeleted.Add(1)
		}
		if fn != 0 {
			stats.JitHooksInstalled.Add(1)
		}
	}
	if key == 0 {
		j.hooks.i++
	}
	var jp *JitPage_t
	if fn != 0 {
		jp = j.getOrCreateJitPage(int64(virt))
	} else {
		jp = j.pages[int64(virt)&^4095]
	}
	if jp != nil {
		bit := uint64(1) << ((virt & 4095) >> 6)
		if fn != 0 {
			jp.bitset |= bit
		} else {
			jp.bitset &^= bit
		}
	}
	kgen := beginUpdate(&j.keygen)
	t.virts[spot].Store(virt)
	t.funcs[spot].Store(fn)
	endUpdate(&j.keygen, kgen)
	return true
}

func (j *Jit_t) setJitHook(virt uint64, cas int32, funcaddr uintptr, staging bool) bool {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.setJitHookUnlocked(virt, cas, funcaddr, staging)
}

// @assume j.lock
func (j *Jit_t) getOrCreateJitPage(addr int64) *JitPage_t {
	page := addr &^ 4095
	jp := j.pages[page]
	if jp == nil {
		jp = &JitPage_t{}
		j.pages[page] = jp
	}
	return jp
}

// bounded dfs over the page's intra-page edges; reports whether
// reaching dst again is possible, i.e. the new edge would close a loop
func isJitPageCyclic(jp *JitPage_t, visits []int16, depth int, dst int16) bool {
	if depth == JitDepth {
		return true
	}
	for i := 0; i < depth; i++ {
		if dst == visits[i] {
			return true
		}
	}
	visits[depth] = dst
	depth++
	for _, e := range jp.edges {
		if e.src == dst && isJitPageCyclic(jp, visits, depth, e.dst) {
			return true
		}
	}
	return false
}

/// RecordJitEdge records an intra-page branch edge, or returns false
/// if adding it would form a cycle. A compiled cycle would spin with
/// no scheduling safe point, so the branch stays interpreted instead.
func (j *Jit_t) RecordJitEdge(src, dst int64) bool {
	if src&^4095 != dst&^4095 {
		panic("edge crosses pages")
	}
	j.lock.Lock()
	defer j.lock.Unlock()
	jp := j.getOrCreateJitPage(src)
	var visits [JitDepth]int16
	visits[0] = int16(src & 4095)
	if isJitPageCyclic(jp, visits[:], 1, int16(dst&4095)) {
		stats.JitCyclesAvoided.Add(1)
		return false
	}
	jp.edges = append(jp.edges, jitPageEdge_t{int16(src & 4095), int16(dst & 4095)})
	if src == dst {
		panic("self edge recorded")
	}
	return true
}

// @assume j.lock
func (j *Jit_t) resetJitPageHooks(page int64) {
	jp := j.pages[page]
	if jp == nil {
		return
	}
	for jp.bitset != 0 {
		boff := 63 - bits.LeadingZeros64(jp.bitset)
		virt := page + int64(boff)*(4096/64)
		for end := virt + 64; virt < end; virt++ {
			n := j.hooks.n.Load()
			t := j.hooks.table.Load()
			hash := uint32(uint64(virt))
			var spot, step uint32
			for ; ; step++ {
				spot = (hash + step*(step+1)/2) & (n - 1)
				key := t.virts[spot].Load()
				if key == 0 {
					break
				}
				if key == uint64(virt) {
					if old := t.funcs[spot].Load(); old != 0 {
						t.funcs[spot].Store(0)
						if old == hookStaging {
							stats.JitHooksStaged.Add(-1)
						} else {
							stats.JitHooksInstalled.Add(-1)
							stats.JitHooksDeleted.Add(1)
						}
					}
					break
				}
			}
		}
		jp.bitset &^= uint64(1) << uint(boff)
	}
}

// @assume j.lock
func (j *Jit_t) resetJitPageBlocks(page int64) {
	for e := j.blocks.Front(); e != nil; e = e.Next() {
		j.resetJitPageBlock(e.Value.(*JitBlock_t), page)
	}
}

// @assume j.lock
func (j *Jit_t) resetJitPageBlock(jb *JitBlock_t, page int64) {
	keep := jb.staged[:0]
	for _, js := range jb.staged {
		if (int64(jb.addr)+int64(js.start))&^4095 == page {
			continue
		}
		keep = append(keep, js)
	}
	jb.staged = keep
	if jb.isprotected {
		return
	}
	for i, p := range jb.pages {
		if p == page {
			jb.pages = append(jb.pages[:i], jb.pages[i+1:]...)
			break
		}
	}
}

// @assume j.lock
func (j *Jit_t) resetJitPageUnlocked(virt int64) {
	page := virt &^ 4095
	stats.JitPageResets.Add(1)
	logrus.WithField("page", page).Debug("resetting jit page")
	gen := beginUpdate(&j.pagegen)
	j.resetJitPageHooks(page)
	j.resetJitPageBlocks(page)
	delete(j.pages, page)
	// discard fixups pointing into the page
	keep := j.jumps[:0]
	for _, jj := range j.jumps {
		if int64(jj.virt)&^4095 == page {
			continue
		}
		keep = append(keep, jj)
	}
	j.jumps = keep
	endUpdate(&j.pagegen, gen)
}

/// ResetJitPage drops every hook, staged function, and jump fixup
/// rooted in the 4 KiB page containing virt. Called when mmap, munmap,
/// or mprotect make the page disappear or lose exec permission.
func (j *Jit_t) ResetJitPage(virt int64) {
	j.lock.Lock()
	defer j.lock.Unlock()
	j.resetJitPageUnlocked(virt)
}

/// ResetJitPages resets every page intersecting [lo, hi).
func (j *Jit_t) ResetJitPages(lo, hi int64) {
	j.lock.Lock()
	defer j.lock.Unlock()
	for p := lo &^ 4095; p < hi; p += 4096 {
		j.resetJitPageUnlocked(p)
	}
}
