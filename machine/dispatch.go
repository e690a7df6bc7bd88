package machine

import (
	"math/bits"
	"sync/atomic"

	"github.com/jart/goblink/defs"
	"github.com/jart/goblink/mem"
	"github.com/jart/goblink/stats"
	"github.com/jart/goblink/util"
	"github.com/jart/goblink/x86"
)

/// IcacheEntries is the direct-mapped instruction cache size.
const IcacheEntries = 1024

type icacheEntry_t struct {
	ip   int64
	inst x86.Instruction_t
}

/// Opcache_t is the per-machine decoded-instruction cache plus the
/// one-entry translation cache for the page the ip is executing in.
type Opcache_t struct {
	Invalidated atomic.Bool
	icache      [IcacheEntries]icacheEntry_t
	codevirt    int64
	codehost    []uint8
}

/// Kill flags the machine for cooperative termination at its next
/// safe point.
func (m *Machine_t) Kill() {
	m.killed.Store(true)
}

/// Killed reports whether a peer asked this machine to exit.
func (m *Machine_t) Killed() bool {
	return m.killed.Load()
}

func (m *Machine_t) clearIcache() {
	for i := range m.Opcache.icache {
		m.Opcache.icache[i].ip = 0
	}
	m.Opcache.codevirt = 0
	m.Opcache.codehost = nil
}

// executable page lookup for instruction fetch: user readable and not
// execute-disabled
func (m *Machine_t) codePage(virt int64) ([]uint8, defs.Err_t) {
	page := virt & mem.PGMASK
	if page == m.Opcache.codevirt && m.Opcache.codehost != nil {
		return m.Opcache.codehost, 0
	}
	p, err := m.View.ResolveAddress(page, mem.PAGE_U|mem.PAGE_XD, mem.PAGE_U)
	if err != 0 {
		return nil, err
	}
	m.Opcache.codevirt = page
	m.Opcache.codehost = p[:mem.PGSIZE]
	return m.Opcache.codehost, 0
}

// instruction bytes match when the first mismatching byte, found by
// xor and bit scan, lies at or past the decoded length
func instructionMatches(cached *x86.Instruction_t, live []uint8) bool {
	var buf [16]uint8
	copy(buf[:], live)
	a0 := util.Read64(cached.Bytes[:8])
	b0 := util.Read64(buf[:8])
	if x := a0 ^ b0; x != 0 {
		return bits.TrailingZeros64(x)>>3 >= cached.Len
	}
	var tail [8]uint8
	copy(tail[:], cached.Bytes[8:])
	a1 := util.Read64(tail[:])
	b1 := util.Read64(buf[8:])
	if x := a1 ^ b1; x != 0 {
		return 8+(bits.TrailingZeros64(x)>>3) >= cached.Len
	}
	return true
}

/// LoadInstruction fetches and decodes the instruction at ip, going
/// through the direct-mapped cache when ip lies wholly in one page.
func (m *Machine_t) LoadInstruction(ip int64) (*x86.Instruction_t, defs.Halt_t) {
	if m.Opcache.Invalidated.Load() {
		m.clearIcache()
		m.Opcache.Invalidated.Store(false)
	}
	off := ip & mem.PGOFFSET
	if off <= mem.PGSIZE-x86.MaxInstructionLength {
		page, err := m.codePage(ip)
		if err != 0 {
			return nil, m.segfault(ip)
		}
		live := page[off : off+x86.MaxInstructionLength]
		e := &m.Opcache.icache[uint64(ip)&(IcacheEntries-1)]
		if e.ip == ip && instructionMatches(&e.inst, live) {
			stats.IcacheHits.Add(1)
			return &e.inst, defs.HaltNone
		}
		stats.IcacheMisses.Add(1)
		d, ok := x86.DecodeInstruction(live)
		if !ok {
			return nil, defs.HaltUndef
		}
		e.ip = ip
		e.inst = d
		return &e.inst, defs.HaltNone
	}
	// the instruction may straddle the page; gather up to 15 bytes
	// across the boundary. decoding past a mapping's end is fine as
	// long as the decoded length stays within the mapped bytes.
	var buf [x86.MaxInstructionLength]uint8
	page, err := m.codePage(ip)
	if err != 0 {
		return nil, m.segfault(ip)
	}
	n := copy(buf[:], page[off:])
	if next, err := m.View.LookupAddress((ip&mem.PGMASK)+mem.PGSIZE,
		mem.PAGE_U|mem.PAGE_XD, mem.PAGE_U); err == 0 {
		n += copy(buf[n:], next[:x86.MaxInstructionLength-n])
	}
	d, ok := x86.DecodeInstruction(buf[:n])
	if !ok {
		if n < x86.MaxInstructionLength {
			// ran off the end of the mapping mid-instruction
			return nil, m.segfault(ip + int64(n))
		}
		return nil, defs.HaltUndef
	}
	m.straddle = d
	return &m.straddle, defs.HaltNone
}

/// Peek decodes the instruction at pc without touching the icache;
/// used by the flag liveness crawler and the path builder.
func (m *Machine_t) Peek(pc int64) (x86.Instruction_t, bool) {
	var buf [x86.MaxInstructionLength]uint8
	p, err := m.View.LookupAddress(pc, mem.PAGE_U|mem.PAGE_XD, mem.PAGE_U)
	if err != 0 {
		return x86.Instruction_t{}, false
	}
	n := copy(buf[:], p)
	if n < x86.MaxInstructionLength {
		if next, err := m.View.LookupAddress((pc&mem.PGMASK)+mem.PGSIZE,
			mem.PAGE_U|mem.PAGE_XD, mem.PAGE_U); err == 0 {
			n += copy(buf[n:], next[:x86.MaxInstructionLength-n])
		}
	}
	return x86.DecodeInstruction(buf[:n])
}

func (m *Machine_t) segfault(addr int64) defs.Halt_t {
	// classify through the same path guest accesses use so si_code
	// comes out maperr vs accerr correctly
	if _, err := m.View.ResolveAddress(addr,
		mem.PAGE_U|mem.PAGE_XD, mem.PAGE_U); err == 0 {
		m.View.Faultaddr = addr
		m.View.SegvCode = defs.SEGV_MAPERR_LINUX
	}
	return defs.HaltSegFault
}

/// Actor runs the guest thread until it halts. Safe points between
/// instructions observe kill flags, invalidation broadcasts, and
/// pending signals.
func (m *Machine_t) Actor() defs.Halt_t {
	for {
		// safe point: quiescent between instructions
		if m.Killed() {
			m.abandonPath()
			return defs.HaltExitThread
		}
		if halt := m.checkSignals(); halt != defs.HaltNone {
			m.abandonPath()
			return halt
		}
		halt := m.Step()
		if halt != defs.HaltNone {
			m.abandonPath()
			return halt
		}
	}
}

// stagingSentinel is what hook lookups return while another thread is
// compiling the address; the interpreter runs it unaided meanwhile.
const stagingSentinel uintptr = 1

/// Step executes one guest instruction, through the JIT when a path
/// exists for the current ip.
func (m *Machine_t) Step() defs.Halt_t {
	s := m.System
	staging := false
	if !s.Jit.IsJitDisabled() {
		switch fn := s.Jit.GetJitHook(uint64(m.Ip), stagingSentinel); fn {
		case 0:
		case stagingSentinel:
			staging = true
		default:
			if m.path.jb != nil {
				// the code we're building ran into compiled code;
				// seal our path so a fixup can connect them
				m.finishPath(m.Ip)
			}
			runPath(m, fn)
			halt := m.pendingHalt
			m.pendingHalt = defs.HaltNone
			return halt
		}
	}
	m.Oldip = m.Ip
	d, halt := m.LoadInstruction(m.Ip)
	if halt != defs.HaltNone {
		return halt
	}
	op, ok := s.Ops.Lookup(d)
	if !ok {
		return defs.HaltUndef
	}
	m.considerPath(d, op, staging)
	halt = op.Fn(m, d)
	stats.InstructionCount.Add(1)
	if m.View.Stashaddr != 0 {
		m.View.CommitStash()
	}
	m.View.CollectGarbage()
	m.afterStep(d)
	return halt
}
