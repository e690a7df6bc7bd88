// Package machine holds the per-process System and per-thread Machine
// state, the fetch/decode/execute loop, and the glue that drives the
// JIT threader from the interpreter.
package machine

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/jart/goblink/bus"
	"github.com/jart/goblink/defs"
	"github.com/jart/goblink/fds"
	"github.com/jart/goblink/jit"
	"github.com/jart/goblink/mem"
	"github.com/jart/goblink/vm"
	"github.com/jart/goblink/x86"
)

/// Op_t executes one decoded guest instruction. It advances the
/// instruction pointer itself (or performs a control transfer) and
/// returns HaltNone to keep running.
type Op_t func(m *Machine_t, d *x86.Instruction_t) defs.Halt_t

/// OpInfo_t carries a micro-op and its threading capability. Only
/// jit-safe ops may be chained into native paths: they must be small
/// leaf routines that never grow the stack.
type OpInfo_t struct {
	Fn      Op_t
	JitSafe bool
}

/// OpTable_i is the external semantic table mapping a decoded
/// instruction to its micro-operation. Flag dependency and clobber
/// metadata stays in the flags package, keyed on the rde word.
type OpTable_i interface {
	Lookup(d *x86.Instruction_t) (OpInfo_t, bool)
}

/// Syscalls_i is the external system-call translation layer.
type Syscalls_i interface {
	Dispatch(m *Machine_t, nr uint64) uint64
}

/// Register file indices.
const (
	RegRax = iota
	RegRcx
	RegRdx
	RegRbx
	RegRsp
	RegRbp
	RegRsi
	RegRdi
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
)

/// System_t is the process-wide guest state shared by every thread.
type System_t struct {
	Mode defs.Mode_t
	Pool *mem.Pool_t
	As   *vm.AddrSpace_t
	Bus  *bus.Bus_t
	Fds  *fds.Fdtab_t
	Jit  *jit.Jit_t

	Ops      OpTable_i
	Syscalls Syscalls_i

	/// signals the emulator delivers synchronously rather than
	/// forwarding to the host
	Blinksigs uint64

	Rlim [defs.RLIM_NLIMITS]defs.Rlimit_t

	SigLock    sync.Mutex
	SigActions [defs.NSIG_LINUX + 1]Sigaction_t

	ExecLock sync.Mutex

	MachinesLock sync.Mutex
	MachinesCond *sync.Cond
	machines     []*Machine_t
	nextTid      defs.Tid_t
	Pid          defs.Tid_t

	/// invoked when a guest signal with a registered handler must be
	/// delivered; the trampoline builder lives outside the core
	OnSignal func(m *Machine_t, sig int, info *Siginfo_t) bool

	Brk int64
}

var jitStagingToken uint8

/// NewSystem creates the process state for a fresh guest. Only long
/// mode is supported by this core.
func NewSystem(mode defs.Mode_t, linear bool, jitEnabled bool) (*System_t, defs.Err_t) {
	if mode != defs.ModeLong {
		return nil, -defs.EOPNOTSUPP
	}
	pool := &mem.Pool_t{}
	as, err := vm.MkAddrSpace(pool, linear, 0)
	if err != 0 {
		return nil, err
	}
	s := &System_t{
		Mode:    mode,
		Pool:    pool,
		As:      as,
		Bus:     bus.New(),
		Fds:     fds.MkFdtab(),
		Rlim: defs.MkRlimits(),
		Pid:  defs.Tid_t(unix.Getpid()),
	}
	s.MachinesCond = sync.NewCond(&s.MachinesLock)
	s.Blinksigs = 1<<defs.SIGSEGV_LINUX | 1<<defs.SIGILL_LINUX |
		1<<defs.SIGFPE_LINUX | 1<<defs.SIGSYS_LINUX | 1<<defs.SIGTRAP_LINUX
	s.Jit = jit.InitJit(uintptr(unsafe.Pointer(&jitStagingToken)))
	if !jitEnabled {
		s.Jit.DisableJit()
	}
	if linear {
		lo, hi := jit.PoolRange()
		as.AddPrecious(lo, hi)
	}
	as.ResetJitPages = s.Jit.ResetJitPages
	as.Invalidate = s.invalidate
	return s, 0
}

func (s *System_t) invalidate(tlb, icache bool) {
	s.MachinesLock.Lock()
	for _, m := range s.machines {
		if tlb {
			m.View.Invalidated.Store(true)
		}
		if icache {
			m.Opcache.Invalidated.Store(true)
		}
	}
	s.MachinesLock.Unlock()
}

/// InvalidateSystem flags every machine's TLB and instruction cache
/// stale. Peers pick the flags up at their next safe point.
func (s *System_t) InvalidateSystem(tlb, icache bool) {
	s.invalidate(tlb, icache)
}

/// Machine_t is one guest thread bound to a host thread.
type Machine_t struct {
	System *System_t
	View   *vm.View_t
	Tid    defs.Tid_t

	Regs   [16][8]uint8
	Xmm    [16][16]uint8
	FsBase int64
	GsBase int64

	Ip    int64
	Oldip int64 /// saved pre-instruction ip for fault reporting
	Flags uint64

	Opcache Opcache_t
	killed  atomic.Bool
	sig     sigstate_t

	path        path_t
	straddle    x86.Instruction_t // scratch decode for page-crossing ip
	pendingHalt defs.Halt_t       // raised inside a native path

	/// recorded when a fault halts execution
	HaltReason defs.Halt_t
	ExitCode   int
}

/// Reg returns the byte slice of a 64-bit register slot.
func (m *Machine_t) Reg(i int) []uint8 {
	return m.Regs[i][:]
}

/// ByteReg resolves a byte-register operand through the aliasing
/// table; the low bit of the offset selects the high byte of a word.
func (m *Machine_t) ByteReg(idx int) []uint8 {
	off := x86.KByteReg[idx]
	return m.Regs[off>>3][off&1:]
}

/// NewMachine creates a guest thread. With a parent, registers,
/// segment bases, and signal state are cloned; the free list, TLB and
/// JIT path never are.
func (s *System_t) NewMachine(parent *Machine_t) *Machine_t {
	m := &Machine_t{
		System: s,
		View:   vm.MkView(s.As),
	}
	if parent != nil {
		m.Regs = parent.Regs
		m.Xmm = parent.Xmm
		m.FsBase = parent.FsBase
		m.GsBase = parent.GsBase
		m.Ip = parent.Ip
		m.Flags = parent.Flags
		m.sig.mask = parent.sig.mask
	}
	s.MachinesLock.Lock()
	if len(s.machines) == 0 {
		m.Tid = s.Pid
	} else {
		m.Tid = defs.MinThreadId + s.nextTid%defs.MaxThreadIds
		s.nextTid++
	}
	s.machines = append(s.machines, m)
	s.MachinesLock.Unlock()
	return m
}

/// RemoveMachine takes m off the system's thread list, waking anyone
/// waiting in KillOtherThreads. The system dies with its last machine.
func (s *System_t) RemoveMachine(m *Machine_t) {
	s.MachinesLock.Lock()
	for i, o := range s.machines {
		if o == m {
			s.machines = append(s.machines[:i], s.machines[i+1:]...)
			break
		}
	}
	last := len(s.machines) == 0
	s.MachinesCond.Broadcast()
	s.MachinesLock.Unlock()
	if last {
		s.FreeSystem()
	}
}

/// KillOtherThreads cooperatively terminates every machine but m: the
/// peers observe their kill flag at the next safe point, unwind, and
/// remove themselves.
func (s *System_t) KillOtherThreads(m *Machine_t) {
	s.MachinesLock.Lock()
	for _, o := range s.machines {
		if o != m {
			o.Kill()
		}
	}
	for len(s.machines) > 1 {
		s.MachinesCond.Wait()
	}
	s.MachinesLock.Unlock()
}

/// RemoveOtherThreads drops every machine but m from the list without
/// signaling them, as a forked child must: the peers' host threads
/// don't exist on this side of the fork.
func (s *System_t) RemoveOtherThreads(m *Machine_t) {
	s.MachinesLock.Lock()
	keep := s.machines[:0]
	for _, o := range s.machines {
		if o == m {
			keep = append(keep, o)
		}
	}
	s.machines = keep
	s.MachinesCond.Broadcast()
	s.MachinesLock.Unlock()
}

/// MachineCount returns the number of live guest threads.
func (s *System_t) MachineCount() int {
	s.MachinesLock.Lock()
	defer s.MachinesLock.Unlock()
	return len(s.machines)
}

/// FreeSystem releases the address space, descriptors, JIT, and page
/// pool. The machines list must already be empty.
func (s *System_t) FreeSystem() {
	s.MachinesLock.Lock()
	if len(s.machines) != 0 {
		panic("freeing system with live machines")
	}
	s.MachinesLock.Unlock()
	s.Fds.DestroyFds()
	s.Jit.DestroyJit()
	s.As.Destroy()
	s.Pool.Destroy()
	logrus.Debug("system freed")
}
