package machine

import (
	"sync"
	"unsafe"

	"github.com/jart/goblink/defs"
	"github.com/jart/goblink/jit"
	"github.com/jart/goblink/mem"
	"github.com/jart/goblink/stats"
	"github.com/jart/goblink/x86"
)

/// PathStepLimit bounds how many guest instructions one native path
/// may chain; a path this long gets its safe point by ending.
const PathStepLimit = 512

// path_t is the in-progress native path while this machine compiles.
type path_t struct {
	jb    *jit.JitBlock_t
	start int64 /// guest address the path is keyed under
	steps int
}

// pathStep_t is one threaded call target: the micro-op plus its
// decoded instruction, pinned for the lifetime of the process so the
// ref baked into native code stays meaningful.
type pathStep_t struct {
	op   Op_t
	inst x86.Instruction_t
}

var stepRegistry struct {
	sync.Mutex
	steps []*pathStep_t
}

func registerStep(op Op_t, inst *x86.Instruction_t) uintptr {
	stepRegistry.Lock()
	defer stepRegistry.Unlock()
	stepRegistry.steps = append(stepRegistry.steps, &pathStep_t{op, *inst})
	return uintptr(len(stepRegistry.steps) - 1)
}

func getStep(ref uintptr) *pathStep_t {
	stepRegistry.Lock()
	defer stepRegistry.Unlock()
	return stepRegistry.steps[ref]
}

// jitstep executes one threaded step from inside a native path. A
// halt raised here latches; the remaining calls of the path see it
// and fall through, and the dispatcher picks it up when the stub
// returns. That replaces the longjmp the original used to bail out
// of compiled code.
func jitstep(mp unsafe.Pointer, ref uintptr) {
	m := (*Machine_t)(mp)
	if m.pendingHalt != defs.HaltNone {
		return
	}
	step := getStep(ref)
	m.Oldip = m.Ip
	halt := step.op(m, &step.inst)
	stats.InstructionCount.Add(1)
	if m.View.Stashaddr != 0 {
		m.View.CommitStash()
	}
	m.View.CollectGarbage()
	if halt != defs.HaltNone {
		m.pendingHalt = halt
	}
}

func runPath(m *Machine_t, fn uintptr) {
	jitcall(fn, unsafe.Pointer(m))
}

// considerPath starts or extends the native path for the code being
// interpreted. Called before the instruction executes. staging means
// some thread (possibly this one) already holds the address.
func (m *Machine_t) considerPath(d *x86.Instruction_t, op OpInfo_t, staging bool) {
	s := m.System
	if s.Jit.IsJitDisabled() {
		return
	}
	if m.path.jb == nil {
		if !op.JitSafe || staging {
			return
		}
		jb := s.Jit.StartJit(uint64(m.Ip))
		if jb == nil {
			return
		}
		if !appendPathProlog(jb) {
			s.Jit.AbandonJit(jb)
			return
		}
		m.path.jb = jb
		m.path.start = m.Ip
		m.path.steps = 0
	}
	if !op.JitSafe || m.path.steps >= PathStepLimit {
		m.finishPath(0)
		return
	}
	jb := m.path.jb
	ref := registerStep(op.Fn, d)
	ok := jb.AppendJitMovReg(jit.JitArg[0], jit.JitSav[0])
	ok = jb.AppendJitSetReg(jit.JitArg[1], uint64(ref)) && ok
	ok = jb.AppendJitCall(jitthunkAddr()) && ok
	if !ok {
		m.abandonPath()
		return
	}
	m.path.steps++
}

// afterStep notices control transfers so the path ends at branches,
// optionally wiring a patchable jump to the branch target.
func (m *Machine_t) afterStep(d *x86.Instruction_t) {
	if m.path.jb == nil {
		return
	}
	next := m.Oldip + int64(x86.Oplength(d.Rde))
	if m.Ip != next {
		m.finishPath(m.Ip)
	}
}

// finishPath seals the path: an optional patchable jump to target,
// then the epilogue. target 0 means plain fallthrough to interpreter.
func (m *Machine_t) finishPath(target int64) {
	jb := m.path.jb
	m.path.jb = nil
	if m.path.steps == 0 {
		m.System.Jit.AbandonJit(jb)
		return
	}
	s := m.System
	if target != 0 && target&mem.PGMASK == m.path.start&mem.PGMASK &&
		target != m.path.start {
		// a jump to a same-page path may be patched in later, but
		// only if it provably can't close a native cycle with no
		// safe point in it
		if s.Jit.RecordJitEdge(m.path.start, target) {
			if jb.AlignJit(8, 0) {
				s.Jit.RecordJitJump(jb, uint64(target), pathPrologSize)
				jb.AppendJitJump(jb.GetJitPc() + jumpPlaceholderSize)
			}
		}
	}
	if !appendPathEpilog(jb) {
		s.Jit.AbandonJit(jb)
		return
	}
	s.Jit.FinishJit(jb)
}

func (m *Machine_t) abandonPath() {
	if m.path.jb != nil {
		jb := m.path.jb
		m.path.jb = nil
		m.System.Jit.AbandonJit(jb)
	}
}
