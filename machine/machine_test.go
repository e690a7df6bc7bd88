package machine_test

import (
	"testing"
	"time"

	"github.com/jart/goblink/defs"
	"github.com/jart/goblink/interp"
	"github.com/jart/goblink/machine"
	"github.com/jart/goblink/mem"
	"github.com/jart/goblink/util"
)

const codeBase = 0x401000
const dataBase = 0x500000
const stackBase = 0x7f0000000000

func mkMachine(t *testing.T, jitEnabled bool) *machine.Machine_t {
	t.Helper()
	s, err := machine.NewSystem(defs.ModeLong, false, jitEnabled)
	if err != 0 {
		t.Fatalf("newsystem: %d", err)
	}
	s.Ops = interp.MkOpTable()
	m := s.NewMachine(nil)
	t.Cleanup(func() {
		if s.MachineCount() > 0 {
			s.RemoveMachine(m)
		}
	})
	for _, r := range []struct {
		base int64
		size int64
		prot int
	}{
		{codeBase & mem.PGMASK, 4 * mem.PGSIZE,
			defs.PROT_READ | defs.PROT_WRITE | defs.PROT_EXEC},
		{dataBase, 4 * mem.PGSIZE, defs.PROT_READ | defs.PROT_WRITE},
		{stackBase - 16*mem.PGSIZE, 16 * mem.PGSIZE,
			defs.PROT_READ | defs.PROT_WRITE},
	} {
		if err := s.As.ReserveVirtual(r.base, r.size, r.prot, -1, 0,
			false, ""); err != 0 {
			t.Fatalf("reserve %#x: %d", r.base, err)
		}
	}
	util.Write64(m.Reg(machine.RegRsp), uint64(stackBase-64))
	return m
}

func poke(t *testing.T, m *machine.Machine_t, addr int64, code []uint8) {
	t.Helper()
	if err := m.View.CopyToUser(addr, code); err != 0 {
		t.Fatalf("poke %#x: %d", addr, err)
	}
}

func run(t *testing.T, m *machine.Machine_t, ip int64) defs.Halt_t {
	t.Helper()
	m.Ip = ip
	return m.Actor()
}

func TestStraightLine(t *testing.T) {
	m := mkMachine(t, false)
	poke(t, m, codeBase, []uint8{
		0x48, 0xc7, 0xc0, 0x05, 0x00, 0x00, 0x00, // mov $5,%rax
		0x48, 0xc7, 0xc3, 0x07, 0x00, 0x00, 0x00, // mov $7,%rbx
		0x48, 0x01, 0xd8, // add %rbx,%rax
		0xf4, // hlt
	})
	if halt := run(t, m, codeBase); halt != defs.HaltHalt {
		t.Fatalf("halt = %v", halt)
	}
	if got := util.Read64(m.Reg(machine.RegRax)); got != 12 {
		t.Fatalf("rax = %d", got)
	}
}

func TestBranchAndLoop(t *testing.T) {
	m := mkMachine(t, false)
	// count down from 5, accumulating into rbx
	poke(t, m, codeBase, []uint8{
		0x48, 0xc7, 0xc1, 0x05, 0x00, 0x00, 0x00, // mov $5,%rcx
		0x48, 0x31, 0xdb, // xor %rbx,%rbx
		// loop:
		0x48, 0x01, 0xcb, // add %rcx,%rbx
		0x48, 0xff, 0xc9, // dec %rcx
		0x75, 0xf8, // jne loop
		0xf4, // hlt
	})
	if halt := run(t, m, codeBase); halt != defs.HaltHalt {
		t.Fatalf("halt = %v", halt)
	}
	if got := util.Read64(m.Reg(machine.RegRbx)); got != 15 {
		t.Fatalf("rbx = %d", got)
	}
}

func TestMemoryOperands(t *testing.T) {
	m := mkMachine(t, false)
	var seed [8]uint8
	util.Write64(seed[:], 0x1111)
	poke(t, m, dataBase, seed[:])
	code := []uint8{
		0x48, 0xb8, 0x00, 0x00, 0x50, 0x00, 0x00, 0x00, 0x00, 0x00, // movabs $dataBase,%rax
		0x48, 0x8b, 0x18, // mov (%rax),%rbx
		0x48, 0x83, 0xc3, 0x2f, // add $0x2f,%rbx
		0x48, 0x89, 0x58, 0x08, // mov %rbx,8(%rax)
		0xf4, // hlt
	}
	poke(t, m, codeBase, code)
	if halt := run(t, m, codeBase); halt != defs.HaltHalt {
		t.Fatalf("halt = %v", halt)
	}
	var out [8]uint8
	if err := m.View.CopyFromUser(out[:], dataBase+8); err != 0 {
		t.Fatal("readback")
	}
	if util.Read64(out[:]) != 0x1111+0x2f {
		t.Fatalf("stored %#x", util.Read64(out[:]))
	}
}

func TestCallRet(t *testing.T) {
	m := mkMachine(t, false)
	poke(t, m, codeBase, []uint8{
		0xe8, 0x02, 0x00, 0x00, 0x00, // call +2
		0xf4, // hlt
		0x90, // nop (skipped)
		// callee:
		0x48, 0xc7, 0xc0, 0x2a, 0x00, 0x00, 0x00, // mov $42,%rax
		0xc3, // ret
	})
	if halt := run(t, m, codeBase); halt != defs.HaltHalt {
		t.Fatalf("halt = %v", halt)
	}
	if got := util.Read64(m.Reg(machine.RegRax)); got != 42 {
		t.Fatalf("rax = %d", got)
	}
}

func TestUnmappedFetchFaults(t *testing.T) {
	m := mkMachine(t, false)
	halt := run(t, m, 0x90000000)
	if halt != defs.HaltSegFault {
		t.Fatalf("halt = %v", halt)
	}
	if m.View.Faultaddr != 0x90000000 {
		t.Fatalf("faultaddr %#x", m.View.Faultaddr)
	}
}

func TestWriteToReadOnlyFaults(t *testing.T) {
	m := mkMachine(t, false)
	if err := m.System.As.ProtectVirtual(dataBase, mem.PGSIZE,
		defs.PROT_READ); err != 0 {
		t.Fatal("protect")
	}
	poke(t, m, codeBase, []uint8{
		0x48, 0xb8, 0x00, 0x00, 0x50, 0x00, 0x00, 0x00, 0x00, 0x00, // movabs $dataBase,%rax
		0x48, 0xc7, 0x00, 0x01, 0x00, 0x00, 0x00, // movq $1,(%rax)
		0xf4,
	})
	halt := run(t, m, codeBase)
	if halt != defs.HaltSegFault {
		t.Fatalf("halt = %v", halt)
	}
	sig := m.DeliverFault(halt)
	if sig != defs.SIGSEGV_LINUX {
		t.Fatalf("sig = %d", sig)
	}
	if m.Ip != m.Oldip {
		t.Fatal("ip must be restored to the faulting instruction")
	}
}

func TestExecRevokedFaults(t *testing.T) {
	m := mkMachine(t, false)
	poke(t, m, codeBase, []uint8{0xf4}) // hlt
	if halt := run(t, m, codeBase); halt != defs.HaltHalt {
		t.Fatal("warmup run")
	}
	if err := m.System.As.ProtectVirtual(codeBase&mem.PGMASK, 4*mem.PGSIZE,
		defs.PROT_READ); err != 0 {
		t.Fatal("protect")
	}
	halt := run(t, m, codeBase)
	if halt != defs.HaltSegFault {
		t.Fatalf("exec after revoke: %v", halt)
	}
	if m.View.SegvCode != defs.SEGV_ACCERR_LINUX {
		t.Fatalf("si_code = %d", m.View.SegvCode)
	}
	if m.View.Faultaddr != codeBase&mem.PGMASK {
		t.Fatalf("si_addr = %#x", m.View.Faultaddr)
	}
}

func TestSelfModifyingCode(t *testing.T) {
	// class 1: write new instructions, then branch through them.
	// the icache's byte comparison must notice the new bytes.
	m := mkMachine(t, false)
	add := []uint8{0x48, 0x01, 0xf7, 0xf4} // add %rsi,%rdi; hlt
	sub := []uint8{0x48, 0x29, 0xf7, 0xf4} // sub %rsi,%rdi; hlt
	for i := 0; i < 10; i++ {
		code := add
		if i%2 == 1 {
			code = sub
		}
		poke(t, m, codeBase, code)
		util.Write64(m.Reg(machine.RegRdi), 100)
		util.Write64(m.Reg(machine.RegRsi), 30)
		if halt := run(t, m, codeBase); halt != defs.HaltHalt {
			t.Fatalf("halt = %v", halt)
		}
		want := uint64(130)
		if i%2 == 1 {
			want = 70
		}
		if got := util.Read64(m.Reg(machine.RegRdi)); got != want {
			t.Fatalf("round %d: rdi = %d, want %d", i, got, want)
		}
	}
}

func TestDivideByZero(t *testing.T) {
	m := mkMachine(t, false)
	poke(t, m, codeBase, []uint8{
		0x48, 0x31, 0xdb, // xor %rbx,%rbx
		0x48, 0xf7, 0xf3, // div %rbx
		0xf4,
	})
	halt := run(t, m, codeBase)
	if halt != defs.HaltDivByZero {
		t.Fatalf("halt = %v", halt)
	}
	if sig := m.DeliverFault(halt); sig != defs.SIGFPE_LINUX {
		t.Fatalf("sig = %d", sig)
	}
}

func TestInvalidateSystemObserved(t *testing.T) {
	m := mkMachine(t, false)
	s := m.System
	s.InvalidateSystem(true, true)
	if !m.View.Invalidated.Load() || !m.Opcache.Invalidated.Load() {
		t.Fatal("flags must be raised on every machine")
	}
	// the next instruction load clears the icache flag
	poke(t, m, codeBase, []uint8{0xf4})
	if halt := run(t, m, codeBase); halt != defs.HaltHalt {
		t.Fatal("run")
	}
	if m.Opcache.Invalidated.Load() {
		t.Fatal("safe point must consume the flag")
	}
}

func TestUnmapVisibleToPeer(t *testing.T) {
	// thread A munmaps; thread B's next access faults once the
	// invalidation flag is observed at its safe point
	m := mkMachine(t, false)
	s := m.System
	peer := s.NewMachine(m)
	defer s.RemoveMachine(peer)
	// warm the peer's tlb
	var b [1]uint8
	if err := peer.View.CopyFromUser(b[:], dataBase); err != 0 {
		t.Fatal("warm")
	}
	if err := s.As.FreeVirtual(dataBase, 4*mem.PGSIZE); err != 0 {
		t.Fatal("free")
	}
	if !peer.View.Invalidated.Load() {
		t.Fatal("peer must be flagged")
	}
	if err := peer.View.CopyFromUser(b[:], dataBase); err != -defs.EFAULT {
		t.Fatal("peer access after unmap must fault")
	}
}

func TestKillOtherThreads(t *testing.T) {
	m := mkMachine(t, false)
	s := m.System
	peer := s.NewMachine(m)
	poke(t, m, codeBase, []uint8{
		0xeb, 0xfe, // jmp . (spin forever)
	})
	done := make(chan defs.Halt_t, 1)
	go func() {
		peer.Ip = codeBase
		halt := peer.Actor()
		s.RemoveMachine(peer)
		done <- halt
	}()
	time.Sleep(10 * time.Millisecond)
	s.KillOtherThreads(m)
	select {
	case halt := <-done:
		if halt != defs.HaltExitThread {
			t.Fatalf("peer halt = %v", halt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("peer never observed the kill flag")
	}
	if s.MachineCount() != 1 {
		t.Fatal("peer must be gone")
	}
}

func TestSignalDelivery(t *testing.T) {
	m := mkMachine(t, false)
	s := m.System
	// ignored signal: no effect
	s.SigActions[defs.SIGUSR1_LINUX].Handler = machine.SIG_IGN_LINUX
	m.EnqueueSignal(machine.Siginfo_t{Signo: defs.SIGUSR1_LINUX, Code: defs.SI_USER_LINUX})
	poke(t, m, codeBase, []uint8{0xf4})
	if halt := run(t, m, codeBase); halt != defs.HaltHalt {
		t.Fatalf("ignored signal stopped the machine: %v", halt)
	}
	if m.SignalPending() {
		t.Fatal("ignored signal must be consumed")
	}
	// default-fatal signal halts at the safe point
	s.SigActions[defs.SIGTERM_LINUX].Handler = machine.SIG_DFL_LINUX
	m.EnqueueSignal(machine.Siginfo_t{Signo: defs.SIGTERM_LINUX, Code: defs.SI_USER_LINUX})
	halt := run(t, m, codeBase)
	if halt != defs.HaltExitThread {
		t.Fatalf("fatal signal: %v", halt)
	}
	if m.ExitCode != 128+defs.SIGTERM_LINUX {
		t.Fatalf("exit code %d", m.ExitCode)
	}
	// handled signal goes through the delivery hook
	delivered := 0
	s.OnSignal = func(mm *machine.Machine_t, sig int, info *machine.Siginfo_t) bool {
		delivered++
		if sig != defs.SIGUSR2_LINUX || info.Code != defs.SI_USER_LINUX {
			t.Errorf("sig=%d code=%d", sig, info.Code)
		}
		return true
	}
	s.SigActions[defs.SIGUSR2_LINUX].Handler = 0xdeadbeef
	m.EnqueueSignal(machine.Siginfo_t{Signo: defs.SIGUSR2_LINUX, Code: defs.SI_USER_LINUX})
	if halt := run(t, m, codeBase); halt != defs.HaltHalt {
		t.Fatalf("handled signal: %v", halt)
	}
	if delivered != 1 {
		t.Fatal("handler hook must run once")
	}
}

func TestSignalMasking(t *testing.T) {
	m := mkMachine(t, false)
	s := m.System
	s.SigActions[defs.SIGTERM_LINUX].Handler = machine.SIG_DFL_LINUX
	m.SetSigmask(1 << uint(defs.SIGTERM_LINUX-1))
	m.EnqueueSignal(machine.Siginfo_t{Signo: defs.SIGTERM_LINUX})
	poke(t, m, codeBase, []uint8{0xf4})
	if halt := run(t, m, codeBase); halt != defs.HaltHalt {
		t.Fatal("masked signal must not deliver")
	}
	m.SetSigmask(0)
	if halt := run(t, m, codeBase); halt != defs.HaltExitThread {
		t.Fatalf("unmasked signal must deliver: %v", halt)
	}
}

func TestShouldRestartSyscall(t *testing.T) {
	m := mkMachine(t, false)
	s := m.System
	s.SigActions[defs.SIGUSR1_LINUX].Flags = defs.SA_RESTART_LINUX
	if !s.ShouldRestartSyscall(defs.SIGUSR1_LINUX, nil) {
		t.Fatal("sa_restart must restart")
	}
	s.SigActions[defs.SIGUSR1_LINUX].Flags = 0
	if s.ShouldRestartSyscall(defs.SIGUSR1_LINUX, nil) {
		t.Fatal("without sa_restart the call must return eintr")
	}
}

func TestThreadIds(t *testing.T) {
	m := mkMachine(t, false)
	s := m.System
	if m.Tid != s.Pid {
		t.Fatal("first machine gets the process pid")
	}
	p1 := s.NewMachine(m)
	p2 := s.NewMachine(m)
	defer s.RemoveMachine(p1)
	defer s.RemoveMachine(p2)
	if p1.Tid < defs.MinThreadId || p2.Tid < defs.MinThreadId {
		t.Fatal("thread ids must come from the reserved range")
	}
	if p1.Tid == p2.Tid {
		t.Fatal("thread ids must be distinct")
	}
}

func TestCloneRegisters(t *testing.T) {
	m := mkMachine(t, false)
	util.Write64(m.Reg(machine.RegRax), 0x1234)
	m.FsBase = 0x7000
	child := m.System.NewMachine(m)
	defer m.System.RemoveMachine(child)
	if util.Read64(child.Reg(machine.RegRax)) != 0x1234 || child.FsBase != 0x7000 {
		t.Fatal("clone must copy registers and segment bases")
	}
	util.Write64(child.Reg(machine.RegRax), 0x9999)
	if util.Read64(m.Reg(machine.RegRax)) != 0x1234 {
		t.Fatal("register files must be independent")
	}
}

func TestPathCompiles(t *testing.T) {
	m := mkMachine(t, true)
	s := m.System
	if s.Jit.IsJitDisabled() {
		t.Skip("jit unsupported on this host")
	}
	poke(t, m, codeBase, []uint8{
		0x48, 0xc7, 0xc0, 0x05, 0x00, 0x00, 0x00, // mov $5,%rax
		0x48, 0xc7, 0xc3, 0x07, 0x00, 0x00, 0x00, // mov $7,%rbx
		0x48, 0x01, 0xd8, // add %rbx,%rax
		0xf4, // hlt
	})
	if halt := run(t, m, codeBase); halt != defs.HaltHalt {
		t.Fatalf("halt = %v", halt)
	}
	if got := util.Read64(m.Reg(machine.RegRax)); got != 12 {
		t.Fatalf("rax = %d", got)
	}
	// the interpreted pass threaded a native path for the hot entry
	if s.Jit.GetJitHook(codeBase, 0) == 0 {
		t.Fatal("straight-line run must install a hook at its entry")
	}
	// unmapping the page must tear the hook down before returning
	if err := s.As.FreeVirtual(codeBase&mem.PGMASK, 4*mem.PGSIZE); err != 0 {
		t.Fatal("free")
	}
	if s.Jit.GetJitHook(codeBase, 0) != 0 {
		t.Fatal("unmap must remove every hook on the page")
	}
}
