package machine

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/jart/goblink/defs"
	"github.com/jart/goblink/fds"
	"github.com/jart/goblink/stats"
)

/// Guest handler sentinels.
const (
	SIG_DFL_LINUX = 0
	SIG_IGN_LINUX = 1
)

/// Sigaction_t is the guest's registered disposition for one signal.
type Sigaction_t struct {
	Handler  uint64
	Flags    uint64
	Restorer uint64
	Mask     uint64
}

/// Siginfo_t carries the fields of siginfo the core populates.
type Siginfo_t struct {
	Signo int
	Code  int
	Addr  int64
	Pid   int
	Uid   int
}

// sigstate_t is the per-machine signal state. A host signal handler
// may only touch the atomic pending bitmap; everything else is
// drained at safe points by the machine's own thread.
type sigstate_t struct {
	pending atomic.Uint64
	mask    uint64
	lock    sync.Mutex
	queue   []Siginfo_t
}

/// Sigmask returns the machine's blocked-signal mask.
func (m *Machine_t) Sigmask() uint64 {
	return m.sig.mask
}

/// SetSigmask replaces the blocked-signal mask and returns the old.
func (m *Machine_t) SetSigmask(mask uint64) uint64 {
	old := m.sig.mask
	m.sig.mask = mask
	return old
}

func sigbit(sig int) uint64 {
	return uint64(1) << uint(sig-1)
}

/// EnqueueSignal queues a guest signal for delivery at the machine's
/// next safe point. Only the bitmap is touched atomically; the queue
/// is taken under the lock, which host handlers must never do.
func (m *Machine_t) EnqueueSignal(info Siginfo_t) {
	if info.Signo < 1 || info.Signo > defs.NSIG_LINUX {
		panic("bad signal number")
	}
	m.sig.lock.Lock()
	m.sig.queue = append(m.sig.queue, info)
	m.sig.lock.Unlock()
	m.sig.pending.Or(sigbit(info.Signo))
}

/// EnqueueSignalAsync marks a signal pending from a host signal
/// handler context; no locks, no allocation.
func (m *Machine_t) EnqueueSignalAsync(sig int) {
	if sig >= 1 && sig <= defs.NSIG_LINUX {
		m.sig.pending.Or(sigbit(sig))
	}
}

/// SignalPending reports whether any unmasked signal awaits delivery.
func (m *Machine_t) SignalPending() bool {
	return m.sig.pending.Load()&^m.sig.mask != 0
}

// checkSignals runs the delivery state machine at a safe point.
func (m *Machine_t) checkSignals() defs.Halt_t {
	pend := m.sig.pending.Load() &^ m.sig.mask
	if pend == 0 {
		return defs.HaltNone
	}
	for sig := 1; sig <= defs.NSIG_LINUX; sig++ {
		if pend&sigbit(sig) == 0 {
			continue
		}
		info := m.takeSiginfo(sig)
		if halt := m.deliverSignal(sig, info); halt != defs.HaltNone {
			return halt
		}
	}
	return defs.HaltNone
}

func (m *Machine_t) takeSiginfo(sig int) Siginfo_t {
	m.sig.lock.Lock()
	defer m.sig.lock.Unlock()
	remaining := false
	var found *Siginfo_t
	keep := m.sig.queue[:0]
	for i := range m.sig.queue {
		q := m.sig.queue[i]
		if q.Signo == sig && found == nil {
			cp := q
			found = &cp
			continue
		}
		if q.Signo == sig {
			remaining = true
		}
		keep = append(keep, q)
	}
	m.sig.queue = keep
	if !remaining {
		m.sig.pending.And(^sigbit(sig))
	}
	if found != nil {
		return *found
	}
	return Siginfo_t{Signo: sig, Code: defs.SI_KERNEL_LINUX}
}

func (m *Machine_t) deliverSignal(sig int, info Siginfo_t) defs.Halt_t {
	s := m.System
	s.SigLock.Lock()
	act := s.SigActions[sig]
	s.SigLock.Unlock()
	switch act.Handler {
	case SIG_IGN_LINUX:
		return defs.HaltNone
	case SIG_DFL_LINUX:
		switch sig {
		case defs.SIGCHLD_LINUX, defs.SIGURG_LINUX, defs.SIGWINCH_LINUX,
			defs.SIGCONT_LINUX:
			return defs.HaltNone
		}
		// fatal default disposition. the driver sends the translated
		// host signal to its own process with kill; it does not reset
		// the host disposition first.
		stats.SignalsDelivered.Add(1)
		m.ExitCode = 128 + sig
		m.HaltReason = haltForSignal(sig)
		return m.HaltReason
	default:
		stats.SignalsDelivered.Add(1)
		if s.OnSignal != nil && s.OnSignal(m, sig, &info) {
			return defs.HaltNone
		}
		// no trampoline builder wired; treat as fatal
		m.ExitCode = 128 + sig
		m.HaltReason = haltForSignal(sig)
		return m.HaltReason
	}
}

func haltForSignal(sig int) defs.Halt_t {
	switch sig {
	case defs.SIGSEGV_LINUX, defs.SIGBUS_LINUX:
		return defs.HaltSegFault
	case defs.SIGFPE_LINUX:
		return defs.HaltDivByZero
	case defs.SIGILL_LINUX:
		return defs.HaltUndef
	default:
		return defs.HaltExitThread
	}
}

/// DeliverFault turns a halt from the dispatcher into the guest
/// signal the fault maps to, queued with its siginfo. Returns the
/// guest signal number.
func (m *Machine_t) DeliverFault(halt defs.Halt_t) int {
	var sig, code int
	var addr int64
	switch halt {
	case defs.HaltSegFault:
		sig = defs.SIGSEGV_LINUX
		code = m.View.SegvCode
		addr = m.View.Faultaddr
	case defs.HaltProtectionFault:
		sig = defs.SIGSEGV_LINUX
		code = defs.SEGV_ACCERR_LINUX
		addr = m.View.Faultaddr
	case defs.HaltDivByZero, defs.HaltFpuException, defs.HaltSimdException:
		sig = defs.SIGFPE_LINUX
		code = defs.FPE_INTDIV_LINUX
		addr = m.Oldip
	case defs.HaltUndef, defs.HaltDecodeError:
		sig = defs.SIGILL_LINUX
		code = defs.ILL_ILLOPC_LINUX
		addr = m.Oldip
	default:
		return 0
	}
	// ip is restored to the faulting instruction for reporting
	m.Ip = m.Oldip
	m.EnqueueSignal(Siginfo_t{Signo: sig, Code: code, Addr: addr})
	logrus.WithFields(logrus.Fields{
		"sig":  sig,
		"addr": addr,
		"ip":   m.Oldip,
	}).Debug("guest fault")
	return sig
}

/// ShouldRestartSyscall decides whether a host EINTR restarts: the
/// guest action needs SA_RESTART and the descriptor must not have
/// opted out.
func (s *System_t) ShouldRestartSyscall(sig int, fd *fds.Fd_t) bool {
	s.SigLock.Lock()
	act := s.SigActions[sig]
	s.SigLock.Unlock()
	if act.Flags&defs.SA_RESTART_LINUX == 0 {
		stats.SignalsEintr.Add(1)
		return false
	}
	if fd != nil && fd.Norestart {
		stats.SignalsEintr.Add(1)
		return false
	}
	return true
}

// host signal number <-> guest Linux number. On Linux hosts the two
// agree for the classic signals; the table keeps other hosts honest.
var hostToGuestSig = map[unix.Signal]int{
	unix.SIGHUP:    defs.SIGHUP_LINUX,
	unix.SIGINT:    defs.SIGINT_LINUX,
	unix.SIGQUIT:   defs.SIGQUIT_LINUX,
	unix.SIGILL:    defs.SIGILL_LINUX,
	unix.SIGTRAP:   defs.SIGTRAP_LINUX,
	unix.SIGABRT:   defs.SIGABRT_LINUX,
	unix.SIGBUS:    defs.SIGBUS_LINUX,
	unix.SIGFPE:    defs.SIGFPE_LINUX,
	unix.SIGKILL:   defs.SIGKILL_LINUX,
	unix.SIGUSR1:   defs.SIGUSR1_LINUX,
	unix.SIGSEGV:   defs.SIGSEGV_LINUX,
	unix.SIGUSR2:   defs.SIGUSR2_LINUX,
	unix.SIGPIPE:   defs.SIGPIPE_LINUX,
	unix.SIGALRM:   defs.SIGALRM_LINUX,
	unix.SIGTERM:   defs.SIGTERM_LINUX,
	unix.SIGCHLD:   defs.SIGCHLD_LINUX,
	unix.SIGCONT:   defs.SIGCONT_LINUX,
	unix.SIGSTOP:   defs.SIGSTOP_LINUX,
	unix.SIGTSTP:   defs.SIGTSTP_LINUX,
	unix.SIGTTIN:   defs.SIGTTIN_LINUX,
	unix.SIGTTOU:   defs.SIGTTOU_LINUX,
	unix.SIGURG:    defs.SIGURG_LINUX,
	unix.SIGXCPU:   defs.SIGXCPU_LINUX,
	unix.SIGXFSZ:   defs.SIGXFSZ_LINUX,
	unix.SIGVTALRM: defs.SIGVTALRM_LINUX,
	unix.SIGPROF:   defs.SIGPROF_LINUX,
	unix.SIGWINCH:  defs.SIGWINCH_LINUX,
	unix.SIGIO:     defs.SIGIO_LINUX,
	unix.SIGSYS:    defs.SIGSYS_LINUX,
}

/// XlatHostSignal converts a host signal to its guest number, or 0.
func XlatHostSignal(sig unix.Signal) int {
	return hostToGuestSig[sig]
}

/// XlatGuestSignal converts a guest signal to its host number, or 0.
func XlatGuestSignal(sig int) unix.Signal {
	for h, g := range hostToGuestSig {
		if g == sig {
			return h
		}
	}
	return 0
}
