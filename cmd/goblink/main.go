// Command goblink executes unmodified x86-64 Linux ELF binaries by
// interpreting their machine code and translating their system calls.
//
//	goblink [-hjms] PROG [ARGS...]
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/jart/goblink/defs"
	"github.com/jart/goblink/interp"
	"github.com/jart/goblink/machine"
	"github.com/jart/goblink/stats"
)

const exUsage = 48

var progname = "goblink"

func usage(out *os.File) {
	fmt.Fprintf(out, "usage: %s [-hjms] PROG [ARGS...]\n"+
		"  -h  show this help\n"+
		"  -j  disable jit\n"+
		"  -m  force non-linear memory\n"+
		"  -s  print statistics on exit\n"+
		"  -L  verbose logging\n", progname)
}

type options_t struct {
	nojit     bool
	nonlinear bool
	dostats   bool
	verbose   bool
}

// a getopt in the classic style: flags stop at the first positional
// argument, which is the guest program
func parseArgs(args []string) (options_t, []string) {
	var opts options_t
	i := 0
	for ; i < len(args); i++ {
		a := args[i]
		if len(a) < 2 || a[0] != '-' || a == "--" {
			break
		}
		for _, c := range a[1:] {
			switch c {
			case 'h':
				usage(os.Stdout)
				os.Exit(0)
			case 'j':
				opts.nojit = true
			case 'm':
				opts.nonlinear = true
			case 's':
				opts.dostats = true
			case 'L':
				opts.verbose = true
			default:
				fmt.Fprintf(os.Stderr, "%s: bad option -%c\n", progname, c)
				usage(os.Stderr)
				os.Exit(exUsage)
			}
		}
	}
	return opts, args[i:]
}

func main() {
	progname = os.Args[0]
	opts, rest := parseArgs(os.Args[1:])
	if len(rest) == 0 {
		usage(os.Stderr)
		os.Exit(exUsage)
	}
	logrus.SetLevel(logrus.WarnLevel)
	if opts.verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	s, err := machine.NewSystem(defs.ModeLong, !opts.nonlinear, !opts.nojit)
	if err != 0 {
		logrus.Fatalf("system setup failed: errno %d", -err)
	}
	s.Ops = interp.MkOpTable()
	s.Syscalls = &syscalls_t{}

	m := s.NewMachine(nil)
	prog := rest[0]
	ld, lerr := loadElf(m, prog)
	if lerr != nil && !opts.nonlinear {
		// the linear mapping may have collided with our own image;
		// rebuild the whole system without the affine map
		logrus.WithError(lerr).Debug("retrying with non-linear memory")
		s.RemoveMachine(m)
		s, err = machine.NewSystem(defs.ModeLong, false, !opts.nojit)
		if err != 0 {
			logrus.Fatalf("system setup failed: errno %d", -err)
		}
		s.Ops = interp.MkOpTable()
		s.Syscalls = &syscalls_t{}
		m = s.NewMachine(nil)
		ld, lerr = loadElf(m, prog)
	}
	if lerr != nil {
		fmt.Fprintf(os.Stderr, "%s: %s: %v\n", progname, prog, lerr)
		os.Exit(127)
	}
	if err := setupStack(m, ld, rest, os.Environ()); err != 0 {
		fmt.Fprintf(os.Stderr, "%s: stack setup failed\n", progname)
		os.Exit(127)
	}

	code := run(m, ld)
	if opts.dostats {
		stats.Dump(os.Stderr)
	}
	os.Exit(code)
}

func run(m *machine.Machine_t, ld *loaded_t) int {
	s := m.System
	for {
		halt := m.Actor()
		switch {
		case halt == defs.HaltExitThread:
			s.KillOtherThreads(m)
			s.RemoveMachine(m)
			return m.ExitCode
		case halt == defs.HaltHalt:
			return 0
		case m.HaltReason != defs.HaltNone:
			// fatal disposition reached through the signal machine
			diagnose(m, ld, m.HaltReason)
			reraise(m.HaltReason)
			return m.ExitCode
		default:
			if sig := m.DeliverFault(halt); sig == 0 {
				logrus.Errorf("unhandled halt: %v", halt)
				return 70
			}
		}
	}
}

func diagnose(m *machine.Machine_t, ld *loaded_t, halt defs.Halt_t) {
	sym := ld.symbolize(m.Oldip)
	fmt.Fprintf(os.Stderr, "%s: %v at %#x (%s) addr=%#x\n",
		progname, halt, m.Oldip, sym, m.View.Faultaddr)
}

// fatal guest signals with default disposition send the translated
// host signal to our own process with kill. The host disposition is
// not reset to the default first; it stays whatever the Go runtime
// installed.
func reraise(halt defs.Halt_t) {
	var sig unix.Signal
	switch halt {
	case defs.HaltSegFault, defs.HaltProtectionFault:
		sig = unix.SIGSEGV
	case defs.HaltDivByZero, defs.HaltFpuException, defs.HaltSimdException:
		sig = unix.SIGFPE
	case defs.HaltUndef, defs.HaltDecodeError:
		sig = unix.SIGILL
	default:
		return
	}
	unix.Kill(unix.Getpid(), sig)
}
