package main

import (
	"crypto/rand"

	"golang.org/x/sys/unix"

	"github.com/jart/goblink/defs"
	"github.com/jart/goblink/machine"
	"github.com/jart/goblink/mem"
	"github.com/jart/goblink/util"
)

// The full system-call translation layer is a separate concern; this
// driver carries the handful a static hello-world class guest needs,
// enough to smoke the core end to end.
type syscalls_t struct{}

const (
	sysRead       = 0
	sysWrite      = 1
	sysMmap       = 9
	sysMprotect   = 10
	sysMunmap     = 11
	sysBrk        = 12
	sysMsync      = 26
	sysExit       = 60
	sysArchPrctl  = 158
	sysSetTidAddr = 218
	sysExitGroup  = 231
	sysGetrandom  = 318
)

const archSetFs = 0x1002

func errno(e defs.Err_t) uint64 {
	return uint64(-int64(e))
}

func (syscalls_t) Dispatch(m *machine.Machine_t, nr uint64) uint64 {
	a0 := int64(util.Read64(m.Reg(machine.RegRdi)))
	a1 := int64(util.Read64(m.Reg(machine.RegRsi)))
	a2 := int64(util.Read64(m.Reg(machine.RegRdx)))
	switch nr {
	case sysWrite:
		if a0 != 1 && a0 != 2 {
			return errno(defs.EBADF)
		}
		buf, err := m.View.SchlepR(a1, int(a2))
		if err != 0 {
			return errno(-err)
		}
		n, werr := unix.Write(int(a0), buf)
		if werr != nil {
			return errno(defs.EIO)
		}
		return uint64(n)
	case sysRead:
		if a0 != 0 {
			return errno(defs.EBADF)
		}
		buf := make([]uint8, a2)
		n, rerr := unix.Read(int(a0), buf)
		if rerr != nil {
			return errno(defs.EINTR)
		}
		if cerr := m.View.CopyToUserWrite(a1, buf[:n]); cerr != 0 {
			return errno(-cerr)
		}
		return uint64(n)
	case sysMmap:
		return sysMmapImpl(m, a0, a1, a2,
			int64(util.Read64(m.Reg(machine.RegR10))),
			int64(util.Read64(m.Reg(machine.RegR8))),
			int64(util.Read64(m.Reg(machine.RegR9))))
	case sysMunmap:
		if err := m.View.As.FreeVirtual(a0, a1); err != 0 {
			return errno(-err)
		}
		return 0
	case sysMprotect:
		if err := m.View.As.ProtectVirtual(a0, a1, int(a2)); err != 0 {
			return errno(-err)
		}
		return 0
	case sysMsync:
		if err := m.View.As.SyncVirtual(a0, a1, int(a2)); err != 0 {
			return errno(-err)
		}
		return 0
	case sysBrk:
		s := m.System
		if a0 > s.Brk {
			grow := util.Roundup(a0, mem.PGSIZE) - util.Roundup(s.Brk, mem.PGSIZE)
			if grow > 0 {
				if err := m.View.As.ReserveVirtual(
					util.Roundup(s.Brk, mem.PGSIZE), grow,
					defs.PROT_READ|defs.PROT_WRITE, -1, 0, false, ""); err != 0 {
					return uint64(s.Brk)
				}
			}
			s.Brk = a0
		}
		return uint64(s.Brk)
	case sysArchPrctl:
		if a0 == archSetFs {
			m.FsBase = a1
			return 0
		}
		return errno(defs.EINVAL)
	case sysSetTidAddr:
		return uint64(m.Tid)
	case sysGetrandom:
		buf := make([]uint8, a1)
		rand.Read(buf)
		if cerr := m.View.CopyToUserWrite(a0, buf); cerr != 0 {
			return errno(-cerr)
		}
		return uint64(a1)
	case sysExit, sysExitGroup:
		m.ExitCode = int(a0 & 0xff)
		if nr == sysExitGroup {
			m.System.KillOtherThreads(m)
		}
		m.Kill()
		return 0
	}
	return errno(defs.ENOSYS)
}

func sysMmapImpl(m *machine.Machine_t, addr, length, prot, flags, fd, off int64) uint64 {
	as := m.View.As
	if length <= 0 {
		return errno(defs.EINVAL)
	}
	if flags&defs.MAP_FIXED_LINUX == 0 {
		hint := addr
		if hint == 0 {
			hint = 0x200000000000
		}
		var err defs.Err_t
		addr, err = as.FindVirtual(hint, length)
		if err != 0 {
			return errno(-err)
		}
	}
	shared := flags&defs.MAP_SHARED_LINUX != 0
	hostfd := -1
	if flags&defs.MAP_ANONYMOUS_LINUX == 0 {
		hostfd = int(fd)
	}
	if err := as.ReserveVirtual(addr, length, int(prot), hostfd, off,
		shared, ""); err != 0 {
		return errno(-err)
	}
	return uint64(addr)
}
