// Package fds maintains the guest file-descriptor table and the
// marshalling of ancillary data across UNIX-domain sockets.
package fds

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/jart/goblink/defs"
)

/// MinEmulatorFd is the floor of the private host-fd range dup'd fds
/// land in, so guest descriptors never collide with the emulator's own.
const MinEmulatorFd = 100

/// Cb_i lets a descriptor override the host operations backing it,
/// the way device and proc files need to.
type Cb_i interface {
	Close(systemfd int) error
	Readv(systemfd int, iov [][]uint8) (int, error)
	Writev(systemfd int, iov [][]uint8) (int, error)
}

/// Fd_t is one guest descriptor. Lock serializes operations that read
/// and update the descriptor state together (dup, fcntl).
type Fd_t struct {
	Fildes    int    /// guest descriptor number
	Systemfd  int    /// backing host descriptor
	Oflags    int    /// guest open flags
	Cloexec   bool
	Socktype  int
	Norestart bool /// SA_RESTART doesn't apply to this fd
	Saddr     []uint8
	Path      string
	Cb        Cb_i /// non-nil when the host fd isn't the whole story
	Dirstream any  /// open directory iteration state
	Lock      sync.Mutex
}

/// Fdtab_t is the ordered guest descriptor list.
type Fdtab_t struct {
	sync.Mutex
	list []*Fd_t
}

/// MkFdtab returns an empty descriptor table.
func MkFdtab() *Fdtab_t {
	return &Fdtab_t{}
}

/// AddFd registers a descriptor under the lowest free guest number at
/// or above want.
func (ft *Fdtab_t) AddFd(want int, systemfd int, oflags int) *Fd_t {
	ft.Lock()
	defer ft.Unlock()
	n := want
	for ft.lookup(n) != nil {
		n++
	}
	fd := &Fd_t{Fildes: n, Systemfd: systemfd, Oflags: oflags}
	ft.list = append(ft.list, fd)
	return fd
}

// @assume ft.Mutex
func (ft *Fdtab_t) lookup(fildes int) *Fd_t {
	for i, fd := range ft.list {
		if fd.Fildes == fildes {
			if i > 0 {
				// bump toward the front; guests hammer a few fds
				ft.list[i-1], ft.list[i] = ft.list[i], ft.list[i-1]
			}
			return fd
		}
	}
	return nil
}

/// GetFd returns the descriptor for fildes, or nil. Reading bumps the
/// entry toward the front of the list.
func (ft *Fdtab_t) GetFd(fildes int) *Fd_t {
	ft.Lock()
	defer ft.Unlock()
	return ft.lookup(fildes)
}

/// CloseFd removes fildes and closes its host descriptor.
func (ft *Fdtab_t) CloseFd(fildes int) defs.Err_t {
	ft.Lock()
	defer ft.Unlock()
	for i, fd := range ft.list {
		if fd.Fildes == fildes {
			ft.list = append(ft.list[:i], ft.list[i+1:]...)
			var err error
			if fd.Cb != nil {
				err = fd.Cb.Close(fd.Systemfd)
			} else {
				err = unix.Close(fd.Systemfd)
			}
			if err != nil {
				return -defs.EIO
			}
			return 0
		}
	}
	return -defs.EBADF
}

/// SysCloseExec closes every descriptor marked close-on-exec.
func (ft *Fdtab_t) SysCloseExec() {
	ft.Lock()
	defer ft.Unlock()
	keep := ft.list[:0]
	for _, fd := range ft.list {
		if fd.Cloexec {
			if err := unix.Close(fd.Systemfd); err != nil {
				logrus.WithError(err).WithField("fd", fd.Fildes).
					Debug("cloexec close failed")
			}
		} else {
			keep = append(keep, fd)
		}
	}
	ft.list = keep
}

/// Dup duplicates fildes into the lowest guest number at or above
/// want. The host copy lands in the emulator's private fd range.
func (ft *Fdtab_t) Dup(fildes, want int, cloexec bool) (*Fd_t, defs.Err_t) {
	old := ft.GetFd(fildes)
	if old == nil {
		return nil, -defs.EBADF
	}
	old.Lock.Lock()
	cmd := unix.F_DUPFD
	if cloexec {
		cmd = unix.F_DUPFD_CLOEXEC
	}
	systemfd, err := unix.FcntlInt(uintptr(old.Systemfd), cmd, MinEmulatorFd+want)
	old.Lock.Unlock()
	if err != nil {
		return nil, -defs.EMFILE
	}
	fd := ft.AddFd(want, systemfd, old.Oflags)
	fd.Cloexec = cloexec
	fd.Socktype = old.Socktype
	fd.Path = old.Path
	return fd, 0
}

/// Each visits every descriptor in list order.
func (ft *Fdtab_t) Each(fn func(*Fd_t)) {
	ft.Lock()
	defer ft.Unlock()
	for _, fd := range ft.list {
		fn(fd)
	}
}

/// DestroyFds closes everything; called at system teardown.
func (ft *Fdtab_t) DestroyFds() {
	ft.Lock()
	defer ft.Unlock()
	for _, fd := range ft.list {
		unix.Close(fd.Systemfd)
	}
	ft.list = nil
}
