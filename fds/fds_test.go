package fds

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/jart/goblink/defs"
	"github.com/jart/goblink/util"
)

func pipePair(t *testing.T) (int, int) {
	t.Helper()
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		t.Fatal(err)
	}
	return p[0], p[1]
}

func TestFdNumbering(t *testing.T) {
	ft := MkFdtab()
	r, w := pipePair(t)
	fd0 := ft.AddFd(0, r, unix.O_RDONLY)
	fd1 := ft.AddFd(0, w, unix.O_WRONLY)
	if fd0.Fildes != 0 || fd1.Fildes != 1 {
		t.Fatalf("lowest-free numbering: %d %d", fd0.Fildes, fd1.Fildes)
	}
	if ft.GetFd(0) != fd0 || ft.GetFd(1) != fd1 {
		t.Fatal("lookup")
	}
	if ft.GetFd(7) != nil {
		t.Fatal("missing fd must be nil")
	}
	if err := ft.CloseFd(0); err != 0 {
		t.Fatal("close")
	}
	if ft.GetFd(0) != nil {
		t.Fatal("closed fd still visible")
	}
	if err := ft.CloseFd(0); err != -defs.EBADF {
		t.Fatal("double close must be ebadf")
	}
	ft.DestroyFds()
}

func TestDupRange(t *testing.T) {
	ft := MkFdtab()
	r, w := pipePair(t)
	defer unix.Close(w)
	ft.AddFd(0, r, unix.O_RDONLY)
	dup, err := ft.Dup(0, 3, true)
	if err != 0 {
		t.Fatalf("dup: %d", err)
	}
	if dup.Fildes < 3 {
		t.Fatal("dup must respect the minimum guest fd")
	}
	if dup.Systemfd < MinEmulatorFd {
		t.Fatal("host copy must land in the private range")
	}
	if !dup.Cloexec {
		t.Fatal("cloexec")
	}
	if _, err := ft.Dup(9, 0, false); err != -defs.EBADF {
		t.Fatal("dup of missing fd")
	}
	ft.DestroyFds()
}

func TestCloseExec(t *testing.T) {
	ft := MkFdtab()
	r, w := pipePair(t)
	ft.AddFd(0, r, unix.O_RDONLY).Cloexec = true
	ft.AddFd(0, w, unix.O_WRONLY)
	ft.SysCloseExec()
	if ft.GetFd(0) != nil {
		t.Fatal("cloexec fd must be gone")
	}
	if ft.GetFd(1) == nil {
		t.Fatal("plain fd must survive")
	}
	ft.DestroyFds()
}

func TestAncillaryRights(t *testing.T) {
	ft := MkFdtab()
	r, w := pipePair(t)
	defer unix.Close(w)
	guest := ft.AddFd(0, r, unix.O_RDONLY)

	// guest -> host: one SCM_RIGHTS cmsg carrying the guest fd
	var control [20]uint8
	util.Write64(control[0:], 20) // cmsg_len: header + one fd
	util.Write32(control[8:], SOL_SOCKET_LINUX)
	util.Write32(control[12:], SCM_RIGHTS_LINUX)
	util.Write32(control[16:], uint32(guest.Fildes))
	host, err := ft.SendAncillary(control[:])
	if err != 0 {
		t.Fatalf("send: %d", err)
	}
	msgs, perr := unix.ParseSocketControlMessage(host)
	if perr != nil {
		t.Fatal(perr)
	}
	fdsOut, perr := unix.ParseUnixRights(&msgs[0])
	if perr != nil {
		t.Fatal(perr)
	}
	if len(fdsOut) != 1 || fdsOut[0] != guest.Systemfd {
		t.Fatal("host fd must be the backing descriptor")
	}

	// host -> guest: the descriptor comes back with a fresh number
	back := unix.UnixRights(w)
	out, flags, err := ft.ReceiveAncillary(back, 256)
	if err != 0 {
		t.Fatalf("receive: %d", err)
	}
	if flags != 0 {
		t.Fatal("no truncation expected")
	}
	if util.Read32(out[8:]) != SOL_SOCKET_LINUX ||
		util.Read32(out[12:]) != SCM_RIGHTS_LINUX {
		t.Fatal("guest cmsg header")
	}
	newGuest := int(util.Read32(out[16:]))
	if ft.GetFd(newGuest) == nil {
		t.Fatal("received fd must be installed in the table")
	}

	// no room: the descriptor is closed and ctrunc raised
	more := unix.UnixRights(r)
	_, flags, err = ft.ReceiveAncillary(more, 8)
	if err != 0 {
		t.Fatal("truncating receive must not error")
	}
	if flags&MSG_CTRUNC_LINUX == 0 {
		t.Fatal("msg_ctrunc expected")
	}
	ft.DestroyFds()
}

func TestAncillaryBadFd(t *testing.T) {
	ft := MkFdtab()
	var control [20]uint8
	util.Write64(control[0:], 20)
	util.Write32(control[8:], SOL_SOCKET_LINUX)
	util.Write32(control[12:], SCM_RIGHTS_LINUX)
	util.Write32(control[16:], 42) // no such guest fd
	if _, err := ft.SendAncillary(control[:]); err != -defs.EBADF {
		t.Fatalf("want ebadf, got %d", err)
	}
}
