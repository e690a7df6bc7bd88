package vm

import "golang.org/x/sys/unix"

// The public unix.Mmap/Munmap wrappers can't request a fixed host
// address or unmap by pointer, so the fixed-address paths (linear
// reservations, mug pages) go through the syscall directly.

func hostMmap(addr uintptr, length int64, prot, flags, fd int,
	offset int64) (uintptr, error) {
	r0, _, e := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(length),
		uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if e != 0 {
		return 0, e
	}
	return r0, nil
}

func hostMunmap(addr uintptr, length int64) error {
	if _, _, e := unix.Syscall(unix.SYS_MUNMAP, addr,
		uintptr(length), 0); e != 0 {
		return e
	}
	return nil
}
