package main

import (
	"crypto/rand"

	"github.com/jart/goblink/defs"
	"github.com/jart/goblink/machine"
	"github.com/jart/goblink/mem"
	"github.com/jart/goblink/util"

	"golang.org/x/sys/unix"
)

// auxiliary vector tags (System V AMD64 ABI)
const (
	atNull   = 0
	atPhdr   = 3
	atPhent  = 4
	atPhnum  = 5
	atPagesz = 6
	atBase   = 7
	atEntry  = 9
	atUid    = 11
	atEuid   = 12
	atGid    = 13
	atEgid   = 14
	atClktck = 17
	atSecure = 23
	atRandom = 25
	atExecfn = 31
)

const (
	stackTop  = 0x7fffff000000
	stackSize = 8 << 20
)

// setupStack reserves the guest stack and populates it per the System
// V AMD64 ABI: argc; argv[]; 0; envp[]; 0; auxv[]; {0,0}. The final
// stack pointer is 16-byte aligned.
func setupStack(m *machine.Machine_t, ld *loaded_t, argv, envp []string) defs.Err_t {
	as := m.View.As
	if err := as.ReserveVirtual(stackTop-stackSize, stackSize,
		defs.PROT_READ|defs.PROT_WRITE, -1, 0, false, ""); err != 0 {
		return err
	}

	sp := int64(stackTop)
	push := func(b []uint8) (int64, defs.Err_t) {
		sp -= int64(len(b))
		if err := m.View.CopyToUser(sp, b); err != 0 {
			return 0, err
		}
		return sp, 0
	}
	pushStr := func(s string) (int64, defs.Err_t) {
		return push(append([]uint8(s), 0))
	}

	// string data first, highest addresses
	execfn, err := pushStr(ld.path)
	if err != 0 {
		return err
	}
	var entropy [16]uint8
	rand.Read(entropy[:])
	random, err := push(entropy[:])
	if err != 0 {
		return err
	}
	envPtrs := make([]int64, 0, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		p, err := pushStr(envp[i])
		if err != 0 {
			return err
		}
		envPtrs = append([]int64{p}, envPtrs...)
	}
	argPtrs := make([]int64, 0, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		p, err := pushStr(argv[i])
		if err != 0 {
			return err
		}
		argPtrs = append([]int64{p}, argPtrs...)
	}

	auxv := [][2]int64{
		{atPhdr, ld.phdr},
		{atPhent, ld.phent},
		{atPhnum, ld.phnum},
		{atPagesz, mem.PGSIZE},
		{atBase, ld.base},
		{atEntry, ld.entry},
		{atUid, int64(unix.Getuid())},
		{atEuid, int64(unix.Geteuid())},
		{atGid, int64(unix.Getgid())},
		{atEgid, int64(unix.Getegid())},
		{atSecure, 0},
		{atClktck, 100},
		{atRandom, random},
		{atExecfn, execfn},
		{atNull, 0},
	}

	// vector area size: argc + argv + NULL + envp + NULL + auxv pairs
	words := 1 + len(argPtrs) + 1 + len(envPtrs) + 1 + len(auxv)*2
	sp = (sp - int64(words*8)) &^ 15

	b := make([]uint8, words*8)
	off := 0
	put := func(x int64) {
		util.Write64(b[off:], uint64(x))
		off += 8
	}
	put(int64(len(argPtrs)))
	for _, p := range argPtrs {
		put(p)
	}
	put(0)
	for _, p := range envPtrs {
		put(p)
	}
	put(0)
	for _, kv := range auxv {
		put(kv[0])
		put(kv[1])
	}
	if err := m.View.CopyToUser(sp, b); err != 0 {
		return err
	}
	util.Write64(m.Reg(machine.RegRsp), uint64(sp))
	return 0
}
