//go:build amd64

package jit

import (
	"sync/atomic"
	"unsafe"

	"github.com/jart/goblink/util"
)

const jitSupported = true

/// System V AMD64 register indices used by generated stubs.
const (
	RegAx = 0 // first function result
	RegCx = 1 // fourth function parameter
	RegDx = 2 // third function parameter, second result
	RegBx = 3 // generic saved register
	RegSp = 4
	RegBp = 5
	RegSi = 6 // second function parameter
	RegDi = 7 // first function parameter
)

const (
	amdJmp    = 0xe9
	amdCall   = 0xe8
	amdRexb   = 0x41
	amdRexr   = 0x44
	amdRexw   = 0x48
	amdMovImm = 0xb8
	amdXor    = 0x31
)

/// JitRes and friends map portable stub roles onto the host ABI.
var (
	JitRes = [2]int{RegAx, RegDx}
	JitArg = [4]int{RegDi, RegSi, RegDx, RegCx}
	JitSav = [5]int{RegBx, 12, 13, 14, 15}
)

const (
	actionMove = 0x010000
)

func moveAction(dst, src int) int64 {
	return int64(dst) | int64(src)<<8 | actionMove
}

func makeJitJump(buf []uint8, pc, addr uintptr) int {
	disp := int64(addr) - int64(pc+5)
	if disp < -0x80000000 || disp > 0x7fffffff {
		panic("jit jump displacement out of reach")
	}
	buf[0] = amdJmp
	util.Write32(buf[1:], uint32(disp))
	return 5
}

// rewrites the jump placeholder with a single atomic operation. the
// call opcode's trailing bytes share the 8-byte word, so a cas loop
// preserves them while the 5 jump bytes land.
func patchJitJump(code uintptr, target uintptr) {
	var u [8]uint8
	makeJitJump(u[:], code, target)
	word := (*uint64)(unsafe.Pointer(code))
	patch := util.Read64(u[:]) & 0x000000ffffffffff
	for {
		old := atomic.LoadUint64(word)
		neu := old&0xffffff0000000000 | patch
		if atomic.CompareAndSwapUint64(word, old, neu) {
			break
		}
	}
}

// x86 keeps instruction and data caches coherent on its own
func flushInstructionCache(addr uintptr, size int) {}

// per-thread W^X toggling is an Apple Silicon concern
func jitWriteProtect(enable bool) {}

/// AppendJitCall appends a call to a native function, reaching it
/// rel32 when possible and through a register otherwise.
func (jb *JitBlock_t) AppendJitCall(addr uintptr) bool {
	disp := int64(addr) - int64(jb.GetJitPc()+5)
	if -0x80000000 <= disp && disp <= 0x7fffffff {
		// AMD function calls are encoded using an 0xE8 byte, followed
		// by a 32-bit signed two's complement little-endian integer,
		// containing the relative location between the function being
		// called and the instruction following the call
		var buf [5]uint8
		buf[0] = amdCall
		util.Write32(buf[1:], uint32(disp))
		return jb.AppendJit(buf[:])
	}
	jb.AppendJitSetReg(RegAx, uint64(addr))
	return jb.AppendJit([]uint8{0xff, 0xd0}) // call *%rax
}

/// AppendJitJump appends an unconditional branch to a code address.
func (jb *JitBlock_t) AppendJitJump(addr uintptr) bool {
	var buf [5]uint8
	n := makeJitJump(buf[:], jb.GetJitPc(), addr)
	return jb.AppendJit(buf[:n])
}

/// AppendJitSetReg loads an immediate into a register with the
/// shortest REX-aware encoding.
func (jb *JitBlock_t) AppendJitSetReg(reg int, value uint64) bool {
	if jb.GetJitRemaining() < 10 {
		return jb.oom()
	}
	var buf [10]uint8
	n := 0
	var rex uint8
	if reg&8 != 0 {
		rex |= amdRexb
	}
	if value == 0 {
		if reg&8 != 0 {
			rex |= amdRexr
		}
		if rex != 0 {
			buf[n] = rex
			n++
		}
		buf[n] = amdXor
		buf[n+1] = uint8(0300 | reg&7<<3 | reg&7)
		n += 2
	} else if int64(value) < 0 && int64(value) >= -0x80000000 {
		buf[n] = rex | amdRexw
		buf[n+1] = 0xc7
		buf[n+2] = uint8(0300 | reg&7)
		util.Write32(buf[n+3:], uint32(value))
		n += 7
	} else {
		if value > 0xffffffff {
			rex |= amdRexw
		}
		if rex != 0 {
			buf[n] = rex
			n++
		}
		buf[n] = uint8(amdMovImm | reg&7)
		n++
		if rex&amdRexw != 0 {
			util.Write64(buf[n:], value)
			n += 8
		} else {
			util.Write32(buf[n:], uint32(value))
			n += 4
		}
	}
	lastaction := jb.lastaction
	ok := jb.AppendJit(buf[:n])
	// a set-reg doesn't invalidate a remembered move unless it
	// clobbers one of its registers
	if lastaction&0xff0000 == actionMove &&
		int(lastaction&0xff) != reg && int(lastaction>>8&0xff) != reg {
		jb.lastaction = lastaction
	}
	return ok
}

/// AppendJitMovReg copies one register into another, skipping moves
/// that repeat the previous action.
func (jb *JitBlock_t) AppendJitMovReg(dst, src int) bool {
	if dst == src {
		return true
	}
	if jb.GetJitRemaining() < 4 {
		return jb.oom()
	}
	action := moveAction(dst, src)
	if action == jb.lastaction {
		return true
	}
	var rex uint8 = amdRexw
	if src&8 != 0 {
		rex |= amdRexr
	}
	if dst&8 != 0 {
		rex |= amdRexb
	}
	ok := jb.AppendJit([]uint8{rex, 0x89, uint8(0300 | src&7<<3 | dst&7)})
	jb.lastaction = action
	return ok
}

/// AppendJitRet appends a return instruction.
func (jb *JitBlock_t) AppendJitRet() bool {
	return jb.AppendJit([]uint8{0xc3})
}

/// AppendJitNop appends a no-op.
func (jb *JitBlock_t) AppendJitNop() bool {
	return jb.AppendJit([]uint8{0x90})
}

/// AppendJitTrap appends a debugger breakpoint.
func (jb *JitBlock_t) AppendJitTrap() bool {
	return jb.AppendJit([]uint8{0xcc})
}

// Intel's official fat nops, Volume 2 Table 4-12
var kNops = [7][]uint8{
	{0x90},
	{0x66, 0x90},
	{0x0f, 0x1f, 0x00},
	{0x0f, 0x1f, 0x40, 0x00},
	{0x0f, 0x1f, 0x44, 0x00, 0x00},
	{0x66, 0x0f, 0x1f, 0x44, 0x00, 0x00},
	{0x0f, 0x1f, 0x80, 0x00, 0x00, 0x00, 0x00},
}

/// AlignJit pads with nops until the pc is congruent to misalign
/// modulo align.
func (jb *JitBlock_t) AlignJit(align, misalign int) bool {
	if align <= 0 || !util.IsPow2(align) || misalign < 0 || misalign >= align {
		panic("bad alignment")
	}
	for jb.index&(align-1) != misalign {
		skew := jb.index & (align - 1)
		var need int
		if skew > misalign {
			need = align - skew + misalign
		} else {
			need = misalign - skew
		}
		if need > 7 {
			need = 7
		}
		if !jb.AppendJit(kNops[need-1]) {
			return false
		}
	}
	return true
}
