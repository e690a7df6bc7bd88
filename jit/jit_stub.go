//go:build !amd64 && !arm64

package jit

// Hosts without an encoder run interpreted; StartJit never hands out a
// block because InitJit marks the threader disabled.

const jitSupported = false

var (
	JitRes = [2]int{0, 1}
	JitArg = [4]int{0, 1, 2, 3}
	JitSav = [5]int{4, 5, 6, 7, 8}
)

func makeJitJump(buf []uint8, pc, addr uintptr) int     { return 0 }
func patchJitJump(code uintptr, target uintptr)         {}
func flushInstructionCache(addr uintptr, size int)      {}
func jitWriteProtect(enable bool)                       {}
func (jb *JitBlock_t) AppendJitCall(addr uintptr) bool  { return false }
func (jb *JitBlock_t) AppendJitJump(addr uintptr) bool  { return false }
func (jb *JitBlock_t) AppendJitSetReg(r int, v uint64) bool { return false }
func (jb *JitBlock_t) AppendJitMovReg(d, s int) bool    { return false }
func (jb *JitBlock_t) AppendJitRet() bool               { return false }
func (jb *JitBlock_t) AppendJitNop() bool               { return false }
func (jb *JitBlock_t) AppendJitTrap() bool              { return false }
func (jb *JitBlock_t) AlignJit(a, m int) bool           { return false }
