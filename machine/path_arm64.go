//go:build arm64

package machine

import (
	"reflect"
	"unsafe"

	"github.com/jart/goblink/jit"
	"github.com/jart/goblink/util"
)

// threaded-path frame: x29/x30 saved for backtraces, x19 holds the
// machine pointer across the chained calls
var pathProlog = enc32(
	0xa9bf7bfd, // stp x29, x30, [sp, #-16]!
	0x910003fd, // mov x29, sp
	0xa9bf53f3, // stp x19, x20, [sp, #-16]!
	0xaa0003f3, // mov x19, x0
)

var pathEpilog = enc32(
	0xa8c153f3, // ldp x19, x20, [sp], #16
	0xa8c17bfd, // ldp x29, x30, [sp], #16
)

/// pathPrologSize is the fixup addend that makes cross-path jumps
/// land past the target's prologue, where frame shapes agree.
const pathPrologSize = 16

// bytes a patchable jump placeholder occupies
const jumpPlaceholderSize = 4

func enc32(words ...uint32) []uint8 {
	b := make([]uint8, 0, len(words)*4)
	for _, w := range words {
		var tmp [4]uint8
		util.Write32(tmp[:], w)
		b = append(b, tmp[:]...)
	}
	return b
}

func appendPathProlog(jb *jit.JitBlock_t) bool {
	return jb.AppendJit(pathProlog)
}

func appendPathEpilog(jb *jit.JitBlock_t) bool {
	return jb.AppendJit(pathEpilog) && jb.AppendJitRet()
}

// implemented in jitrun_arm64.s
func jitcall(fn uintptr, m unsafe.Pointer)
func jitthunk()

var jitthunkPc = reflect.ValueOf(jitthunk).Pointer()

func jitthunkAddr() uintptr { return jitthunkPc }
