//go:build amd64

package machine

import (
	"reflect"
	"unsafe"

	"github.com/jart/goblink/jit"
)

// threaded-path frame: rbp pushed for backtraces, rbx holds the
// machine pointer across the chained calls
var pathProlog = []uint8{
	0x55,             // push %rbp
	0x48, 0x89, 0xe5, // mov  %rsp,%rbp
	0x53,             // push %rbx
	0x48, 0x89, 0xfb, // mov  %rdi,%rbx
}

var pathEpilog = []uint8{
	0x5b, // pop %rbx
	0x5d, // pop %rbp
}

/// pathPrologSize is the fixup addend that makes cross-path jumps
/// land past the target's prologue, where frame shapes agree.
const pathPrologSize = 8

// bytes a patchable jump placeholder occupies
const jumpPlaceholderSize = 5

func appendPathProlog(jb *jit.JitBlock_t) bool {
	return jb.AppendJit(pathProlog)
}

func appendPathEpilog(jb *jit.JitBlock_t) bool {
	return jb.AppendJit(pathEpilog) && jb.AppendJitRet()
}

// implemented in jitrun_amd64.s
func jitcall(fn uintptr, m unsafe.Pointer)
func jitthunk()

var jitthunkPc = reflect.ValueOf(jitthunk).Pointer()

func jitthunkAddr() uintptr { return jitthunkPc }
