//go:build !amd64 && !arm64

package machine

import (
	"unsafe"

	"github.com/jart/goblink/jit"
)

// the jit is disabled on hosts without an encoder; none of these can
// be reached, they exist so the package compiles everywhere

const pathPrologSize = 0
const jumpPlaceholderSize = 0

func appendPathProlog(jb *jit.JitBlock_t) bool { return false }
func appendPathEpilog(jb *jit.JitBlock_t) bool { return false }

func jitcall(fn uintptr, m unsafe.Pointer) {
	panic("jit is not supported on this host")
}

func jitthunkAddr() uintptr { return 0 }
