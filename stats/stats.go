// Package stats holds the emulator's monotonic counters. Everything is
// a relaxed atomic so hot paths can count without synchronizing; the
// CLI's -s flag dumps the table at exit.
package stats

import (
	"fmt"
	"io"
	"sync/atomic"
)

var (
	TlbHits1         atomic.Int64
	TlbHits2         atomic.Int64
	TlbMisses        atomic.Int64
	PageOverlaps     atomic.Int64
	IcacheHits       atomic.Int64
	IcacheMisses     atomic.Int64
	InstructionCount atomic.Int64

	JitBlocksAllocated atomic.Int64
	JitBlocksRetired   atomic.Int64
	JitHooksInstalled  atomic.Int64
	JitHooksStaged     atomic.Int64
	JitHooksDeleted    atomic.Int64
	JitRehashes        atomic.Int64
	JitPageResets      atomic.Int64
	JitCyclesAvoided   atomic.Int64
	JumpsRecorded      atomic.Int64
	JumpsApplied       atomic.Int64
	PathsConnected     atomic.Int64
	PathsAbandoned     atomic.Int64
	PathOoms           atomic.Int64

	SignalsDelivered atomic.Int64
	SignalsEintr     atomic.Int64
)

/// Dump writes every counter to w in a stable order.
func Dump(w io.Writer) {
	rows := []struct {
		name string
		v    *atomic.Int64
	}{
		{"instructions", &InstructionCount},
		{"icache hits", &IcacheHits},
		{"icache misses", &IcacheMisses},
		{"tlb hits 1", &TlbHits1},
		{"tlb hits 2", &TlbHits2},
		{"tlb misses", &TlbMisses},
		{"page overlaps", &PageOverlaps},
		{"jit blocks allocated", &JitBlocksAllocated},
		{"jit blocks retired", &JitBlocksRetired},
		{"jit hooks installed", &JitHooksInstalled},
		{"jit hooks staged", &JitHooksStaged},
		{"jit hooks deleted", &JitHooksDeleted},
		{"jit rehashes", &JitRehashes},
		{"jit page resets", &JitPageResets},
		{"jit cycles avoided", &JitCyclesAvoided},
		{"jumps recorded", &JumpsRecorded},
		{"jumps applied", &JumpsApplied},
		{"paths connected", &PathsConnected},
		{"paths abandoned", &PathsAbandoned},
		{"path ooms", &PathOoms},
		{"signals delivered", &SignalsDelivered},
		{"signals eintr", &SignalsEintr},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%-22s %d\n", r.name, r.v.Load())
	}
}
