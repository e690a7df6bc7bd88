// Package bus provides the atomic guest-memory primitives: acquire and
// release ordered loads and stores over host pointers, the striped
// spinlocks that simulate the x86 lock prefix, and the futex table.
package bus

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/jart/goblink/util"
	"github.com/jart/goblink/x86"
)

/// BusCount is the number of lock stripes; a power of two at least as
/// large as any plausible host CPU count.
const BusCount = 256

/// BusRegion is the bytes covered by one stripe. A locked instruction
/// is guaranteed to lock only its destination operand, but may be
/// interpreted by the system as a lock for a larger memory area
/// (Intel V.3 §8.1.2.2); 128 bytes matches the sectoring of §8.10.6.7.
const BusRegion = 128

type spinlock_t struct {
	v uint32
	_ [124]uint8 // pad to its own sector so stripes don't false-share
}

func (l *spinlock_t) lock() {
	for !atomic.CompareAndSwapUint32(&l.v, 0, 1) {
		runtime.Gosched()
	}
}

func (l *spinlock_t) unlock() {
	atomic.StoreUint32(&l.v, 0)
}

/// Bus_t owns the process-wide lock stripes and futex table.
type Bus_t struct {
	lock    [BusCount]spinlock_t
	Futexes Futexes_t
}

/// New initializes a Bus_t with every futex record on the free list.
func New() *Bus_t {
	b := &Bus_t{}
	b.Futexes.init()
	return b
}

func init() {
	if !util.IsPow2(BusCount) || !util.IsPow2(BusRegion) || BusRegion < 16 {
		panic("bad bus geometry")
	}
}

/// LockBus acquires the lock stripe covering host address p.
func (b *Bus_t) LockBus(p unsafe.Pointer) {
	b.lock[uintptr(p)/BusRegion%BusCount].lock()
}

/// UnlockBus releases the lock stripe covering host address p.
func (b *Bus_t) UnlockBus(p unsafe.Pointer) {
	b.lock[uintptr(p)/BusRegion%BusCount].unlock()
}

/// Load8 performs an acquire-ordered byte load.
func Load8(p []uint8) int64 {
	return int64(atomic.LoadUint32((*uint32)(unsafe.Pointer(
		uintptr(unsafe.Pointer(&p[0])) &^ 3))) >>
		((uintptr(unsafe.Pointer(&p[0])) & 3) * 8) & 0xff)
}

/// Load16 performs an acquire-ordered 16-bit load when aligned, and a
/// plain load otherwise (matching the hardware's own guarantee).
func Load16(p []uint8) int64 {
	q := unsafe.Pointer(&p[0])
	if uintptr(q)&1 == 0 {
		return int64(atomic.LoadUint32((*uint32)(unsafe.Pointer(
			uintptr(q) &^ 3))) >> ((uintptr(q) & 2) * 8) & 0xffff)
	}
	return int64(util.Read16(p))
}

/// Load32 performs an acquire-ordered 32-bit load when aligned.
func Load32(p []uint8) int64 {
	q := unsafe.Pointer(&p[0])
	if uintptr(q)&3 == 0 {
		return int64(atomic.LoadUint32((*uint32)(q)))
	}
	return int64(util.Read32(p))
}

/// Load64 performs an acquire-ordered 64-bit load when aligned. The
/// core only targets 64-bit hosts, so no lock-bus fallback is needed
/// for the aligned case.
func Load64(p []uint8) int64 {
	q := unsafe.Pointer(&p[0])
	if uintptr(q)&7 == 0 {
		return int64(atomic.LoadUint64((*uint64)(q)))
	}
	return int64(util.Read64(p))
}

/// Store8 performs a release-ordered byte store.
func Store8(p []uint8, x uint64) {
	// the byte is merged into its aligned 32-bit word with a cas loop,
	// so neighbouring bytes are never torn and the store is at least
	// release ordered
	word := (*uint32)(unsafe.Pointer(uintptr(unsafe.Pointer(&p[0])) &^ 3))
	shift := (uintptr(unsafe.Pointer(&p[0])) & 3) * 8
	for {
		old := atomic.LoadUint32(word)
		neu := old&^(0xff<<shift) | uint32(x&0xff)<<shift
		if atomic.CompareAndSwapUint32(word, old, neu) {
			return
		}
	}
}

/// Store16 performs a release-ordered 16-bit store when aligned.
func Store16(p []uint8, x uint64) {
	q := unsafe.Pointer(&p[0])
	if uintptr(q)&1 == 0 {
		word := (*uint32)(unsafe.Pointer(uintptr(q) &^ 3))
		shift := (uintptr(q) & 2) * 8
		for {
			old := atomic.LoadUint32(word)
			neu := old&^(0xffff<<shift) | uint32(x&0xffff)<<shift
			if atomic.CompareAndSwapUint32(word, old, neu) {
				return
			}
		}
	}
	util.Write16(p, uint16(x))
}

/// Store32 performs a release-ordered 32-bit store when aligned.
func Store32(p []uint8, x uint64) {
	q := unsafe.Pointer(&p[0])
	if uintptr(q)&3 == 0 {
		atomic.StoreUint32((*uint32)(q), uint32(x))
		return
	}
	util.Write32(p, uint32(x))
}

/// Store64 performs a release-ordered 64-bit store when aligned.
func Store64(p []uint8, x uint64) {
	q := unsafe.Pointer(&p[0])
	if uintptr(q)&7 == 0 {
		atomic.StoreUint64((*uint64)(q), x)
		return
	}
	util.Write64(p, x)
}

/// ReadRegister reads a register slot at the width selected by the
/// REX.W and 0x66 bits of rde.
func ReadRegister(rde uint64, p []uint8) uint64 {
	if x86.Rexw(rde) {
		return util.Read64(p)
	} else if !x86.Osz(rde) {
		return uint64(util.Read32(p))
	} else {
		return uint64(util.Read16(p))
	}
}

/// ReadRegisterSigned is ReadRegister with sign extension.
func ReadRegisterSigned(rde uint64, p []uint8) int64 {
	if x86.Rexw(rde) {
		return int64(util.Read64(p))
	} else if !x86.Osz(rde) {
		return int64(int32(util.Read32(p)))
	} else {
		return int64(int16(util.Read16(p)))
	}
}

/// WriteRegister writes a register slot at the width selected by rde.
/// 32-bit writes zero the upper half, per the architecture.
func WriteRegister(rde uint64, p []uint8, x uint64) {
	if x86.Rexw(rde) {
		util.Write64(p, x)
	} else if !x86.Osz(rde) {
		util.Write64(p, x&0xffffffff)
	} else {
		util.Write16(p, uint16(x))
	}
}

/// ReadMemory performs a width-dispatched atomic guest load.
func ReadMemory(rde uint64, p []uint8) uint64 {
	if x86.Rexw(rde) {
		return uint64(Load64(p))
	} else if !x86.Osz(rde) {
		return uint64(Load32(p)) & 0xffffffff
	} else {
		return uint64(Load16(p)) & 0xffff
	}
}

/// WriteMemory performs a width-dispatched atomic guest store.
func WriteMemory(rde uint64, p []uint8, x uint64) {
	if x86.Rexw(rde) {
		Store64(p, x)
	} else if !x86.Osz(rde) {
		Store32(p, x)
	} else {
		Store16(p, x)
	}
}

/// ReadRegisterBW reads with the byte-capable width in RegLog2.
func ReadRegisterBW(rde uint64, p []uint8) int64 {
	switch x86.RegLog2(rde) {
	case 3:
		return int64(util.Read64(p))
	case 2:
		return int64(util.Read32(p))
	case 1:
		return int64(util.Read16(p))
	default:
		return int64(p[0])
	}
}

/// WriteRegisterBW writes with the byte-capable width in RegLog2.
func WriteRegisterBW(rde uint64, p []uint8, x uint64) {
	switch x86.RegLog2(rde) {
	case 3:
		util.Write64(p, x)
	case 2:
		util.Write64(p, x&0xffffffff)
	case 1:
		util.Write16(p, uint16(x))
	default:
		p[0] = uint8(x)
	}
}

/// ReadMemoryBW is ReadMemory with byte support.
func ReadMemoryBW(rde uint64, p []uint8) int64 {
	switch x86.RegLog2(rde) {
	case 3:
		return Load64(p)
	case 2:
		return Load32(p)
	case 1:
		return Load16(p)
	default:
		return Load8(p)
	}
}

/// WriteMemoryBW is WriteMemory with byte support.
func WriteMemoryBW(rde uint64, p []uint8, x uint64) {
	switch x86.RegLog2(rde) {
	case 3:
		Store64(p, x)
	case 2:
		Store32(p, x)
	case 1:
		Store16(p, x)
	default:
		Store8(p, x)
	}
}

/// FutexMax bounds the futex record pool.
const FutexMax = 64

/// Futex_t is one wait channel keyed by guest address.
type Futex_t struct {
	Addr    int64
	Waiters int
	Lock    sync.Mutex
	Cond    *sync.Cond
}

/// Futexes_t is the fixed pool of futex records with a free list and
/// an active list, both guarded by Lock.
type Futexes_t struct {
	Lock   sync.Mutex
	mem    [FutexMax]Futex_t
	free   []*Futex_t
	active []*Futex_t
}

func (f *Futexes_t) init() {
	f.free = make([]*Futex_t, 0, FutexMax)
	for i := range f.mem {
		f.mem[i].Cond = sync.NewCond(&f.mem[i].Lock)
		f.free = append(f.free, &f.mem[i])
	}
}

/// Find returns the active futex for addr, or nil.
/// The caller holds f.Lock.
func (f *Futexes_t) Find(addr int64) *Futex_t {
	for _, fx := range f.active {
		if fx.Addr == addr {
			return fx
		}
	}
	return nil
}

/// Acquire returns the futex for addr, activating a free record when
/// none exists, with its waiter count bumped. Returns nil if the pool
/// is exhausted. The caller holds f.Lock.
func (f *Futexes_t) Acquire(addr int64) *Futex_t {
	fx := f.Find(addr)
	if fx == nil {
		if len(f.free) == 0 {
			return nil
		}
		fx = f.free[len(f.free)-1]
		f.free = f.free[:len(f.free)-1]
		fx.Addr = addr
		fx.Waiters = 0
		f.active = append(f.active, fx)
	}
	fx.Waiters++
	return fx
}

/// Release drops one waiter from fx, returning the record to the free
/// list when the last waiter leaves. The caller holds f.Lock.
func (f *Futexes_t) Release(fx *Futex_t) {
	fx.Waiters--
	if fx.Waiters < 0 {
		panic("futex waiter underflow")
	}
	if fx.Waiters == 0 {
		for i, a := range f.active {
			if a == fx {
				f.active = append(f.active[:i], f.active[i+1:]...)
				break
			}
		}
		f.free = append(f.free, fx)
	}
}

/// Wake signals up to count waiters on addr and returns how many
/// were woken.
func (f *Futexes_t) Wake(addr int64, count int) int {
	f.Lock.Lock()
	fx := f.Find(addr)
	f.Lock.Unlock()
	if fx == nil {
		return 0
	}
	fx.Lock.Lock()
	woke := util.Min(count, fx.Waiters)
	if count >= fx.Waiters {
		fx.Cond.Broadcast()
	} else {
		for i := 0; i < count; i++ {
			fx.Cond.Signal()
		}
	}
	fx.Lock.Unlock()
	return woke
}
