package bus

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"golang.org/x/sync/errgroup"
)

func TestLoadStoreRoundTrip(t *testing.T) {
	b := make([]uint8, 64)
	Store64(b[8:16], 0x1122334455667788)
	if uint64(Load64(b[8:16])) != 0x1122334455667788 {
		t.Fatal("64-bit round trip")
	}
	Store32(b[4:8], 0xdeadbeef)
	if uint64(Load32(b[4:8]))&0xffffffff != 0xdeadbeef {
		t.Fatal("32-bit round trip")
	}
	Store16(b[2:4], 0xcafe)
	if uint64(Load16(b[2:4]))&0xffff != 0xcafe {
		t.Fatal("16-bit round trip")
	}
	Store8(b[1:2], 0x5a)
	if Load8(b[1:2]) != 0x5a {
		t.Fatal("8-bit round trip")
	}
	// unaligned
	Store64(b[3:11], 0x0102030405060708)
	if uint64(Load64(b[3:11])) != 0x0102030405060708 {
		t.Fatal("unaligned 64-bit round trip")
	}
}

func TestStripedLock(t *testing.T) {
	b := New()
	buf := make([]uint8, 256)
	p := unsafe.Pointer(&buf[0])
	var counter int64
	var eg errgroup.Group
	for i := 0; i < 8; i++ {
		eg.Go(func() error {
			for j := 0; j < 1000; j++ {
				b.LockBus(p)
				counter++
				b.UnlockBus(p)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	if counter != 8000 {
		t.Fatalf("lock failed to serialize: %d", counter)
	}
}

func TestRegisterWidths(t *testing.T) {
	var reg [8]uint8
	// rexw set (bit 13)
	rexw := uint64(1) << 13
	osz := uint64(1) << 12
	WriteRegister(rexw, reg[:], 0x1122334455667788)
	if ReadRegister(rexw, reg[:]) != 0x1122334455667788 {
		t.Fatal("64-bit register")
	}
	// 32-bit write zeroes the top half
	WriteRegister(0, reg[:], 0x99aabbcc)
	if ReadRegister(rexw, reg[:]) != 0x99aabbcc {
		t.Fatal("32-bit write must zero upper half")
	}
	WriteRegister(osz, reg[:], 0x1234)
	if ReadRegister(osz, reg[:]) != 0x1234 {
		t.Fatal("16-bit register")
	}
	if ReadRegister(rexw, reg[:])&0xffff0000 != 0x99aa0000 {
		t.Fatal("16-bit write must preserve upper bits")
	}
}

func TestFutexPool(t *testing.T) {
	b := New()
	f := &b.Futexes
	f.Lock.Lock()
	fx := f.Acquire(0x1000)
	if fx == nil || fx.Waiters != 1 {
		t.Fatal("acquire")
	}
	fx2 := f.Acquire(0x1000)
	if fx2 != fx || fx.Waiters != 2 {
		t.Fatal("same address must share a record")
	}
	other := f.Acquire(0x2000)
	if other == fx {
		t.Fatal("distinct addresses must not share")
	}
	f.Release(fx)
	f.Release(fx2)
	if f.Find(0x1000) != nil {
		t.Fatal("record must retire with its last waiter")
	}
	f.Release(other)
	f.Lock.Unlock()
}

func TestFutexWake(t *testing.T) {
	b := New()
	f := &b.Futexes
	f.Lock.Lock()
	fx := f.Acquire(0x3000)
	f.Lock.Unlock()

	var woke atomic.Bool
	done := make(chan struct{})
	go func() {
		fx.Lock.Lock()
		for !woke.Load() {
			fx.Cond.Wait()
		}
		fx.Lock.Unlock()
		close(done)
	}()
	woke.Store(true)
	f.Wake(0x3000, 1)
	<-done
	f.Lock.Lock()
	f.Release(fx)
	f.Lock.Unlock()
}
