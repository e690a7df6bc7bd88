package mem

import "testing"

func TestPoolRecycles(t *testing.T) {
	pl := &Pool_t{}
	defer pl.Destroy()
	p1, ok := pl.Allocate()
	if !ok {
		t.Fatal("allocate")
	}
	f := Frame(p1)
	if len(f) != int(PGSIZE) {
		t.Fatal("frame size")
	}
	f[0] = 0xff
	f[4095] = 0xee
	pl.Free(p1)
	p2, ok := pl.Allocate()
	if !ok {
		t.Fatal("allocate after free")
	}
	if p2 != p1 {
		t.Fatal("lifo free list should hand the frame right back")
	}
	if Frame(p2)[0] != 0 || Frame(p2)[4095] != 0 {
		t.Fatal("recycled frame must be zeroed")
	}
}

func TestPoolChunking(t *testing.T) {
	pl := &Pool_t{}
	defer pl.Destroy()
	seen := map[uintptr]bool{}
	for i := 0; i < ChunkPages+1; i++ {
		p, ok := pl.Allocate()
		if !ok {
			t.Fatal("allocate")
		}
		if seen[p] {
			t.Fatal("duplicate frame")
		}
		seen[p] = true
		if p&uintptr(PGOFFSET) != 0 {
			t.Fatal("misaligned frame")
		}
	}
}

func TestPteBits(t *testing.T) {
	e := Pte_t(0x7f0000001000)&PAGE_TA | PAGE_HOST | PAGE_V | PAGE_U
	if e&PAGE_TA != 0x7f0000001000 {
		t.Fatal("ta field")
	}
	if e&PAGE_XD != 0 {
		t.Fatal("xd must be clear")
	}
	e |= PAGE_XD
	if e&PAGE_TA != 0x7f0000001000 {
		t.Fatal("xd must not disturb ta")
	}
}
