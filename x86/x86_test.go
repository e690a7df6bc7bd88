package x86

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

func decode(t *testing.T, b []uint8) Instruction_t {
	t.Helper()
	d, ok := DecodeInstruction(b)
	if !ok {
		t.Fatalf("decode failed for % x", b)
	}
	return d
}

func TestDecodeMovImm(t *testing.T) {
	// mov $0x12345678,%eax
	d := decode(t, []uint8{0xb8, 0x78, 0x56, 0x34, 0x12})
	if d.Op != x86asm.MOV || d.Len != 5 {
		t.Fatalf("op=%v len=%d", d.Op, d.Len)
	}
	if Rexw(d.Rde) || Osz(d.Rde) {
		t.Fatal("no prefixes expected")
	}
	if Oplength(d.Rde) != 5 {
		t.Fatal("oplength")
	}
	if RegLog2(d.Rde) != 2 {
		t.Fatal("32-bit width expected")
	}
}

func TestDecodeRexw(t *testing.T) {
	// add %rsi,%rdi
	d := decode(t, []uint8{0x48, 0x01, 0xf7})
	if !Rexw(d.Rde) {
		t.Fatal("rexw")
	}
	if Mopcode(d.Rde) != 0x01 {
		t.Fatalf("mopcode %#x", Mopcode(d.Rde))
	}
	if !IsModrmRegister(d.Rde) {
		t.Fatal("register form")
	}
	if ModrmReg(d.Rde) != 6 || ModrmRm(d.Rde) != 7 {
		t.Fatalf("modrm reg=%d rm=%d", ModrmReg(d.Rde), ModrmRm(d.Rde))
	}
	if RegLog2(d.Rde) != 3 {
		t.Fatal("64-bit width")
	}
}

func TestDecodeOsz(t *testing.T) {
	// mov %ax,%bx
	d := decode(t, []uint8{0x66, 0x89, 0xc3})
	if !Osz(d.Rde) || Rexw(d.Rde) {
		t.Fatal("osz")
	}
	if RegLog2(d.Rde) != 1 {
		t.Fatal("16-bit width")
	}
}

func TestDecodeTwoByte(t *testing.T) {
	// jne +5
	d := decode(t, []uint8{0x0f, 0x85, 0x05, 0x00, 0x00, 0x00})
	if Mopcode(d.Rde) != 0x185 {
		t.Fatalf("mopcode %#x", Mopcode(d.Rde))
	}
	if d.Disp != 5 {
		t.Fatalf("disp %d", d.Disp)
	}
}

func TestDecodeByteOp(t *testing.T) {
	// add %al,%bl
	d := decode(t, []uint8{0x00, 0xc3})
	if RegLog2(d.Rde) != 0 {
		t.Fatal("byte width")
	}
}

func TestDecodeRepPrefix(t *testing.T) {
	// repz scasb... f3 ae
	d := decode(t, []uint8{0xf3, 0xae})
	if Rep(d.Rde) != 3 {
		t.Fatalf("rep %d", Rep(d.Rde))
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, ok := DecodeInstruction([]uint8{0x0f, 0x04}); ok {
		t.Fatal("garbage must not decode")
	}
}

func TestByteRegTable(t *testing.T) {
	// without rex: ah/ch/dh/bh alias the high byte of a/c/d/b
	cases := []struct {
		idx  int
		want uint8
	}{
		{0, 0o000},  // al
		{4, 0o001},  // ah -> rax high byte
		{7, 0o031},  // bh -> rbx high byte
		{16, 0o000}, // rex: al -> spl range uses flat offsets
		{20, 0o040}, // rex: spl
		{24, 0o100}, // rex+rexb: r8b
		{31, 0o170}, // rex+rexb: r15b
	}
	for _, c := range cases {
		if KByteReg[c.idx] != c.want {
			t.Errorf("kByteReg[%d] = %#o, want %#o", c.idx, KByteReg[c.idx], c.want)
		}
	}
}
