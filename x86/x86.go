// Package x86 adapts the external instruction decoder into the
// fixed-size decoded-instruction record the dispatcher and JIT consume.
// The heavy lifting of operand decoding is done by x86asm; this package
// derives the compact "rde" word whose bits the rest of the emulator
// dispatches on.
package x86

import (
	"golang.org/x/arch/x86/x86asm"
)

/// MaxInstructionLength is the architectural limit on x86 encodings.
const MaxInstructionLength = 15

// The rde word packs everything the dispatcher, flag analyzer, and JIT
// need to know about a decoded instruction without touching the full
// record. Layout:
//
//	bits  0-11  opcode (0x0XX one byte, 0x1XX 0F-escaped, 0x2XX 0F38)
//	bit   12    operand size prefix (0x66)
//	bit   13    REX.W
//	bit   14    REX.B
//	bit   15    REX.R
//	bit   16    any REX prefix
//	bits 17-19  ModRM reg field
//	bits 20-22  ModRM r/m field
//	bits 23-24  ModRM mod field
//	bits 25-26  rep prefix (2 = F2, 3 = F3)
//	bits 27-28  operand size log2
//	bits 29-32  instruction length
//	bit  33     has ModRM
const (
	rdeOszBit    = 1 << 12
	rdeRexwBit   = 1 << 13
	rdeRexbBit   = 1 << 14
	rdeRexrBit   = 1 << 15
	rdeRexBit    = 1 << 16
	rdeModrmBit  = 1 << 33
	rdeRegShift  = 17
	rdeRmShift   = 20
	rdeModShift  = 23
	rdeRepShift  = 25
	rdeLogShift  = 27
	rdeLenShift  = 29
)

/// Mopcode returns the 12-bit opcode of an rde word.
func Mopcode(rde uint64) int { return int(rde & 0xfff) }

/// Osz reports the 0x66 operand-size prefix.
func Osz(rde uint64) bool { return rde&rdeOszBit != 0 }

/// Rexw reports the REX.W prefix bit.
func Rexw(rde uint64) bool { return rde&rdeRexwBit != 0 }

/// Rexb reports the REX.B prefix bit.
func Rexb(rde uint64) bool { return rde&rdeRexbBit != 0 }

/// Rexr reports the REX.R prefix bit.
func Rexr(rde uint64) bool { return rde&rdeRexrBit != 0 }

/// Rex reports whether any REX prefix was present.
func Rex(rde uint64) bool { return rde&rdeRexBit != 0 }

/// ModrmReg returns the reg field of the ModRM byte.
func ModrmReg(rde uint64) int { return int(rde>>rdeRegShift) & 7 }

/// ModrmRm returns the r/m field of the ModRM byte.
func ModrmRm(rde uint64) int { return int(rde>>rdeRmShift) & 7 }

/// ModrmMod returns the mod field of the ModRM byte.
func ModrmMod(rde uint64) int { return int(rde>>rdeModShift) & 3 }

/// IsModrmRegister reports whether the r/m operand addresses a register.
func IsModrmRegister(rde uint64) bool {
	return rde&rdeModrmBit != 0 && ModrmMod(rde) == 3
}

/// Rep returns 2 for an F2 prefix, 3 for F3, and 0 otherwise.
func Rep(rde uint64) int { return int(rde>>rdeRepShift) & 3 }

/// RegLog2 returns log2 of the operand width in bytes.
func RegLog2(rde uint64) int { return int(rde>>rdeLogShift) & 3 }

/// Oplength returns the instruction's encoded length in bytes.
func Oplength(rde uint64) int { return int(rde>>rdeLenShift) & 15 }

// Byte register offsets into the register file, doubling as the REX vs
// non-REX aliasing map for ah/ch/dh/bh against spl/bpl/sil/dil. Index
// is rex<<4 | rexb<<3 | reg. This is an index table, not a semantic
// translation; the odd offsets select the high byte of the low word.
var KByteReg = [32]uint8{
	0o000, 0o010, 0o020, 0o030, 0o001, 0o011, 0o021, 0o031,
	0o000, 0o010, 0o020, 0o030, 0o001, 0o011, 0o021, 0o031,
	0o000, 0o010, 0o020, 0o030, 0o040, 0o050, 0o060, 0o070,
	0o100, 0o110, 0o120, 0o130, 0o140, 0o150, 0o160, 0o170,
}

/// Instruction_t is the fixed-size decoded-instruction record cached by
/// the machine's instruction cache.
type Instruction_t struct {
	Rde   uint64            /// packed dispatch word
	Disp  int64             /// branch or memory displacement
	Imm   int64             /// immediate operand
	Len   int               /// bytes consumed
	Op    x86asm.Op         /// mnemonic from the external decoder
	Args  x86asm.Args       /// operand records from the external decoder
	Bytes [MaxInstructionLength]uint8
}

// one-byte opcodes whose operand width is fixed at one byte. bit n of
// word n>>6 covers opcode n.
var byteOps = [4]uint64{
	0x1515151515151515, // alu byte forms of 0x00..0x3f
	0x0000500000000000, // insb outsb
	0x00ff555500000555, // 0x80.. test/xchg/mov, string byte ops, mov $ib
	0x4040505000050041, // bsu/mov/in/out/f6/fe byte forms
}

func isByteOp(op int) bool {
	if op > 0xff {
		return false
	}
	return byteOps[op>>6]&(1<<uint(op&63)) != 0
}

/// DecodeInstruction decodes up to MaxInstructionLength bytes from p.
/// It returns false when the bytes do not form a valid 64-bit mode
/// instruction; the caller raises an undefined-instruction fault.
func DecodeInstruction(p []uint8) (Instruction_t, bool) {
	var d Instruction_t
	inst, err := x86asm.Decode(p, 64)
	if err != nil || inst.Len == 0 {
		return d, false
	}
	d.Op = inst.Op
	d.Args = inst.Args
	d.Len = inst.Len
	copy(d.Bytes[:], p[:inst.Len])
	d.Rde = buildRde(p[:inst.Len])
	for _, a := range inst.Args {
		switch v := a.(type) {
		case x86asm.Rel:
			d.Disp = int64(v)
		case x86asm.Imm:
			d.Imm = int64(v)
		}
	}
	return d, true
}

// buildRde scans the raw encoding for prefixes, the opcode, and ModRM,
// packing them into the dispatch word. Operand decoding stays with the
// external decoder; this scan only recovers the bits blink-style
// dispatch keys on.
func buildRde(b []uint8) uint64 {
	var rde uint64
	i := 0
	for i < len(b) {
		c := b[i]
		switch {
		case c == 0x66:
			rde |= rdeOszBit
		case c == 0xf2:
			rde = rde&^(3<<rdeRepShift) | 2<<rdeRepShift
		case c == 0xf3:
			rde = rde&^(3<<rdeRepShift) | 3<<rdeRepShift
		case c == 0x67 || c == 0x2e || c == 0x36 || c == 0x3e ||
			c == 0x26 || c == 0x64 || c == 0x65 || c == 0xf0:
			// address size, segment, and lock prefixes don't
			// change the dispatch word
		case c >= 0x40 && c <= 0x4f:
			rde |= rdeRexBit
			if c&8 != 0 {
				rde |= rdeRexwBit
			}
			if c&4 != 0 {
				rde |= rdeRexrBit
			}
			if c&1 != 0 {
				rde |= rdeRexbBit
			}
		default:
			goto opcode
		}
		i++
	}
opcode:
	if i >= len(b) {
		return rde
	}
	op := int(b[i])
	i++
	if op == 0x0f && i < len(b) {
		if b[i] == 0x38 && i+1 < len(b) {
			op = 0x200 | int(b[i+1])
			i += 2
		} else {
			op = 0x100 | int(b[i])
			i++
		}
	}
	rde |= uint64(op)
	if hasModrm(op) && i < len(b) {
		m := b[i]
		rde |= rdeModrmBit
		rde |= uint64(m>>3&7) << rdeRegShift
		rde |= uint64(m&7) << rdeRmShift
		rde |= uint64(m>>6) << rdeModShift
	}
	log2 := 2
	if rde&rdeRexwBit != 0 {
		log2 = 3
	} else if rde&rdeOszBit != 0 {
		log2 = 1
	}
	if isByteOp(op) {
		log2 = 0
	}
	rde |= uint64(log2) << rdeLogShift
	rde |= uint64(len(b)) << rdeLenShift
	return rde
}

// hasModrm covers the opcode ranges the flag analyzer dispatches the
// ModRM reg field on; a miss just leaves those rde bits zero.
func hasModrm(op int) bool {
	switch {
	case op >= 0x00 && op <= 0x3f && op&7 <= 3:
		return true
	case op >= 0x62 && op <= 0x63:
		return true
	case op >= 0x69 && op <= 0x6b:
		return true
	case op >= 0x80 && op <= 0x8f:
		return true
	case op >= 0xc0 && op <= 0xc1:
		return true
	case op >= 0xc6 && op <= 0xc7:
		return true
	case op >= 0xd0 && op <= 0xd3:
		return true
	case op >= 0xd8 && op <= 0xdf:
		return true
	case op >= 0xf6 && op <= 0xf7:
		return true
	case op >= 0xfe && op <= 0xff:
		return true
	case op >= 0x100 && op <= 0x2ff:
		switch op & 0xff {
		case 0x05, 0x06, 0x07, 0x08, 0x09, 0x0b, 0x0e,
			0x30, 0x31, 0x32, 0x33, 0x34, 0x35, 0x77,
			0x80, 0x81, 0x82, 0x83, 0x84, 0x85, 0x86, 0x87,
			0x88, 0x89, 0x8a, 0x8b, 0x8c, 0x8d, 0x8e, 0x8f,
			0xa0, 0xa1, 0xa8, 0xa9, 0xaa:
			return false
		}
		return true
	}
	return false
}
