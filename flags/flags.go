// Package flags implements lazy CPU-flag materialization and the
// cross-instruction flag liveness analysis the interpreter and JIT use
// to skip computing dead flags.
package flags

import (
	"github.com/jart/goblink/x86"
)

/// EFLAGS bit positions.
const (
	FLAGS_CF   = 0
	FLAGS_F1   = 1 // reserved, always one
	FLAGS_PF   = 2
	FLAGS_F0   = 3 // reserved, always zero
	FLAGS_AF   = 4
	FLAGS_ZF   = 6
	FLAGS_SF   = 7
	FLAGS_TF   = 8
	FLAGS_IF   = 9
	FLAGS_DF   = 10
	FLAGS_OF   = 11
	FLAGS_IOPL = 12
	FLAGS_NT   = 14
	FLAGS_RF   = 16
	FLAGS_VM   = 17
	FLAGS_AC   = 18
	FLAGS_ID   = 21
)

/// Flag masks for liveness sets.
const (
	CF = 1 << FLAGS_CF
	PF = 1 << FLAGS_PF
	AF = 1 << FLAGS_AF
	ZF = 1 << FLAGS_ZF
	SF = 1 << FLAGS_SF
	OF = 1 << FLAGS_OF
)

// the lazy parity byte lives in the reserved high bits of the flags
// word; parity is derived from it on demand
const lazyParityShift = 24

/// SetFlag sets or clears a single flag bit.
func SetFlag(flags uint64, bit int, on bool) uint64 {
	if on {
		return flags | 1<<uint(bit)
	}
	return flags &^ (1 << uint(bit))
}

/// GetFlag reads a single flag bit.
func GetFlag(flags uint64, bit int) bool {
	return flags>>uint(bit)&1 != 0
}

/// GetParity returns the x86 parity of b: true when the count of set
/// bits is even.
func GetParity(b uint8) bool {
	b ^= b >> 4
	b ^= b >> 2
	b ^= b >> 1
	return ^b&1 != 0
}

/// SetLazyParityByte stores the byte PF will later be derived from.
func SetLazyParityByte(flags uint64, b uint8) uint64 {
	return flags&^(0xff<<lazyParityShift) | uint64(b)<<lazyParityShift
}

/// GetLazyParityBool materializes PF from the lazy byte.
func GetLazyParityBool(flags uint64) bool {
	return GetParity(uint8(flags >> lazyParityShift))
}

/// ImportFlags applies a guest-supplied EFLAGS word, e.g. from POPF,
/// scrubbing the reserved bits and reseeding the lazy parity byte.
func ImportFlags(flags, x uint64) uint64 {
	var mask uint64
	mask |= 1 << FLAGS_CF
	mask |= 1 << FLAGS_PF
	mask |= 1 << FLAGS_AF
	mask |= 1 << FLAGS_ZF
	mask |= 1 << FLAGS_SF
	mask |= 1 << FLAGS_TF
	mask |= 1 << FLAGS_IF
	mask |= 1 << FLAGS_DF
	mask |= 1 << FLAGS_OF
	mask |= 1 << FLAGS_NT
	mask |= 1 << FLAGS_AC
	mask |= 1 << FLAGS_ID
	flags = x&mask | flags&^mask
	flags = SetFlag(flags, FLAGS_RF, false)
	var seed uint8
	if flags>>FLAGS_PF&1 == 0 {
		seed = 1
	}
	return SetLazyParityByte(flags, seed)
}

/// ExportFlags materializes the lazy bits into the canonical EFLAGS
/// layout for PUSHF and signal frames.
func ExportFlags(flags uint64) uint64 {
	flags |= 3 << FLAGS_IOPL
	flags = SetFlag(flags, FLAGS_F1, true)
	flags = SetFlag(flags, FLAGS_F0, false)
	flags &^= 1 << FLAGS_PF
	if GetLazyParityBool(flags) {
		flags |= 1 << FLAGS_PF
	}
	return flags
}

/// Fetcher_i decodes the instruction at a guest pc for the liveness
/// crawler. Implemented by the machine's instruction loader.
type Fetcher_i interface {
	Peek(pc int64) (x86.Instruction_t, bool)
}

func isJump(rde uint64) bool {
	op := x86.Mopcode(rde)
	return op == 0x0E9 || // jmp  Jvds
		op == 0x0EB || // jmp  Jbs
		op == 0x0E8 // call Jvds
}

func isConditionalJump(rde uint64) bool {
	op := x86.Mopcode(rde)
	return (0x070 <= op && op <= 0x07F) || // Jcc Jbs
		(0x180 <= op && op <= 0x18F) // Jcc Jvds
}

// abnormal ops end the crawl: control leaves through a register, a
// gate, or the kernel, and the flag state beyond is unknowable.
func isAbnormal(rde uint64) bool {
	switch op := x86.Mopcode(rde); op {
	case 0x0C2, 0x0C3, 0x0CA, 0x0CB, // ret
		0x0CC, 0x0CD, 0x0CE, 0x0CF, // int
		0x0F4,        // hlt
		0x105, 0x107: // syscall sysret
		return true
	case 0x0FF:
		switch x86.ModrmReg(rde) {
		case 2, 3, 4, 5: // call jmp via r/m
			return true
		}
	}
	return false
}

const defaultLook = 16

/// GetNeededFlags walks forward up to 16 instructions from pc and
/// returns the subset of myflags read before being clobbered, or -1
/// when the answer can't be proven.
func GetNeededFlags(f Fetcher_i, pc int64, myflags int) int {
	return crawlFlags(f, pc, myflags, defaultLook, 0)
}

func crawlFlags(f Fetcher_i, pc int64, myflags, look, depth int) int {
	need := 0
	for {
		d, ok := f.Peek(pc)
		if !ok {
			return -1
		}
		pc += int64(x86.Oplength(d.Rde))
		need |= GetFlagDeps(d.Rde) & myflags
		myflags &^= GetFlagClobbers(d.Rde)
		if myflags == 0 {
			return need
		}
		look--
		if look == 0 {
			return -1
		}
		if isJump(d.Rde) {
			pc += d.Disp
		} else if isConditionalJump(d.Rde) {
			sub := crawlFlags(f, pc+d.Disp, myflags, look, depth+1)
			if sub == -1 {
				return -1
			}
			need |= sub
		} else if isAbnormal(d.Rde) {
			return -1
		}
	}
}

/// GetFlagClobbers returns the flags an operation sets or leaves
/// undefined.
func GetFlagClobbers(rde uint64) int {
	switch x86.Mopcode(rde) {
	default:
		return 0
	case 0x000, 0x001, 0x002, 0x003, 0x004, 0x005, // add
		0x008, 0x009, 0x00A, 0x00B, 0x00C, 0x00D, // or
		0x010, 0x011, 0x012, 0x013, 0x014, 0x015, // adc
		0x018, 0x019, 0x01A, 0x01B, 0x01C, 0x01D, // sbb
		0x020, 0x021, 0x022, 0x023, 0x024, 0x025, // and
		0x028, 0x029, 0x02A, 0x02B, 0x02C, 0x02D, // sub
		0x030, 0x031, 0x032, 0x033, 0x034, 0x035, // xor
		0x038, 0x039, 0x03A, 0x03B, 0x03C, 0x03D, // cmp
		0x080, 0x081, 0x082, 0x083, // alu imm
		0x084, 0x085, // test
		0x0A6, 0x0A7, // cmps
		0x0A8, 0x0A9, // test a,i
		0x0AE, 0x0AF, // scas
		0x069, 0x06B, 0x1AF, // imul
		0x12E, 0x12F, // comisd
		0x1A4, 0x1A5, 0x1AC, 0x1AD, // shld shrd
		0x1B0, 0x1B1, // cmpxchg
		0x1BC, 0x1BD, // bsf bsr
		0x1C0, 0x1C1, // xadd
		0x02F, 0x037, 0x03F, 0x0D5: // das aaa aas aad
		return CF | ZF | SF | OF | AF | PF
	case 0x0C0, 0x0C1, 0x0D0, 0x0D1, 0x0D2, 0x0D3: // bsu
		switch x86.ModrmReg(rde) {
		case 0, 1, 2, 3: // rol ror rcl rcr
			return OF | CF
		default: // shl shr sal sar
			return CF | ZF | SF | OF | AF | PF
		}
	case 0x0DB, 0x0DF: // fpu
		if r := x86.ModrmReg(rde); r == 5 || r == 6 {
			return OF | SF | AF
		}
		return 0
	case 0x0F5, 0x0F8, 0x0F9: // cmc clc stc
		return CF
	case 0x0F6, 0x0F7:
		switch x86.ModrmReg(rde) {
		case 2: // not
			return 0
		default: // test neg mul imul div idiv
			return CF | ZF | SF | OF | AF | PF
		}
	case 0x0FE, 0x0FF:
		switch x86.ModrmReg(rde) {
		case 0, 1: // inc dec
			return ZF | SF | OF | AF | PF
		default: // call, callf, jmp, jmpf, push
			return 0
		}
	case 0x1A3, 0x1AB, 0x1B3, 0x1BA, 0x1BB: // bit ops
		return CF | SF | OF | AF | PF
	case 0x09E: // sahf
		return CF | ZF | SF | AF | PF
	case 0x09D: // popf
		return 0x00ffffff
	case 0x2f5:
		if x86.Rep(rde) != 0 {
			return 0 // pdep, pext
		} else if !x86.Osz(rde) {
			return CF | ZF | SF | OF | AF | PF // bzhi
		}
		return 0
	case 0x2f6:
		if x86.Osz(rde) {
			return CF // adcx
		} else if x86.Rep(rde) == 3 {
			return OF // adox
		}
		return 0
	}
}

func getFlagDepsImpl(rde uint64) int {
	switch x86.Mopcode(rde) {
	default:
		return 0
	case 0x010, 0x011, 0x012, 0x013, 0x014, 0x015, // adc
		0x018, 0x019, 0x01A, 0x01B, 0x01C, 0x01D, // sbb
		0x072, 0x073, 0x182, 0x183, // jb jae
		0x192, 0x193, // setb setae
		0x0D6, 0x0F5: // salc cmc
		return CF
	case 0x070, 0x071, 0x140, 0x141, 0x180, 0x181,
		0x190, 0x191, 0x0CE: // o/no conditions, into
		return OF
	case 0x074, 0x075, 0x144, 0x145, 0x184, 0x185,
		0x194, 0x195, 0x0E0, 0x0E1: // e/ne conditions, loopcc
		return ZF
	case 0x076, 0x077, 0x146, 0x147, 0x186, 0x187,
		0x196, 0x197: // be/a conditions
		return CF | ZF
	case 0x078, 0x079, 0x148, 0x149, 0x188, 0x189,
		0x198, 0x199: // s/ns conditions
		return SF
	case 0x07A, 0x07B, 0x14A, 0x14B, 0x18A, 0x18B,
		0x19A, 0x19B: // p/np conditions
		return PF
	case 0x07C, 0x07D, 0x14C, 0x14D, 0x18C, 0x18D,
		0x19C, 0x19D: // l/ge conditions
		return OF | SF
	case 0x07E, 0x07F, 0x14E, 0x14F, 0x18E, 0x18F,
		0x19E, 0x19F: // le/g conditions
		return OF | SF | ZF
	case 0x080, 0x081, 0x082, 0x083,
		0x0C0, 0x0C1, 0x0D0, 0x0D1, 0x0D2, 0x0D3:
		switch x86.ModrmReg(rde) {
		case 2, 3: // adc sbb, rcl rcr
			return CF
		default:
			return 0
		}
	case 0x0DA, 0x0DB: // fpu
		switch x86.ModrmReg(rde) {
		case 0: // fcmovb
			return CF
		case 1, 2: // fcmove fcmovbe
			return ZF
		case 3: // fcmovu
			return PF
		default:
			return 0
		}
	case 0x09F: // lahf
		return CF | ZF | SF | AF | PF
	case 0x02F, 0x037: // das aaa
		return CF | AF
	case 0x09C: // pushf
		return 0x00ffffff
	case 0x2f6:
		if x86.Osz(rde) {
			return CF // adcx
		} else if x86.Rep(rde) == 3 {
			return OF // adox
		}
		return 0
	}
}

/// GetFlagDeps returns the flags an operation reads.
func GetFlagDeps(rde uint64) int {
	deps := getFlagDepsImpl(rde)
	if x86.Rep(rde) >= 2 {
		deps |= ZF
	}
	return deps
}
