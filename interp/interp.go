// Package interp provides the reference micro-operation table: the
// integer subset of the guest ISA the driver and tests wire into the
// dispatcher. Exotic opcodes belong to richer semantic tables; a
// lookup miss here surfaces as an undefined-instruction fault, which
// is exactly what the dispatcher wants.
package interp

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/jart/goblink/bus"
	"github.com/jart/goblink/defs"
	"github.com/jart/goblink/flags"
	"github.com/jart/goblink/machine"
	"github.com/jart/goblink/util"
	"github.com/jart/goblink/x86"
)

type table_t struct{}

/// MkOpTable returns the reference semantic table.
func MkOpTable() machine.OpTable_i {
	return table_t{}
}

func (table_t) Lookup(d *x86.Instruction_t) (machine.OpInfo_t, bool) {
	switch d.Op {
	case x86asm.MOV:
		return machine.OpInfo_t{Fn: opMov, JitSafe: true}, true
	case x86asm.MOVZX:
		return machine.OpInfo_t{Fn: opMovzx, JitSafe: true}, true
	case x86asm.MOVSXD, x86asm.MOVSX:
		return machine.OpInfo_t{Fn: opMovsx, JitSafe: true}, true
	case x86asm.LEA:
		return machine.OpInfo_t{Fn: opLea, JitSafe: true}, true
	case x86asm.ADD:
		return machine.OpInfo_t{Fn: opAdd, JitSafe: true}, true
	case x86asm.ADC:
		return machine.OpInfo_t{Fn: opAdc, JitSafe: true}, true
	case x86asm.SUB:
		return machine.OpInfo_t{Fn: opSub, JitSafe: true}, true
	case x86asm.SBB:
		return machine.OpInfo_t{Fn: opSbb, JitSafe: true}, true
	case x86asm.CMP:
		return machine.OpInfo_t{Fn: opCmp, JitSafe: true}, true
	case x86asm.AND:
		return machine.OpInfo_t{Fn: opAnd, JitSafe: true}, true
	case x86asm.OR:
		return machine.OpInfo_t{Fn: opOr, JitSafe: true}, true
	case x86asm.XOR:
		return machine.OpInfo_t{Fn: opXor, JitSafe: true}, true
	case x86asm.TEST:
		return machine.OpInfo_t{Fn: opTest, JitSafe: true}, true
	case x86asm.INC:
		return machine.OpInfo_t{Fn: opInc, JitSafe: true}, true
	case x86asm.DEC:
		return machine.OpInfo_t{Fn: opDec, JitSafe: true}, true
	case x86asm.NEG:
		return machine.OpInfo_t{Fn: opNeg, JitSafe: true}, true
	case x86asm.NOT:
		return machine.OpInfo_t{Fn: opNot, JitSafe: true}, true
	case x86asm.SHL, x86asm.SHR, x86asm.SAR:
		return machine.OpInfo_t{Fn: opShift, JitSafe: true}, true
	case x86asm.PUSH:
		return machine.OpInfo_t{Fn: opPush, JitSafe: true}, true
	case x86asm.POP:
		return machine.OpInfo_t{Fn: opPop, JitSafe: true}, true
	case x86asm.JMP:
		return machine.OpInfo_t{Fn: opJmp, JitSafe: true}, true
	case x86asm.JE, x86asm.JNE, x86asm.JB, x86asm.JBE, x86asm.JA,
		x86asm.JAE, x86asm.JL, x86asm.JLE, x86asm.JG, x86asm.JGE,
		x86asm.JS, x86asm.JNS, x86asm.JO, x86asm.JNO, x86asm.JP,
		x86asm.JNP:
		return machine.OpInfo_t{Fn: opJcc, JitSafe: true}, true
	case x86asm.CALL:
		return machine.OpInfo_t{Fn: opCall, JitSafe: true}, true
	case x86asm.RET:
		return machine.OpInfo_t{Fn: opRet, JitSafe: true}, true
	case x86asm.DIV, x86asm.IDIV:
		return machine.OpInfo_t{Fn: opDiv, JitSafe: false}, true
	case x86asm.IMUL, x86asm.MUL:
		return machine.OpInfo_t{Fn: opMul, JitSafe: true}, true
	case x86asm.SYSCALL:
		return machine.OpInfo_t{Fn: opSyscall, JitSafe: false}, true
	case x86asm.HLT:
		return machine.OpInfo_t{Fn: opHlt, JitSafe: false}, true
	case x86asm.NOP, x86asm.PAUSE, x86asm.FWAIT:
		return machine.OpInfo_t{Fn: opNop, JitSafe: true}, true
	case x86asm.CLD:
		return machine.OpInfo_t{Fn: opCld, JitSafe: true}, true
	case x86asm.STD:
		return machine.OpInfo_t{Fn: opStd, JitSafe: true}, true
	case x86asm.PUSHF:
		return machine.OpInfo_t{Fn: opPushf, JitSafe: false}, true
	case x86asm.POPF:
		return machine.OpInfo_t{Fn: opPopf, JitSafe: false}, true
	case x86asm.UD2:
		return machine.OpInfo_t{Fn: opUd2, JitSafe: false}, true
	}
	return machine.OpInfo_t{}, false
}

func advance(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	m.Ip += int64(d.Len)
	return defs.HaltNone
}

// register enum -> (slot index, log2 width, high-byte flag)
func regSlot(r x86asm.Reg) (int, int, bool) {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return int(r - x86asm.RAX), 3, false
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return int(r - x86asm.EAX), 2, false
	case r >= x86asm.AX && r <= x86asm.R15W:
		return int(r - x86asm.AX), 1, false
	case r >= x86asm.AL && r <= x86asm.R15B:
		return int(r - x86asm.AL), 0, false
	case r >= x86asm.AH && r <= x86asm.BH:
		return int(r - x86asm.AH), 0, true
	}
	return -1, 0, false
}

func readReg(m *machine.Machine_t, r x86asm.Reg) uint64 {
	idx, log2, hi := regSlot(r)
	if idx < 0 {
		return 0
	}
	p := m.Reg(idx)
	switch log2 {
	case 3:
		return util.Read64(p)
	case 2:
		return uint64(util.Read32(p))
	case 1:
		return uint64(util.Read16(p))
	default:
		if hi {
			return uint64(p[1])
		}
		return uint64(p[0])
	}
}

func writeReg(m *machine.Machine_t, r x86asm.Reg, x uint64) {
	idx, log2, hi := regSlot(r)
	if idx < 0 {
		return
	}
	p := m.Reg(idx)
	switch log2 {
	case 3:
		util.Write64(p, x)
	case 2:
		util.Write64(p, x&0xffffffff)
	case 1:
		util.Write16(p, uint16(x))
	default:
		if hi {
			p[1] = uint8(x)
		} else {
			p[0] = uint8(x)
		}
	}
}

// ea computes the effective address; RIP-relative displacements count
// from the end of the instruction.
func ea(m *machine.Machine_t, d *x86.Instruction_t, a x86asm.Mem) int64 {
	v := a.Disp
	if a.Base == x86asm.RIP {
		v += m.Ip + int64(d.Len)
	} else if a.Base != 0 {
		v += int64(readReg(m, a.Base))
	}
	if a.Index != 0 {
		v += int64(readReg(m, a.Index)) * int64(a.Scale)
	}
	switch a.Segment {
	case x86asm.FS:
		v += m.FsBase
	case x86asm.GS:
		v += m.GsBase
	}
	return v
}

// operand width in log2 bytes, preferring the register operand
func width(d *x86.Instruction_t) int {
	for _, a := range d.Args {
		if r, ok := a.(x86asm.Reg); ok {
			if _, log2, _ := regSlot(r); log2 >= 0 {
				return log2
			}
		}
	}
	return x86.RegLog2(d.Rde)
}

func widthMask(log2 int) uint64 {
	switch log2 {
	case 3:
		return ^uint64(0)
	case 2:
		return 0xffffffff
	case 1:
		return 0xffff
	default:
		return 0xff
	}
}

func readArg(m *machine.Machine_t, d *x86.Instruction_t, a x86asm.Arg, log2 int) (uint64, defs.Halt_t) {
	switch v := a.(type) {
	case x86asm.Reg:
		return readReg(m, v), defs.HaltNone
	case x86asm.Imm:
		return uint64(v) & widthMask(log2), defs.HaltNone
	case x86asm.Mem:
		addr := ea(m, d, v)
		var buf [8]uint8
		p, err := m.View.Load(addr, 1<<uint(log2), buf[:])
		if err != 0 {
			return 0, defs.HaltSegFault
		}
		return uint64(bus.ReadMemoryBW(mkrde(log2), p)), defs.HaltNone
	}
	return 0, defs.HaltUndef
}

func writeArg(m *machine.Machine_t, d *x86.Instruction_t, a x86asm.Arg, log2 int, x uint64) defs.Halt_t {
	switch v := a.(type) {
	case x86asm.Reg:
		writeReg(m, v, x)
		return defs.HaltNone
	case x86asm.Mem:
		addr := ea(m, d, v)
		var buf [8]uint8
		var p2 [2][]uint8
		p, err := m.View.BeginStore(addr, 1<<uint(log2), &p2, buf[:])
		if err != 0 {
			return defs.HaltSegFault
		}
		bus.WriteMemoryBW(mkrde(log2), p, x)
		m.View.EndStore(addr, 1<<uint(log2), &p2, buf[:])
		return defs.HaltNone
	}
	return defs.HaltUndef
}

// a synthetic rde carrying only the width bits the bus helpers key on
func mkrde(log2 int) uint64 {
	return uint64(log2) << 27
}

// flag arithmetic

func signBit(log2 int) uint64 {
	return uint64(1) << uint((8<<uint(log2))-1)
}

func setResultFlags(m *machine.Machine_t, res uint64, log2 int) {
	f := m.Flags
	f = flags.SetFlag(f, flags.FLAGS_ZF, res&widthMask(log2) == 0)
	f = flags.SetFlag(f, flags.FLAGS_SF, res&signBit(log2) != 0)
	m.Flags = flags.SetLazyParityByte(f, uint8(res))
}

func setAddFlags(m *machine.Machine_t, x, y, res uint64, log2 int) {
	mask := widthMask(log2)
	sign := signBit(log2)
	f := m.Flags
	f = flags.SetFlag(f, flags.FLAGS_CF, res&mask < x&mask || res&mask < y&mask)
	f = flags.SetFlag(f, flags.FLAGS_OF,
		(x^res)&(y^res)&sign != 0)
	f = flags.SetFlag(f, flags.FLAGS_AF, (x^y^res)&0x10 != 0)
	m.Flags = f
	setResultFlags(m, res, log2)
}

func setSubFlags(m *machine.Machine_t, x, y, res uint64, log2 int) {
	mask := widthMask(log2)
	sign := signBit(log2)
	f := m.Flags
	f = flags.SetFlag(f, flags.FLAGS_CF, x&mask < y&mask)
	f = flags.SetFlag(f, flags.FLAGS_OF,
		(x^y)&(x^res)&sign != 0)
	f = flags.SetFlag(f, flags.FLAGS_AF, (x^y^res)&0x10 != 0)
	m.Flags = f
	setResultFlags(m, res, log2)
}

func setLogicFlags(m *machine.Machine_t, res uint64, log2 int) {
	f := m.Flags
	f = flags.SetFlag(f, flags.FLAGS_CF, false)
	f = flags.SetFlag(f, flags.FLAGS_OF, false)
	m.Flags = f
	setResultFlags(m, res, log2)
}

// micro-ops

func opNop(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	return advance(m, d)
}

func opHlt(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	return defs.HaltHalt
}

func opUd2(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	return defs.HaltUndef
}

func opCld(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	m.Flags = flags.SetFlag(m.Flags, flags.FLAGS_DF, false)
	return advance(m, d)
}

func opStd(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	m.Flags = flags.SetFlag(m.Flags, flags.FLAGS_DF, true)
	return advance(m, d)
}

func opMov(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	log2 := width(d)
	x, halt := readArg(m, d, d.Args[1], log2)
	if halt != defs.HaltNone {
		return halt
	}
	if halt = writeArg(m, d, d.Args[0], log2, x); halt != defs.HaltNone {
		return halt
	}
	return advance(m, d)
}

func opMovzx(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	srcLog2 := x86.RegLog2(d.Rde)
	if r, ok := d.Args[1].(x86asm.Reg); ok {
		if _, l, _ := regSlot(r); l >= 0 {
			srcLog2 = l
		}
	}
	x, halt := readArg(m, d, d.Args[1], srcLog2)
	if halt != defs.HaltNone {
		return halt
	}
	dstLog2 := 3
	if r, ok := d.Args[0].(x86asm.Reg); ok {
		_, dstLog2, _ = regSlot(r)
	}
	if halt = writeArg(m, d, d.Args[0], dstLog2, x); halt != defs.HaltNone {
		return halt
	}
	return advance(m, d)
}

func opMovsx(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	srcLog2 := 2
	if r, ok := d.Args[1].(x86asm.Reg); ok {
		if _, l, _ := regSlot(r); l >= 0 {
			srcLog2 = l
		}
	}
	x, halt := readArg(m, d, d.Args[1], srcLog2)
	if halt != defs.HaltNone {
		return halt
	}
	shift := 64 - (8 << uint(srcLog2))
	sx := uint64(int64(x<<uint(shift)) >> uint(shift))
	dstLog2 := 3
	if r, ok := d.Args[0].(x86asm.Reg); ok {
		_, dstLog2, _ = regSlot(r)
	}
	if halt = writeArg(m, d, d.Args[0], dstLog2, sx); halt != defs.HaltNone {
		return halt
	}
	return advance(m, d)
}

func opLea(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	mref, ok := d.Args[1].(x86asm.Mem)
	if !ok {
		return defs.HaltUndef
	}
	addr := ea(m, d, mref)
	log2 := width(d)
	if halt := writeArg(m, d, d.Args[0], log2, uint64(addr)); halt != defs.HaltNone {
		return halt
	}
	return advance(m, d)
}

type aluFn func(m *machine.Machine_t, x, y uint64, log2 int) uint64

func alu(m *machine.Machine_t, d *x86.Instruction_t, fn aluFn, writeback bool) defs.Halt_t {
	log2 := width(d)
	x, halt := readArg(m, d, d.Args[0], log2)
	if halt != defs.HaltNone {
		return halt
	}
	y, halt := readArg(m, d, d.Args[1], log2)
	if halt != defs.HaltNone {
		return halt
	}
	res := fn(m, x, y, log2) & widthMask(log2)
	if writeback {
		if halt = writeArg(m, d, d.Args[0], log2, res); halt != defs.HaltNone {
			return halt
		}
	}
	return advance(m, d)
}

func opAdd(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	return alu(m, d, func(m *machine.Machine_t, x, y uint64, log2 int) uint64 {
		res := x + y
		setAddFlags(m, x, y, res&widthMask(log2), log2)
		return res
	}, true)
}

func opAdc(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	return alu(m, d, func(m *machine.Machine_t, x, y uint64, log2 int) uint64 {
		var c uint64
		if flags.GetFlag(m.Flags, flags.FLAGS_CF) {
			c = 1
		}
		res := x + y + c
		setAddFlags(m, x, y+c, res&widthMask(log2), log2)
		return res
	}, true)
}

func opSub(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	return alu(m, d, func(m *machine.Machine_t, x, y uint64, log2 int) uint64 {
		res := x - y
		setSubFlags(m, x, y, res&widthMask(log2), log2)
		return res
	}, true)
}

func opSbb(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	return alu(m, d, func(m *machine.Machine_t, x, y uint64, log2 int) uint64 {
		var c uint64
		if flags.GetFlag(m.Flags, flags.FLAGS_CF) {
			c = 1
		}
		res := x - y - c
		setSubFlags(m, x, y+c, res&widthMask(log2), log2)
		return res
	}, true)
}

func opCmp(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	return alu(m, d, func(m *machine.Machine_t, x, y uint64, log2 int) uint64 {
		res := x - y
		setSubFlags(m, x, y, res&widthMask(log2), log2)
		return x
	}, false)
}

func opAnd(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	return alu(m, d, func(m *machine.Machine_t, x, y uint64, log2 int) uint64 {
		res := x & y
		setLogicFlags(m, res, log2)
		return res
	}, true)
}

func opOr(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	return alu(m, d, func(m *machine.Machine_t, x, y uint64, log2 int) uint64 {
		res := x | y
		setLogicFlags(m, res, log2)
		return res
	}, true)
}

func opXor(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	return alu(m, d, func(m *machine.Machine_t, x, y uint64, log2 int) uint64 {
		res := x ^ y
		setLogicFlags(m, res, log2)
		return res
	}, true)
}

func opTest(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	return alu(m, d, func(m *machine.Machine_t, x, y uint64, log2 int) uint64 {
		setLogicFlags(m, x&y, log2)
		return x
	}, false)
}

func opInc(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	log2 := width(d)
	x, halt := readArg(m, d, d.Args[0], log2)
	if halt != defs.HaltNone {
		return halt
	}
	res := (x + 1) & widthMask(log2)
	cf := flags.GetFlag(m.Flags, flags.FLAGS_CF)
	setAddFlags(m, x, 1, res, log2)
	m.Flags = flags.SetFlag(m.Flags, flags.FLAGS_CF, cf) // inc spares CF
	if halt = writeArg(m, d, d.Args[0], log2, res); halt != defs.HaltNone {
		return halt
	}
	return advance(m, d)
}

func opDec(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	log2 := width(d)
	x, halt := readArg(m, d, d.Args[0], log2)
	if halt != defs.HaltNone {
		return halt
	}
	res := (x - 1) & widthMask(log2)
	cf := flags.GetFlag(m.Flags, flags.FLAGS_CF)
	setSubFlags(m, x, 1, res, log2)
	m.Flags = flags.SetFlag(m.Flags, flags.FLAGS_CF, cf) // dec spares CF
	if halt = writeArg(m, d, d.Args[0], log2, res); halt != defs.HaltNone {
		return halt
	}
	return advance(m, d)
}

func opNeg(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	log2 := width(d)
	x, halt := readArg(m, d, d.Args[0], log2)
	if halt != defs.HaltNone {
		return halt
	}
	res := (-x) & widthMask(log2)
	setSubFlags(m, 0, x, res, log2)
	if halt = writeArg(m, d, d.Args[0], log2, res); halt != defs.HaltNone {
		return halt
	}
	return advance(m, d)
}

func opNot(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	log2 := width(d)
	x, halt := readArg(m, d, d.Args[0], log2)
	if halt != defs.HaltNone {
		return halt
	}
	if halt = writeArg(m, d, d.Args[0], log2, ^x&widthMask(log2)); halt != defs.HaltNone {
		return halt
	}
	return advance(m, d)
}

func opShift(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	log2 := width(d)
	x, halt := readArg(m, d, d.Args[0], log2)
	if halt != defs.HaltNone {
		return halt
	}
	y, halt := readArg(m, d, d.Args[1], 0)
	if halt != defs.HaltNone {
		return halt
	}
	count := y & 63
	if log2 < 3 {
		count = y & 31
	}
	var res uint64
	switch d.Op {
	case x86asm.SHL:
		res = x << count
	case x86asm.SHR:
		res = (x & widthMask(log2)) >> count
	default: // SAR
		shift := 64 - (8 << uint(log2))
		res = uint64(int64(x<<uint(shift)) >> uint(shift) >> count)
	}
	res &= widthMask(log2)
	if count != 0 {
		setResultFlags(m, res, log2)
	}
	if halt = writeArg(m, d, d.Args[0], log2, res); halt != defs.HaltNone {
		return halt
	}
	return advance(m, d)
}

func opMul(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	// two and three operand imul forms only; the widening one
	// operand forms belong to a richer table
	if len(d.Args) < 2 || d.Args[1] == nil {
		return defs.HaltUndef
	}
	log2 := width(d)
	x, halt := readArg(m, d, d.Args[0], log2)
	if halt != defs.HaltNone {
		return halt
	}
	y, halt := readArg(m, d, d.Args[1], log2)
	if halt != defs.HaltNone {
		return halt
	}
	res := x * y
	if d.Args[2] != nil {
		imm, halt := readArg(m, d, d.Args[2], log2)
		if halt != defs.HaltNone {
			return halt
		}
		y2, _ := readArg(m, d, d.Args[1], log2)
		res = y2 * imm
	}
	res &= widthMask(log2)
	setResultFlags(m, res, log2)
	if halt = writeArg(m, d, d.Args[0], log2, res); halt != defs.HaltNone {
		return halt
	}
	return advance(m, d)
}

func opDiv(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	log2 := width(d)
	y, halt := readArg(m, d, d.Args[0], log2)
	if halt != defs.HaltNone {
		return halt
	}
	if y&widthMask(log2) == 0 {
		return defs.HaltDivByZero
	}
	// narrow form: quotient of rax only, remainder to rdx
	x := util.Read64(m.Reg(machine.RegRax))
	var q, r uint64
	if d.Op == x86asm.DIV {
		q = x / y
		r = x % y
	} else {
		sx, sy := int64(x), int64(y)
		q = uint64(sx / sy)
		r = uint64(sx % sy)
	}
	util.Write64(m.Reg(machine.RegRax), q)
	util.Write64(m.Reg(machine.RegRdx), r)
	return advance(m, d)
}

func opPush(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	x, halt := readArg(m, d, d.Args[0], 3)
	if halt != defs.HaltNone {
		return halt
	}
	sp := int64(util.Read64(m.Reg(machine.RegRsp))) - 8
	var b [8]uint8
	util.Write64(b[:], x)
	if err := m.View.CopyToUserWrite(sp, b[:]); err != 0 {
		m.View.Faultaddr = sp
		return defs.HaltSegFault
	}
	util.Write64(m.Reg(machine.RegRsp), uint64(sp))
	return advance(m, d)
}

func opPop(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	sp := int64(util.Read64(m.Reg(machine.RegRsp)))
	var b [8]uint8
	if err := m.View.CopyFromUserRead(b[:], sp); err != 0 {
		m.View.Faultaddr = sp
		return defs.HaltSegFault
	}
	util.Write64(m.Reg(machine.RegRsp), uint64(sp+8))
	if halt := writeArg(m, d, d.Args[0], 3, util.Read64(b[:])); halt != defs.HaltNone {
		return halt
	}
	return advance(m, d)
}

func opJmp(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	switch v := d.Args[0].(type) {
	case x86asm.Rel:
		m.Ip += int64(d.Len) + int64(v)
	case x86asm.Reg:
		m.Ip = int64(readReg(m, v))
	case x86asm.Mem:
		x, halt := readArg(m, d, v, 3)
		if halt != defs.HaltNone {
			return halt
		}
		m.Ip = int64(x)
	default:
		return defs.HaltUndef
	}
	return defs.HaltNone
}

func condTaken(m *machine.Machine_t, op x86asm.Op) bool {
	cf := flags.GetFlag(m.Flags, flags.FLAGS_CF)
	zf := flags.GetFlag(m.Flags, flags.FLAGS_ZF)
	sf := flags.GetFlag(m.Flags, flags.FLAGS_SF)
	of := flags.GetFlag(m.Flags, flags.FLAGS_OF)
	switch op {
	case x86asm.JE:
		return zf
	case x86asm.JNE:
		return !zf
	case x86asm.JB:
		return cf
	case x86asm.JAE:
		return !cf
	case x86asm.JBE:
		return cf || zf
	case x86asm.JA:
		return !cf && !zf
	case x86asm.JL:
		return sf != of
	case x86asm.JGE:
		return sf == of
	case x86asm.JLE:
		return zf || sf != of
	case x86asm.JG:
		return !zf && sf == of
	case x86asm.JS:
		return sf
	case x86asm.JNS:
		return !sf
	case x86asm.JO:
		return of
	case x86asm.JNO:
		return !of
	case x86asm.JP:
		return flags.GetLazyParityBool(m.Flags)
	case x86asm.JNP:
		return !flags.GetLazyParityBool(m.Flags)
	}
	return false
}

func opJcc(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	rel, ok := d.Args[0].(x86asm.Rel)
	if !ok {
		return defs.HaltUndef
	}
	m.Ip += int64(d.Len)
	if condTaken(m, d.Op) {
		m.Ip += int64(rel)
	}
	return defs.HaltNone
}

func opCall(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	next := m.Ip + int64(d.Len)
	var target int64
	switch v := d.Args[0].(type) {
	case x86asm.Rel:
		target = next + int64(v)
	case x86asm.Reg:
		target = int64(readReg(m, v))
	case x86asm.Mem:
		x, halt := readArg(m, d, v, 3)
		if halt != defs.HaltNone {
			return halt
		}
		target = int64(x)
	default:
		return defs.HaltUndef
	}
	sp := int64(util.Read64(m.Reg(machine.RegRsp))) - 8
	var b [8]uint8
	util.Write64(b[:], uint64(next))
	if err := m.View.CopyToUserWrite(sp, b[:]); err != 0 {
		m.View.Faultaddr = sp
		return defs.HaltSegFault
	}
	util.Write64(m.Reg(machine.RegRsp), uint64(sp))
	m.Ip = target
	return defs.HaltNone
}

func opRet(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	sp := int64(util.Read64(m.Reg(machine.RegRsp)))
	var b [8]uint8
	if err := m.View.CopyFromUserRead(b[:], sp); err != 0 {
		m.View.Faultaddr = sp
		return defs.HaltSegFault
	}
	util.Write64(m.Reg(machine.RegRsp), uint64(sp+8))
	m.Ip = int64(util.Read64(b[:]))
	return defs.HaltNone
}

func opPushf(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	sp := int64(util.Read64(m.Reg(machine.RegRsp))) - 8
	var b [8]uint8
	util.Write64(b[:], flags.ExportFlags(m.Flags)&0x3fffff)
	if err := m.View.CopyToUserWrite(sp, b[:]); err != 0 {
		return defs.HaltSegFault
	}
	util.Write64(m.Reg(machine.RegRsp), uint64(sp))
	return advance(m, d)
}

func opPopf(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	sp := int64(util.Read64(m.Reg(machine.RegRsp)))
	var b [8]uint8
	if err := m.View.CopyFromUserRead(b[:], sp); err != 0 {
		return defs.HaltSegFault
	}
	util.Write64(m.Reg(machine.RegRsp), uint64(sp+8))
	m.Flags = flags.ImportFlags(m.Flags, util.Read64(b[:]))
	return advance(m, d)
}

func opSyscall(m *machine.Machine_t, d *x86.Instruction_t) defs.Halt_t {
	m.Ip += int64(d.Len)
	nr := util.Read64(m.Reg(machine.RegRax))
	if m.System.Syscalls == nil {
		enosys := int64(defs.ENOSYS)
		util.Write64(m.Reg(machine.RegRax), uint64(-enosys))
		return defs.HaltNone
	}
	res := m.System.Syscalls.Dispatch(m, nr)
	util.Write64(m.Reg(machine.RegRax), res)
	if m.Killed() {
		return defs.HaltExitThread
	}
	return defs.HaltNone
}
