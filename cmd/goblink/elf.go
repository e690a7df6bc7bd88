package main

import (
	"debug/elf"
	"fmt"
	"sort"

	"github.com/jart/goblink/defs"
	"github.com/jart/goblink/machine"
	"github.com/jart/goblink/mem"
	"github.com/jart/goblink/util"
)

// base address given to position independent executables
const dynBase = 0x400000000000 - 0x400000000000%0x10000

type elfsym_t struct {
	addr int64
	size int64
	name string
}

type loaded_t struct {
	entry int64
	phdr  int64
	phent int64
	phnum int64
	base  int64
	path  string
	syms  []elfsym_t
}

// loadElf maps a static ET_EXEC or ET_DYN image into the guest address
// space. Interpreted (dynamically linked) programs are not handled by
// this driver.
func loadElf(m *machine.Machine_t, path string) (*loaded_t, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB ||
		f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("not a 64-bit little-endian x86 executable")
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("not an executable")
	}
	var base int64
	if f.Type == elf.ET_DYN {
		base = dynBase
	}
	ld := &loaded_t{base: base, path: path}
	for _, p := range f.Progs {
		if p.Type == elf.PT_INTERP {
			return nil, fmt.Errorf("dynamically linked; static binaries only")
		}
	}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		vaddr := base + int64(p.Vaddr)
		lo := vaddr & mem.PGMASK
		hi := util.Roundup(vaddr+int64(p.Memsz), mem.PGSIZE)
		// map writable first so the contents can be copied in, then
		// drop to the segment's real protection
		if err := m.View.As.ReserveVirtual(lo, hi-lo,
			defs.PROT_READ|defs.PROT_WRITE, -1, 0, false, ""); err != 0 {
			return nil, fmt.Errorf("reserve %#x: errno %d", lo, -err)
		}
		data := make([]uint8, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil && p.Filesz > 0 {
			return nil, err
		}
		if cerr := m.View.CopyToUser(vaddr, data); cerr != 0 {
			return nil, fmt.Errorf("copy segment: errno %d", -cerr)
		}
		prot := 0
		if p.Flags&elf.PF_R != 0 {
			prot |= defs.PROT_READ
		}
		if p.Flags&elf.PF_W != 0 {
			prot |= defs.PROT_WRITE
		}
		if p.Flags&elf.PF_X != 0 {
			prot |= defs.PROT_EXEC
		}
		if err := m.View.As.ProtectVirtual(lo, hi-lo, prot); err != 0 {
			return nil, fmt.Errorf("protect %#x: errno %d", lo, -err)
		}
		if hi > m.System.Brk {
			m.System.Brk = hi
		}
	}
	ld.entry = base + int64(f.Entry)
	ld.phent = 56
	ld.phnum = int64(len(f.Progs))
	// AT_PHDR points at the in-memory program headers, taken from the
	// PT_PHDR segment; an image without one leaves it zero
	for _, p := range f.Progs {
		if p.Type == elf.PT_PHDR {
			ld.phdr = base + int64(p.Vaddr)
		}
	}
	if syms, err := f.Symbols(); err == nil {
		for _, s := range syms {
			if s.Value != 0 && len(s.Name) > 0 {
				ld.syms = append(ld.syms, elfsym_t{
					addr: base + int64(s.Value),
					size: int64(s.Size),
					name: s.Name,
				})
			}
		}
		sort.Slice(ld.syms, func(i, j int) bool {
			return ld.syms[i].addr < ld.syms[j].addr
		})
	}
	m.Ip = ld.entry
	return ld, nil
}

// symbolize names the symbol containing addr, demangled.
func (ld *loaded_t) symbolize(addr int64) string {
	i := sort.Search(len(ld.syms), func(i int) bool {
		return ld.syms[i].addr > addr
	})
	if i == 0 {
		return "?"
	}
	s := ld.syms[i-1]
	if s.size != 0 && addr >= s.addr+s.size {
		return "?"
	}
	return fmt.Sprintf("%s+%#x", demangleName(s.name), addr-s.addr)
}
