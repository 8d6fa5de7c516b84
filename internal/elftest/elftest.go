// Package elftest builds small 32-bit ARM ELF executables for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Symbol is an absolute symbol written to .symtab.
type Symbol struct {
	Name  string
	Value uint32
	Size  uint32
}

// Segment is a PT_LOAD program header with its file contents.
type Segment struct {
	Addr uint32
	Data []byte
	// MemSize defaults to len(Data); a larger value describes .bss.
	MemSize uint32
}

// Build returns an ELF image with the given segments and symbols.
func Build(segments []Segment, symbols []Symbol) []byte {
	const (
		ehdrSize = 52
		phdrSize = 32
		shdrSize = 40
		symSize  = 16
	)

	phoff := uint32(ehdrSize)
	off := phoff + uint32(len(segments)*phdrSize)

	var body bytes.Buffer
	phdrs := make([]elf.Prog32, len(segments))
	for i, s := range segments {
		memsz := s.MemSize
		if memsz < uint32(len(s.Data)) {
			memsz = uint32(len(s.Data))
		}
		phdrs[i] = elf.Prog32{
			Type:   uint32(elf.PT_LOAD),
			Off:    off + uint32(body.Len()),
			Vaddr:  s.Addr,
			Paddr:  s.Addr,
			Filesz: uint32(len(s.Data)),
			Memsz:  memsz,
			Flags:  uint32(elf.PF_R | elf.PF_X),
			Align:  4,
		}
		body.Write(s.Data)
		for body.Len()%4 != 0 {
			body.WriteByte(0)
		}
	}

	strtab := []byte{0}
	syms := []elf.Sym32{{}}
	for _, s := range symbols {
		syms = append(syms, elf.Sym32{
			Name:  uint32(len(strtab)),
			Value: s.Value,
			Size:  s.Size,
			Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT),
			Shndx: uint16(elf.SHN_ABS),
		})
		strtab = append(append(strtab, s.Name...), 0)
	}

	strtabOff := off + uint32(body.Len())
	body.Write(strtab)
	for body.Len()%4 != 0 {
		body.WriteByte(0)
	}
	symtabOff := off + uint32(body.Len())
	for _, s := range syms {
		binary.Write(&body, binary.LittleEndian, s)
	}

	shstrtab := []byte("\x00.symtab\x00.strtab\x00.shstrtab\x00")
	shstrtabOff := off + uint32(body.Len())
	body.Write(shstrtab)
	for body.Len()%4 != 0 {
		body.WriteByte(0)
	}
	shoff := off + uint32(body.Len())

	shdrs := []elf.Section32{
		{},
		{
			Name: 1, Type: uint32(elf.SHT_SYMTAB), Off: symtabOff,
			Size: uint32(len(syms) * symSize), Link: 2, Info: 1, Addralign: 4, Entsize: symSize,
		},
		{Name: 9, Type: uint32(elf.SHT_STRTAB), Off: strtabOff, Size: uint32(len(strtab)), Addralign: 1},
		{Name: 17, Type: uint32(elf.SHT_STRTAB), Off: shstrtabOff, Size: uint32(len(shstrtab)), Addralign: 1},
	}

	hdr := elf.Header32{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_ARM),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     phoff,
		Shoff:     shoff,
		Flags:     0x05000000,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     uint16(len(segments)),
		Shentsize: shdrSize,
		Shnum:     uint16(len(shdrs)),
		Shstrndx:  3,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	if len(segments) > 0 {
		hdr.Entry = segments[0].Addr
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, hdr)
	for _, p := range phdrs {
		binary.Write(&out, binary.LittleEndian, p)
	}
	out.Write(body.Bytes())
	for _, s := range shdrs {
		binary.Write(&out, binary.LittleEndian, s)
	}
	return out.Bytes()
}
