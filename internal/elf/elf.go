// Package elf parses the minimal subset of ELF64 the kernel needs to load
// a user program: the file header and the loadable program-header
// entries. It is not a general-purpose ELF library; section headers,
// relocations, and dynamic linking are out of scope, since every program
// the kernel runs is a static, position-independent-free executable.
package elf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrFormat reports a malformed or unsupported ELF file: wrong magic,
// wrong class, wrong byte order, or a truncated header/table.
var ErrFormat = errors.New("elf: malformed file")

const (
	magic0, magic1, magic2, magic3 = 0x7f, 'E', 'L', 'F'

	class64       = 2
	dataLittle    = 1
	typeExec      = 2
	typeDyn       = 3
	machineAArch64 = 0xb7

	fileHeaderSize    = 64
	progHeaderSize    = 56
	progHeaderOffOff  = 0x20
	progHeaderEntSzOff = 0x36
	progHeaderNumOff  = 0x38
	entryOff          = 0x18

	// ProgTypeLoad identifies a PT_LOAD segment: one the loader must map
	// into the process address space.
	ProgTypeLoad = 0x01

	// ProgFlagExec/ProgFlagWrite/ProgFlagRead mirror the ELF PF_X/PF_W/PF_R
	// segment permission flags.
	ProgFlagExec  = 0x1
	ProgFlagWrite = 0x2
	ProgFlagRead  = 0x4
)

// ProgramHeader describes one loadable (or otherwise typed) segment.
type ProgramHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	VAddr  uint64
	PAddr  uint64
	FileSz uint64
	MemSz  uint64
	Align  uint64
}

// IsLoadable reports whether this segment must be mapped into the process.
func (ph ProgramHeader) IsLoadable() bool { return ph.Type == ProgTypeLoad }

// Image is a parsed ELF64 executable: its entry point and loadable
// segments, plus the raw file bytes segments are read from.
type Image struct {
	Entry    uint64
	Segments []ProgramHeader
	raw      []byte
}

// Parse validates prog as a little-endian ELF64 AArch64 executable and
// returns its entry point and program header table.
func Parse(prog []byte) (*Image, error) {
	if len(prog) < fileHeaderSize {
		return nil, fmt.Errorf("%w: file too short for ELF header (%d bytes)", ErrFormat, len(prog))
	}

	if prog[0] != magic0 || prog[1] != magic1 || prog[2] != magic2 || prog[3] != magic3 {
		return nil, fmt.Errorf("%w: bad magic %#v", ErrFormat, prog[:4])
	}

	if prog[4] != class64 {
		return nil, fmt.Errorf("%w: not a 64-bit object (class %d)", ErrFormat, prog[4])
	}

	if prog[5] != dataLittle {
		return nil, fmt.Errorf("%w: not little-endian (data %d)", ErrFormat, prog[5])
	}

	machine := binary.LittleEndian.Uint16(prog[18:20])
	if machine != machineAArch64 {
		return nil, fmt.Errorf("%w: unsupported machine %#x, want AArch64", ErrFormat, machine)
	}

	ty := binary.LittleEndian.Uint16(prog[16:18])
	if ty != typeExec && ty != typeDyn {
		return nil, fmt.Errorf("%w: unsupported object type %#x", ErrFormat, ty)
	}

	entry := binary.LittleEndian.Uint64(prog[entryOff : entryOff+8])
	phoff := binary.LittleEndian.Uint64(prog[progHeaderOffOff : progHeaderOffOff+8])
	phentsize := binary.LittleEndian.Uint16(prog[progHeaderEntSzOff : progHeaderEntSzOff+2])
	phnum := binary.LittleEndian.Uint16(prog[progHeaderNumOff : progHeaderNumOff+2])

	if phentsize != 0 && phentsize != progHeaderSize {
		return nil, fmt.Errorf("%w: unexpected program header entry size %d", ErrFormat, phentsize)
	}

	segments := make([]ProgramHeader, 0, phnum)

	for i := uint16(0); i < phnum; i++ {
		start := phoff + uint64(i)*progHeaderSize
		end := start + progHeaderSize

		if end > uint64(len(prog)) {
			return nil, fmt.Errorf("%w: program header %d out of bounds", ErrFormat, i)
		}

		entryBytes := prog[start:end]

		ph := ProgramHeader{
			Type:   binary.LittleEndian.Uint32(entryBytes[0:4]),
			Flags:  binary.LittleEndian.Uint32(entryBytes[4:8]),
			Offset: binary.LittleEndian.Uint64(entryBytes[8:16]),
			VAddr:  binary.LittleEndian.Uint64(entryBytes[16:24]),
			PAddr:  binary.LittleEndian.Uint64(entryBytes[24:32]),
			FileSz: binary.LittleEndian.Uint64(entryBytes[32:40]),
			MemSz:  binary.LittleEndian.Uint64(entryBytes[40:48]),
			Align:  binary.LittleEndian.Uint64(entryBytes[48:56]),
		}

		segments = append(segments, ph)
	}

	return &Image{Entry: entry, Segments: segments, raw: prog}, nil
}

// SegmentData returns the file-backed bytes of a loadable segment. Bytes
// from FileSz to MemSz (BSS) are not included; callers must zero-fill them
// after copying this slice into the mapped page(s).
func (img *Image) SegmentData(ph ProgramHeader) ([]byte, error) {
	end := ph.Offset + ph.FileSz
	if end > uint64(len(img.raw)) {
		return nil, fmt.Errorf("%w: segment at offset %#x size %d exceeds file", ErrFormat, ph.Offset, ph.FileSz)
	}

	return img.raw[ph.Offset:end], nil
}
