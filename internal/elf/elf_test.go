package elf

import (
	"encoding/binary"
	"testing"
)

// buildImage assembles a minimal well-formed ELF64 AArch64 executable with
// one PT_LOAD segment containing payload, for use as test fixtures.
func buildImage(entry uint64, vaddr uint64, payload []byte) []byte {
	const (
		fileHdrLen = 64
		phHdrLen   = 56
	)

	buf := make([]byte, fileHdrLen+phHdrLen+len(payload))

	buf[0], buf[1], buf[2], buf[3] = magic0, magic1, magic2, magic3
	buf[4] = class64
	buf[5] = dataLittle
	buf[6] = 1 // EI_VERSION

	binary.LittleEndian.PutUint16(buf[16:18], typeExec)
	binary.LittleEndian.PutUint16(buf[18:20], machineAArch64)
	binary.LittleEndian.PutUint64(buf[entryOff:entryOff+8], entry)
	binary.LittleEndian.PutUint64(buf[progHeaderOffOff:progHeaderOffOff+8], fileHdrLen)
	binary.LittleEndian.PutUint16(buf[progHeaderEntSzOff:progHeaderEntSzOff+2], phHdrLen)
	binary.LittleEndian.PutUint16(buf[progHeaderNumOff:progHeaderNumOff+2], 1)

	ph := buf[fileHdrLen : fileHdrLen+phHdrLen]
	binary.LittleEndian.PutUint32(ph[0:4], ProgTypeLoad)
	binary.LittleEndian.PutUint32(ph[4:8], ProgFlagRead|ProgFlagExec)
	binary.LittleEndian.PutUint64(ph[8:16], fileHdrLen+phHdrLen)
	binary.LittleEndian.PutUint64(ph[16:24], vaddr)
	binary.LittleEndian.PutUint64(ph[24:32], vaddr)
	binary.LittleEndian.PutUint64(ph[32:40], uint64(len(payload)))
	binary.LittleEndian.PutUint64(ph[40:48], uint64(len(payload)))
	binary.LittleEndian.PutUint64(ph[48:56], 0x1000)

	copy(buf[fileHdrLen+phHdrLen:], payload)

	return buf
}

func TestParseValidImage(tt *testing.T) {
	tt.Parallel()

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	raw := buildImage(0xffff_0000_0000_0000, 0xffff_0000_0000_0000, payload)

	img, err := Parse(raw)
	if err != nil {
		tt.Fatalf("parse: %v", err)
	}

	if img.Entry != 0xffff_0000_0000_0000 {
		tt.Errorf("entry = %#x, want %#x", img.Entry, uint64(0xffff_0000_0000_0000))
	}

	if len(img.Segments) != 1 {
		tt.Fatalf("segments = %d, want 1", len(img.Segments))
	}

	seg := img.Segments[0]
	if !seg.IsLoadable() {
		tt.Errorf("segment 0 not loadable")
	}

	data, err := img.SegmentData(seg)
	if err != nil {
		tt.Fatalf("segment data: %v", err)
	}

	if string(data) != string(payload) {
		tt.Errorf("segment data = %#v, want %#v", data, payload)
	}
}

func TestParseRejectsBadMagic(tt *testing.T) {
	tt.Parallel()

	raw := buildImage(0, 0, nil)
	raw[0] = 0x00

	if _, err := Parse(raw); err == nil {
		tt.Fatalf("expected error for bad magic")
	}
}

func TestParseRejectsTruncated(tt *testing.T) {
	tt.Parallel()

	if _, err := Parse([]byte{0x7f, 'E', 'L', 'F'}); err == nil {
		tt.Fatalf("expected error for truncated header")
	}
}

func TestParseRejectsWrongMachine(tt *testing.T) {
	tt.Parallel()

	raw := buildImage(0, 0, nil)
	binary.LittleEndian.PutUint16(raw[18:20], 0x03) // EM_386

	if _, err := Parse(raw); err == nil {
		tt.Fatalf("expected error for wrong machine")
	}
}
