// Package mm implements the kernel's physical-memory allocator stack: a
// buddy allocator over page frames, and a slab allocator layered on top of
// it for small objects.
package mm

import "encoding/binary"

// Arena is the byte-addressable backing store standing in for physical
// RAM. Free-list nodes are written directly into arena bytes at a page's
// offset, preserving the "pointer lives inside the free region" design of
// the buddy/slab allocators without resorting to unsafe pointer
// arithmetic.
type Arena struct {
	base  uint64 // physical address of bytes[0]
	bytes []byte
}

// NewArena creates an arena covering [base, base+len(bytes)).
func NewArena(base uint64, bytes []byte) *Arena {
	return &Arena{base: base, bytes: bytes}
}

// Base returns the arena's starting physical address.
func (a *Arena) Base() uint64 { return a.base }

// End returns the first physical address past the arena.
func (a *Arena) End() uint64 { return a.base + uint64(len(a.bytes)) }

// Contains reports whether addr falls within the arena.
func (a *Arena) Contains(addr uint64) bool {
	return addr >= a.base && addr < a.End()
}

// offset converts a physical address into an index into a.bytes.
func (a *Arena) offset(addr uint64) int { return int(addr - a.base) }

// readNext reads the free-list "next" pointer stored at addr. A zero
// result means "no next node", mirroring a null pointer.
func (a *Arena) readNext(addr uint64) uint64 {
	off := a.offset(addr)
	return binary.LittleEndian.Uint64(a.bytes[off : off+8])
}

// writeNext stores next as the free-list pointer at addr.
func (a *Arena) writeNext(addr, next uint64) {
	off := a.offset(addr)
	binary.LittleEndian.PutUint64(a.bytes[off:off+8], next)
}

// Zero fills the region [addr, addr+n) with zero bytes.
func (a *Arena) Zero(addr, n uint64) {
	off := a.offset(addr)
	for i := range a.bytes[off : off+int(n)] {
		a.bytes[off+i] = 0
	}
}

// Slice returns the backing bytes for [addr, addr+n), for callers (slab,
// page tables, file copies) that need direct read/write access to mapped
// memory.
func (a *Arena) Slice(addr, n uint64) []byte {
	off := a.offset(addr)
	return a.bytes[off : off+int(n)]
}
