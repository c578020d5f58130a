package mmu

import (
	"encoding/binary"
	"fmt"

	"github.com/smoynes/elsie/internal/common"
	"github.com/smoynes/elsie/internal/mm"
)

const (
	block1GiB = uint64(1) << 30
	block2MiB = uint64(1) << 21
	block4KiB = uint64(1) << 12

	entriesPerTable = 512
)

// PageAllocator is the subset of *mm.Buddy a PageTable needs to acquire
// and release backing pages for tables and leaves.
type PageAllocator interface {
	AllocPages(n uint64) (uint64, error)
	DeallocPages(ptr uint64, n uint64)
}

// PageTable is a handle onto one level of a four-level ARMv8 translation
// table. New/map/create/release operate on whole address ranges and
// recurse through child tables as needed.
type PageTable struct {
	arena *mm.Arena
	alloc PageAllocator
	base  uint64 // physical address of this table's 512 entries.
	kind  Kind
}

// New allocates a zeroed table page and returns a handle to it.
func New(arena *mm.Arena, alloc PageAllocator, kind Kind) (*PageTable, error) {
	addr, err := alloc.AllocPages(1)
	if err != nil {
		return nil, fmt.Errorf("mmu: new: %w", err)
	}

	return &PageTable{arena: arena, alloc: alloc, base: addr, kind: kind}, nil
}

// fromAddr wraps an existing table page (used to descend into child
// tables) without allocating.
func (pt *PageTable) fromAddr(addr uint64) *PageTable {
	return &PageTable{arena: pt.arena, alloc: pt.alloc, base: addr, kind: pt.kind}
}

// Base returns the physical address of this table's page, suitable for
// installing into TTBR0_EL1/TTBR1_EL1.
func (pt *PageTable) Base() uint64 { return pt.base }

func (pt *PageTable) entryAddr(index int) uint64 {
	return pt.base + uint64(index)*8
}

func (pt *PageTable) getEntry(index int) entry {
	off := int(pt.entryAddr(index) - pt.arena.Base())
	return entry(binary.LittleEndian.Uint64(pt.arena.Slice(pt.arena.Base()+uint64(off), 8)))
}

func (pt *PageTable) setEntry(index int, e entry) {
	buf := pt.arena.Slice(pt.entryAddr(index), 8)
	binary.LittleEndian.PutUint64(buf, uint64(e))
}

// index computes the table index for va at the given level (0-3): bits
// [20+9*(3-level) : 12+9*(3-level)].
func index(va uint64, level int) int {
	shift := 12 + (3-level)*9
	return int((va >> shift) & 0x1ff)
}

// Map installs mappings for [va, va+len) -> [pa, pa+len), using the
// largest naturally aligned block size (1 GiB / 2 MiB / 4 KiB) that fits
// at each step.
func (pt *PageTable) Map(va, pa, length uint64, perm Perm) error {
	ro, x, err := perm.roExec()
	if err != nil {
		return err
	}

	curr := common.RoundDown(va, block4KiB)
	pa = common.RoundDown(pa, block4KiB)
	end := common.RoundDown(va+length-1, block4KiB)
	remaining := length

	for curr <= end {
		var blockSize uint64

		switch {
		case curr&(block1GiB-1) == 0 && remaining >= block1GiB:
			blockSize = block1GiB
		case curr&(block2MiB-1) == 0 && remaining >= block2MiB:
			blockSize = block2MiB
		default:
			blockSize = block4KiB
		}

		if err := pt.install(curr, pa, 0, blockSize, ro, x); err != nil {
			return err
		}

		curr += blockSize
		pa += blockSize
		remaining -= blockSize
	}

	return nil
}

// install descends from level, allocating intermediate table pages as
// needed, until it reaches the level whose span matches blockSize, then
// writes a leaf (block or page) descriptor there.
func (pt *PageTable) install(va, pa uint64, level int, blockSize uint64, ro, x bool) error {
	leafLevel := 3
	if level == 1 && blockSize == block1GiB {
		leafLevel = 1
	} else if level == 2 && blockSize == block2MiB {
		leafLevel = 2
	}

	if level == leafLevel {
		idx := index(va, level)
		e := newBlockEntry(pa, pt.kind, ro, x, level == 3, common.KernelBase)
		pt.setEntry(idx, e)

		return nil
	}

	idx := index(va, level)
	e := pt.getEntry(idx)

	addr, ok := e.addr()
	if !ok {
		var err error

		addr, err = pt.alloc.AllocPages(1)
		if err != nil {
			return fmt.Errorf("mmu: install: %w", err)
		}

		pt.setEntry(idx, newTableEntry(addr, pt.kind))
	}

	return pt.fromAddr(addr).install(va, pa, level+1, blockSize, ro, x)
}

// Create allocates length bytes of fresh physical memory and maps it at
// va with the given permissions, returning the backing physical address
// so the kernel can copy content into it.
func (pt *PageTable) Create(va, length uint64, perm Perm) (uint64, error) {
	if va&(block4KiB-1) != 0 || length&(block4KiB-1) != 0 {
		return 0, fmt.Errorf("mmu: create: va/len must be page-aligned")
	}

	pages := common.NumPages(length)

	addr, err := pt.alloc.AllocPages(pages)
	if err != nil {
		return 0, fmt.Errorf("mmu: create: %w", err)
	}

	if err := pt.Map(va, addr, length, perm); err != nil {
		return 0, err
	}

	return addr, nil
}

// Release recursively tears down the table: invalidate every entry,
// freeing each leaf's backing storage and every child table page, then
// free this table's own page.
func (pt *PageTable) Release() {
	pt.releaseLevel(0)
	pt.alloc.DeallocPages(pt.base, 1)
}

func (pt *PageTable) releaseLevel(level int) {
	for i := 0; i < entriesPerTable; i++ {
		e := pt.getEntry(i)
		if !e.isValid() {
			continue
		}

		if e.isTable(level) {
			addr, _ := e.addr()
			pt.fromAddr(addr).releaseLevel(level + 1)
			pt.alloc.DeallocPages(addr, 1)
		} else {
			addr, _ := e.addr()
			pt.alloc.DeallocPages(addr, leafPages(level))
		}

		pt.setEntry(i, 0)
	}
}

func leafPages(level int) uint64 {
	switch level {
	case 1:
		return block1GiB / common.PageSize
	case 2:
		return block2MiB / common.PageSize
	default:
		return block4KiB / common.PageSize
	}
}

// Walk resolves va to a physical address by descending the table,
// returning the leaf's base physical address plus the in-block offset,
// and whether a valid mapping was found. It is used by tests and by the
// user-memory copy helpers to confirm a mapping exists.
func (pt *PageTable) Walk(va uint64) (pa uint64, ok bool) {
	return pt.walk(va, 0)
}

func (pt *PageTable) walk(va uint64, level int) (uint64, bool) {
	idx := index(va, level)
	e := pt.getEntry(idx)

	if !e.isValid() {
		return 0, false
	}

	addr, _ := e.addr()

	if level == 3 || !e.isTable(level) {
		shift := 12 + (3-level)*9
		offset := va & ((uint64(1) << shift) - 1)

		return addr + offset, true
	}

	return pt.fromAddr(addr).walk(va, level+1)
}
