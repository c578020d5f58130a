package mmu

import (
	"testing"

	"github.com/smoynes/elsie/internal/common"
	"github.com/smoynes/elsie/internal/mm"
)

func newTestTable(tt *testing.T, pages int, kind Kind) (*PageTable, *mm.Buddy) {
	tt.Helper()

	arena := mm.NewArena(common.KernelBase, make([]byte, pages*common.PageSize))
	buddy := mm.NewBuddy(arena)

	pt, err := New(arena, buddy, kind)
	if err != nil {
		tt.Fatalf("new: %v", err)
	}

	return pt, buddy
}

func TestPageTableMapWalk4KiB(tt *testing.T) {
	tt.Parallel()

	pt, buddy := newTestTable(tt, 64, Kernel)

	pa, err := buddy.AllocPages(1)
	if err != nil {
		tt.Fatalf("alloc: %v", err)
	}

	va := uint64(0xffff_0000_1000_0000)

	if err := pt.Map(va, pa, common.PageSize, RW); err != nil {
		tt.Fatalf("map: %v", err)
	}

	got, ok := pt.Walk(va + 0x10)
	if !ok {
		tt.Fatalf("walk: expected mapping for %#x", va)
	}

	if want := pa + 0x10; got != want {
		tt.Errorf("walk(%#x) = %#x, want %#x", va+0x10, got, want)
	}

	if _, ok := pt.Walk(va + common.PageSize); ok {
		tt.Errorf("walk: expected no mapping just past the mapped page")
	}
}

func TestPageTableCreateAndRelease(tt *testing.T) {
	tt.Parallel()

	pt, buddy := newTestTable(tt, 64, User)

	before, err := buddy.AllocPages(1)
	if err != nil {
		tt.Fatalf("alloc: %v", err)
	}

	buddy.DeallocPages(before, 1) // restore baseline free memory (root table page still held)

	va := uint64(0x1_0000_0000)

	pa, err := pt.Create(va, 2*common.PageSize, RWX)
	if err != nil {
		tt.Fatalf("create: %v", err)
	}

	if got, ok := pt.Walk(va); !ok || got != pa {
		tt.Errorf("walk after create = %#x, %v; want %#x, true", got, ok, pa)
	}

	root := pt.Base()

	pt.Release()

	// Release frees the root table page as well, so the lowest free page
	// is now the root's own page, just below the baseline one.
	after, err := buddy.AllocPages(1)
	if err != nil {
		tt.Fatalf("alloc after release: %v", err)
	}

	if after != root {
		tt.Errorf("release did not return all acquired pages: before=%#x root=%#x after=%#x", before, root, after)
	}
}
