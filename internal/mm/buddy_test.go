package mm

import (
	"testing"

	"github.com/smoynes/elsie/internal/common"
)

func newTestBuddy(tt *testing.T, pages int) (*Buddy, *Arena) {
	tt.Helper()

	base := common.KernelBase
	arena := NewArena(base, make([]byte, pages*common.PageSize))

	return NewBuddy(arena), arena
}

func TestBuddyAllocRoundTrip(tt *testing.T) {
	tt.Parallel()

	buddy, _ := newTestBuddy(tt, 2048)

	var ptrs []uint64

	for _, k := range []uint64{1, 2, 4, 8, 1, 1, 16, 1024} {
		ptr, err := buddy.AllocPages(k)
		if err != nil {
			tt.Fatalf("alloc_pages(%d): %v", k, err)
		}

		ptrs = append(ptrs, ptr)
	}

	for i, ptr := range ptrs {
		k := []uint64{1, 2, 4, 8, 1, 1, 16, 1024}[i]
		buddy.DeallocPages(ptr, k)
	}

	// After freeing everything, the whole arena should be back on the top
	// order's list as maximal blocks, with no smaller fragments left.
	if buddy.lists[MaxOrder].isEmpty() {
		tt.Errorf("expected order %d list to reconstitute to maximal free blocks", MaxOrder)
	}

	for o := 0; o < MaxOrder; o++ {
		if !buddy.lists[o].isEmpty() {
			tt.Errorf("order %d: expected empty after full coalesce, found entries", o)
		}
	}
}

func TestBuddyAllocAlignment(tt *testing.T) {
	tt.Parallel()

	buddy, _ := newTestBuddy(tt, 2048)

	for _, k := range []uint64{1, 2, 4, 8, 16, 32, 64} {
		ptr, err := buddy.AllocPages(k)
		if err != nil {
			tt.Fatalf("alloc_pages(%d): %v", k, err)
		}

		want := k * common.PageSize
		if ptr%want != 0 {
			tt.Errorf("alloc_pages(%d) = %#x, not %d-aligned", k, ptr, want)
		}
	}
}

func TestBuddyZeroed(tt *testing.T) {
	tt.Parallel()

	buddy, arena := newTestBuddy(tt, 4)

	ptr, err := buddy.AllocPages(2)
	if err != nil {
		tt.Fatalf("alloc_pages: %v", err)
	}

	for _, b := range arena.Slice(ptr, 2*common.PageSize) {
		if b != 0 {
			tt.Fatalf("expected freshly allocated pages to be zeroed")
		}
	}
}

func TestBuddyOutOfMemory(tt *testing.T) {
	tt.Parallel()

	buddy, _ := newTestBuddy(tt, 4)

	if _, err := buddy.AllocPages(1 << (MaxOrder + 2)); err == nil {
		tt.Fatalf("expected ErrBadOrder/ErrOutOfMemory for an oversized request")
	}
}
