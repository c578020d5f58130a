package mm

import (
	"fmt"

	"github.com/smoynes/elsie/internal/common"
)

// Slab size classes: 8, 16, 32, ..., 1024 bytes.
const (
	minSlabShift = 3
	minSlabSize  = 1 << minSlabShift // 8
	maxSlabSize  = 1024
	numSlabNodes = 8
)

// Slab is a small-object allocator layered over a Buddy. Requests larger
// than maxSlabSize are routed straight to the buddy allocator; everything
// else is rounded up to a size class and served from that class's free
// list, refilling from a fresh buddy page when the class is empty.
type Slab struct {
	buddy *Buddy
	arena *Arena
	lists [numSlabNodes]freeArea
}

// NewSlab creates a slab allocator backed by buddy.
func NewSlab(buddy *Buddy, arena *Arena) *Slab {
	return &Slab{buddy: buddy, arena: arena}
}

func nextPow2(n uint64) uint64 {
	p := uint64(1)
	for p < n {
		p <<= 1
	}

	return p
}

// classOf returns the size class (rounded up, >= minSlabSize) and its
// index into s.lists for a requested allocation size.
func classOf(size uint64) (classSize uint64, idx int) {
	classSize = nextPow2(size)
	if classSize < minSlabSize {
		classSize = minSlabSize
	}

	idx = trailingZeros(classSize >> minSlabShift)

	return classSize, idx
}

// Alloc returns a zeroed block of at least size bytes.
func (s *Slab) Alloc(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: alloc(0)", ErrBadOrder)
	}

	if size > maxSlabSize {
		return s.buddy.AllocPages(common.NumPages(size))
	}

	classSize, idx := classOf(size)

	if s.lists[idx].isEmpty() {
		page, err := s.buddy.AllocPages(1)
		if err != nil {
			return 0, err
		}

		s.refill(idx, classSize, page)
	}

	addr := s.lists[idx].remove(s.arena)
	s.arena.Zero(addr, classSize)

	return addr, nil
}

// refill carves a freshly allocated page into equal cells of classSize
// bytes and pushes them all onto lists[idx].
func (s *Slab) refill(idx int, classSize, page uint64) {
	for off := uint64(0); off < common.PageSize; off += classSize {
		s.lists[idx].insert(s.arena, page+off)
	}
}

// Free returns a previously allocated block of size bytes. Freed cells are
// pushed back LIFO; no page-level reclamation is attempted.
func (s *Slab) Free(ptr, size uint64) {
	if size > maxSlabSize {
		s.buddy.DeallocPages(ptr, common.NumPages(size))
		return
	}

	_, idx := classOf(size)
	s.arena.writeNext(ptr, s.lists[idx].head)
	s.lists[idx].head = ptr
}
