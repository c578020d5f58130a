package mm

import (
	"errors"
	"fmt"

	"github.com/smoynes/elsie/internal/common"
)

// MaxOrder is the highest buddy order: a free area of 2^MaxOrder pages.
const MaxOrder = 10

var (
	// ErrOutOfMemory is returned when no free block of the requested
	// order (or higher) exists.
	ErrOutOfMemory = errors.New("mm: out of memory")

	// ErrBadOrder is returned for an order outside [0, MaxOrder] or a
	// page count of zero.
	ErrBadOrder = errors.New("mm: bad order")
)

// Buddy is a buddy-system page frame allocator over an Arena. It maintains
// 11 free lists, orders 0..=10, each a 2^order-page region.
type Buddy struct {
	arena *Arena
	lists [MaxOrder + 1]freeArea
}

// NewBuddy creates a buddy allocator over the given arena and seeds it
// with the arena's full extent as free memory.
func NewBuddy(arena *Arena) *Buddy {
	b := &Buddy{arena: arena}
	b.free(arena.Base(), arena.End())

	return b
}

func order(pages uint64) int {
	o := 0
	for (uint64(1) << o) < pages {
		o++
	}

	return o
}

// AllocPages reserves pgCount contiguous, zeroed pages and returns the
// physical address of the first one.
func (b *Buddy) AllocPages(pgCount uint64) (uint64, error) {
	if pgCount == 0 {
		return 0, fmt.Errorf("%w: alloc_pages(0)", ErrBadOrder)
	}

	o := order(pgCount)
	if o > MaxOrder {
		return 0, fmt.Errorf("%w: order %d exceeds max", ErrBadOrder, o)
	}

	addr, err := b.request(o)
	if err != nil {
		return 0, err
	}

	// Return any excess beyond what was asked for back to the allocator.
	want := pgCount * common.PageSize
	got := uint64(1) << (o + common.PageShift)

	if want < got {
		b.free(addr+want, addr+got)
	}

	b.arena.Zero(addr, want)

	return addr, nil
}

// DeallocPages returns pgCount pages starting at ptr to the allocator and
// coalesces adjacent buddies.
func (b *Buddy) DeallocPages(ptr uint64, pgCount uint64) {
	b.free(ptr, ptr+pgCount*common.PageSize)
	b.merge()
}

// request pops a block off list[o], recursively splitting a higher order
// if list[o] is empty; the unused upper half of any split block is
// reinserted at the lower order.
func (b *Buddy) request(o int) (uint64, error) {
	if o > MaxOrder {
		return 0, ErrOutOfMemory
	}

	if b.lists[o].isEmpty() {
		ptr, err := b.request(o + 1)
		if err != nil {
			return 0, err
		}

		b.lists[o].insert(b.arena, ptr+(uint64(1)<<(common.PageShift+o)))

		return ptr, nil
	}

	return b.lists[o].remove(b.arena), nil
}

// free decomposes [start, end) into maximally aligned 2^k blocks (k <=
// MaxOrder) and inserts each into its order's list.
func (b *Buddy) free(start, end uint64) {
	for start < end {
		o := trailingZeros(start >> common.PageShift)

		for o > MaxOrder || start+(uint64(1)<<(o+common.PageShift)) > end {
			o--
		}

		b.lists[o].insert(b.arena, start)
		start += uint64(1) << (common.PageShift + o)
	}
}

// merge walks each order's sorted free list, combining adjacent buddies
// (addresses differing only in bit order+PageShift) into the next order
// up.
func (b *Buddy) merge() {
	for o := 0; o < MaxOrder; o++ {
		// prevIsHead tracks whether the slot we'd rewrite on a splice is
		// the list head (no prior node) or prev's in-arena next field.
		prev := uint64(0)
		prevIsHead := true
		ptr1 := b.lists[o].head

		for ptr1 != 0 {
			next := b.arena.readNext(ptr1)
			if next == 0 {
				break
			}

			if ((ptr1^next)>>common.PageShift)^(uint64(1)<<o) == 0 {
				// ptr1 and next are buddies: splice both out of this
				// order's list and promote ptr1 to order+1.
				afterNext := b.arena.readNext(next)

				if prevIsHead {
					b.lists[o].head = afterNext
				} else {
					b.arena.writeNext(prev, afterNext)
				}

				b.lists[o+1].insert(b.arena, ptr1)
				ptr1 = afterNext
			} else {
				prev = ptr1
				prevIsHead = false
				ptr1 = next
			}
		}
	}
}

func trailingZeros(v uint64) int {
	if v == 0 {
		return MaxOrder
	}

	n := 0
	for v&1 == 0 && n < MaxOrder {
		v >>= 1
		n++
	}

	return n
}
