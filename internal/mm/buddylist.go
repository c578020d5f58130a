package mm

// freeArea is the head of a singly-linked, address-sorted free list for
// one buddy order. The list nodes themselves are not Go values: each
// node's "next" pointer is written into the first 8 bytes of the free
// page it describes, via the arena. addr 0 is used as the null sentinel;
// it is never a valid page address since every arena lives above
// common.KernelBase.
type freeArea struct {
	head uint64
}

// insert adds addr to the list, keeping it sorted ascending by address.
// Sorted order is what lets merge (in buddy.go) detect adjacent buddies by
// comparing consecutive list entries.
func (f *freeArea) insert(a *Arena, addr uint64) {
	a.writeNext(addr, 0)

	if f.head == 0 || addr < f.head {
		a.writeNext(addr, f.head)
		f.head = addr
		return
	}

	prev := f.head
	for {
		next := a.readNext(prev)
		if next == 0 || addr < next {
			a.writeNext(addr, next)
			a.writeNext(prev, addr)
			return
		}
		prev = next
	}
}

// remove pops and returns the head of the list. It panics if the list is
// empty; callers must check isEmpty first, matching the allocator's
// invariant that it never pops from an empty order without first
// splitting a higher one.
func (f *freeArea) remove(a *Arena) uint64 {
	if f.head == 0 {
		panic("mm: remove from empty free list")
	}

	addr := f.head
	f.head = a.readNext(addr)

	return addr
}

func (f *freeArea) isEmpty() bool { return f.head == 0 }

// each calls fn for every address currently on the list, in ascending
// order.
func (f *freeArea) each(a *Arena, fn func(addr uint64)) {
	for p := f.head; p != 0; p = a.readNext(p) {
		fn(p)
	}
}
