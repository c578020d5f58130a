package main

import (
	"github.com/smoynes/elsie/internal/kernel"
	"github.com/smoynes/elsie/internal/proc"
)

// readString and writeString move a Go string in and out of a process's
// mapped user page, given its already-mapped virtual address. The shell
// drives the trap dispatcher directly rather than trapping from a real
// instruction stream, so there is no copy-in/copy-out syscall boundary to
// cross here; these helpers stand in for it.
func writeString(m *kernel.Machine, p *proc.Process, va uint64, s string) {
	pa, ok := p.PageTb.Walk(va)
	if !ok {
		panic("writeString: unmapped page")
	}

	dst := m.Arena().Slice(pa, uint64(len(s))+1)
	copy(dst, s)
	dst[len(s)] = 0
}

func readString(m *kernel.Machine, p *proc.Process, va uint64, n int) string {
	pa, ok := p.PageTb.Walk(va)
	if !ok {
		panic("readString: unmapped page")
	}

	return string(m.Arena().Slice(pa, uint64(n)))
}
