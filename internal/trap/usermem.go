package trap

import (
	"fmt"

	"github.com/smoynes/elsie/internal/common"
	"github.com/smoynes/elsie/internal/mm"
	"github.com/smoynes/elsie/internal/mmu"
)

// maxCStringLen bounds readCString, matching original_source's string_len
// (which panics past 128 bytes rather than scanning unboundedly).
const maxCStringLen = 128

// readUser copies n bytes starting at user virtual address va out of the
// process's address space, walking page table entries one page at a time
// since the underlying physical pages need not be contiguous.
func readUser(arena *mm.Arena, pt *mmu.PageTable, va uint64, n int) ([]byte, error) {
	out := make([]byte, n)

	for done := 0; done < n; {
		pa, ok := pt.Walk(va + uint64(done))
		if !ok {
			return nil, fmt.Errorf("%w: unmapped user address %#x", ErrTrap, va+uint64(done))
		}

		pageOff := int((va + uint64(done)) & (common.PageSize - 1))
		chunk := common.PageSize - pageOff

		if chunk > n-done {
			chunk = n - done
		}

		copy(out[done:done+chunk], arena.Slice(pa, uint64(chunk)))
		done += chunk
	}

	return out, nil
}

// writeUser copies data into the process's address space starting at va.
func writeUser(arena *mm.Arena, pt *mmu.PageTable, va uint64, data []byte) error {
	for done := 0; done < len(data); {
		pa, ok := pt.Walk(va + uint64(done))
		if !ok {
			return fmt.Errorf("%w: unmapped user address %#x", ErrTrap, va+uint64(done))
		}

		pageOff := int((va + uint64(done)) & (common.PageSize - 1))
		chunk := common.PageSize - pageOff

		if chunk > len(data)-done {
			chunk = len(data) - done
		}

		copy(arena.Slice(pa, uint64(chunk)), data[done:done+chunk])
		done += chunk
	}

	return nil
}

// readCString reads a NUL-terminated string starting at va, up to
// maxCStringLen bytes.
func readCString(arena *mm.Arena, pt *mmu.PageTable, va uint64) (string, error) {
	for i := 0; i < maxCStringLen; i++ {
		b, err := readUser(arena, pt, va+uint64(i), 1)
		if err != nil {
			return "", err
		}

		if b[0] == 0 {
			full, err := readUser(arena, pt, va, i)
			if err != nil {
				return "", err
			}

			return string(full), nil
		}
	}

	return "", fmt.Errorf("%w: string exceeds %d bytes", ErrTrap, maxCStringLen)
}
