package proc

import (
	"testing"

	"github.com/smoynes/elsie/internal/cache"
	"github.com/smoynes/elsie/internal/fs"
	"github.com/smoynes/elsie/internal/mm"
	"github.com/smoynes/elsie/internal/virtio"
)

// newTestScheduler builds a scheduler over a freshly formatted, in-memory
// filesystem and a small physical arena — enough for a handful of
// processes' page tables, text, heap, and stack pages.
func newTestScheduler(tt *testing.T, echo func(byte)) (*Scheduler, *fs.FS) {
	tt.Helper()

	const arenaBase = 0x1000_0000
	const arenaPages = 512

	arena := mm.NewArena(arenaBase, make([]byte, arenaPages*4096))
	buddy := mm.NewBuddy(arena)

	backend := virtio.NewMemBackend()
	disk := virtio.New(nil, nil, 0, backend)

	if err := fs.Format(disk); err != nil {
		tt.Fatalf("format: %v", err)
	}

	c := cache.New(disk, nil)

	fsys, err := fs.Mount(c)
	if err != nil {
		tt.Fatalf("mount: %v", err)
	}

	return NewScheduler(arena, buddy, fsys, echo), fsys
}

// a trivial user program: four raw marker bytes (no ELF headers) are
// enough, since InitFirst never actually jumps to it — the image is only
// copied into place and run is invoked directly.
func rawInitImage() []byte {
	return []byte{0xde, 0xad, 0xbe, 0xef}
}
