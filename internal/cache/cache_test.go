package cache

import (
	"testing"

	"github.com/smoynes/elsie/internal/common"
)

// fakeDisk is a Disk backed by an in-memory block map, standing in for
// virtio.Disk in these tests.
type fakeDisk struct {
	blocks map[uint64][common.BlockSize]byte
	reads  int
	writes int
}

func newFakeDisk() *fakeDisk {
	return &fakeDisk{blocks: make(map[uint64][common.BlockSize]byte)}
}

func (d *fakeDisk) DiskRW(blockno uint64, buf []byte, write bool) error {
	if write {
		d.writes++

		var block [common.BlockSize]byte
		copy(block[:], buf)
		d.blocks[blockno] = block

		return nil
	}

	d.reads++

	block := d.blocks[blockno]
	copy(buf, block[:])

	return nil
}

func TestCacheReadMissThenHit(tt *testing.T) {
	tt.Parallel()

	disk := newFakeDisk()
	var block [common.BlockSize]byte
	block[0] = 0xab
	disk.blocks[3] = block

	c := New(disk, nil)

	buf, err := c.Read(3)
	if err != nil {
		tt.Fatalf("read: %v", err)
	}

	if buf.Data()[0] != 0xab {
		tt.Errorf("data[0] = %#x, want 0xab", buf.Data()[0])
	}

	if disk.reads != 1 {
		tt.Errorf("reads = %d, want 1", disk.reads)
	}

	if _, err := c.Read(3); err != nil {
		tt.Fatalf("second read: %v", err)
	}

	if disk.reads != 1 {
		tt.Errorf("reads after cache hit = %d, want 1", disk.reads)
	}
}

func TestCacheWriteRequiresFlush(tt *testing.T) {
	tt.Parallel()

	disk := newFakeDisk()
	c := New(disk, nil)

	buf, err := c.Read(1)
	if err != nil {
		tt.Fatalf("read: %v", err)
	}

	if err := buf.Write(0, []byte("hello")); err != nil {
		tt.Fatalf("write: %v", err)
	}

	if disk.writes != 0 {
		tt.Errorf("writes before flush = %d, want 0", disk.writes)
	}

	if err := c.Flush(); err != nil {
		tt.Fatalf("flush: %v", err)
	}

	if disk.writes != 1 {
		tt.Errorf("writes after flush = %d, want 1", disk.writes)
	}

	buf2, err := c.Read(1)
	if err != nil {
		tt.Fatalf("reread: %v", err)
	}

	if string(buf2.Data()[:5]) != "hello" {
		tt.Errorf("data = %q, want %q", buf2.Data()[:5], "hello")
	}
}

func TestCacheWriteOutOfRange(tt *testing.T) {
	tt.Parallel()

	c := New(newFakeDisk(), nil)

	buf, err := c.Read(0)
	if err != nil {
		tt.Fatalf("read: %v", err)
	}

	if err := buf.Write(common.BlockSize-2, []byte("xyz")); err == nil {
		tt.Fatalf("expected error writing past end of buffer")
	}
}
