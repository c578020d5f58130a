// Package cache implements the kernel's block cache: a disk-backed buffer
// pool the filesystem reads and writes through, so every block is fetched
// from the backing store at most once per boot.
package cache

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/smoynes/elsie/internal/common"
	"github.com/smoynes/elsie/internal/log"
)

// ErrCache wraps every error this package returns; ErrBadRange further
// identifies an out-of-bounds write into a buffer.
var (
	ErrCache    = errors.New("cache error")
	ErrBadRange = errors.New("write out of buffer range")
)

// Waiter is the blocking primitive a Read suspends on while another
// process's disk request is in flight for the same block. It is the same
// contract virtio.Waiter and internal/proc's scheduler satisfy.
type Waiter interface {
	Sleep(channel uint64)
	Wakeup(channel uint64)
}

// Disk is the block device a Cache reads through on a miss and, on Flush,
// writes back to.
type Disk interface {
	DiskRW(blockno uint64, buf []byte, write bool) error
}

// Buffer holds one cached disk block. Busy is set while a read or write is
// in flight against the backing disk; callers must not inspect Data while
// Busy is true.
type Buffer struct {
	blockno uint64
	busy    bool
	dirty   bool
	data    [common.BlockSize]byte
}

// Blockno returns which disk block this buffer holds.
func (b *Buffer) Blockno() uint64 { return b.blockno }

// Data returns the buffer's contents. The returned slice aliases the
// buffer's storage and must not be retained past the next Write or Flush.
func (b *Buffer) Data() []byte { return b.data[:] }

// Write copies buf into the buffer starting at pos and marks it dirty.
// There is no automatic write-back: a later Flush is required to persist
// the change to disk.
func (b *Buffer) Write(pos int, buf []byte) error {
	if pos < 0 || pos+len(buf) > common.BlockSize {
		return fmt.Errorf("%w: %w: block %d, pos %d, len %d", ErrCache, ErrBadRange, b.blockno, pos, len(buf))
	}

	copy(b.data[pos:pos+len(buf)], buf)
	b.dirty = true

	return nil
}

// Cache is a simple, never-evicting block cache: every block read during a
// boot stays resident for the lifetime of the kernel. This matches the
// small, fixed-size disk images the kernel targets and keeps the cache free
// of an eviction policy entirely.
type Cache struct {
	mu      sync.Mutex
	disk    Disk
	wait    Waiter
	buffers map[uint64]*Buffer
	log     *log.Logger
}

// New creates an empty Cache backed by disk.
func New(disk Disk, wait Waiter) *Cache {
	return &Cache{
		disk:    disk,
		wait:    wait,
		buffers: make(map[uint64]*Buffer),
		log:     log.DefaultLogger(),
	}
}

// busyChannel derives a sleep-channel token for a block number, disjoint
// from the channels virtio's descriptor-pool and completion waits use.
func busyChannel(blockno uint64) uint64 {
	return 0x4000_0000_0000_0000 | blockno
}

// Read returns the cached buffer for blockno, fetching it from disk on a
// first reference. If another caller's request for the same block is in
// flight, Read blocks until it completes.
func (c *Cache) Read(blockno uint64) (*Buffer, error) {
	c.mu.Lock()

	if buf, ok := c.buffers[blockno]; ok {
		for buf.busy {
			c.mu.Unlock()

			if c.wait != nil {
				c.wait.Sleep(busyChannel(blockno))
			}

			c.mu.Lock()
		}

		c.mu.Unlock()

		return buf, nil
	}

	buf := &Buffer{blockno: blockno, busy: true}
	c.buffers[blockno] = buf

	c.mu.Unlock()

	err := c.disk.DiskRW(blockno, buf.data[:], false)

	c.mu.Lock()
	buf.busy = false
	c.mu.Unlock()

	if c.wait != nil {
		c.wait.Wakeup(busyChannel(blockno))
	}

	if err != nil {
		return nil, fmt.Errorf("%w: read block %d: %w", ErrCache, blockno, err)
	}

	return buf, nil
}

// Flush writes every dirty buffer back to disk. The cache has no automatic
// write-back path, and the kernel's own write path never calls Flush:
// dirty blocks reach the disk only when a caller flushes explicitly.
func (c *Cache) Flush() error {
	c.mu.Lock()

	blocknos := make([]uint64, 0, len(c.buffers))

	for no, buf := range c.buffers {
		if buf.dirty {
			blocknos = append(blocknos, no)
		}
	}

	sort.Slice(blocknos, func(i, j int) bool { return blocknos[i] < blocknos[j] })

	c.mu.Unlock()

	for _, no := range blocknos {
		c.mu.Lock()
		buf := c.buffers[no]
		buf.busy = true
		c.mu.Unlock()

		err := c.disk.DiskRW(no, buf.data[:], true)

		c.mu.Lock()
		buf.busy = false
		buf.dirty = (err != nil)
		c.mu.Unlock()

		if c.wait != nil {
			c.wait.Wakeup(busyChannel(no))
		}

		if err != nil {
			return fmt.Errorf("%w: flush block %d: %w", ErrCache, no, err)
		}
	}

	return nil
}
