package virtio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileBackend is a Backend whose blocks live in a host file, read and
// written positionally, standing in for the real device's backing store.
type FileBackend struct {
	f *os.File
}

// OpenFileBackend opens (or creates) path as the disk image backing a
// virtio device.
func OpenFileBackend(path string) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("virtio: open backend: %w", err)
	}

	return &FileBackend{f: f}, nil
}

func (b *FileBackend) ReadBlock(blockno uint64, buf []byte) error {
	n, err := unix.Pread(int(b.f.Fd()), buf, int64(blockno*blockSize))
	if err != nil {
		return fmt.Errorf("virtio: pread: %w", err)
	}

	for i := n; i < len(buf); i++ {
		buf[i] = 0 // reading past EOF yields zero-filled blocks.
	}

	return nil
}

func (b *FileBackend) WriteBlock(blockno uint64, buf []byte) error {
	_, err := unix.Pwrite(int(b.f.Fd()), buf, int64(blockno*blockSize))
	if err != nil {
		return fmt.Errorf("virtio: pwrite: %w", err)
	}

	return nil
}

func (b *FileBackend) Close() error { return b.f.Close() }

// MemBackend is an in-memory Backend used by tests and by in-process
// filesystem fixtures (internal/fs's test suite builds images this way,
// per the formatter's documented layout, without shelling out to a
// separate formatter tool).
type MemBackend struct {
	blocks map[uint64][]byte
}

// NewMemBackend creates an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{blocks: make(map[uint64][]byte)}
}

func (b *MemBackend) ReadBlock(blockno uint64, buf []byte) error {
	if data, ok := b.blocks[blockno]; ok {
		copy(buf, data)

		for i := len(data); i < len(buf); i++ {
			buf[i] = 0
		}

		return nil
	}

	for i := range buf {
		buf[i] = 0
	}

	return nil
}

func (b *MemBackend) WriteBlock(blockno uint64, buf []byte) error {
	data := make([]byte, len(buf))
	copy(data, buf)
	b.blocks[blockno] = data

	return nil
}
