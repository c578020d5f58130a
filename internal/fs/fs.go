// Package fs implements the kernel's on-disk filesystem: a superblock, a
// flat inode table, a block allocation bitmap, and directories built from
// packed dirent arrays. Every block is read and written through
// internal/cache, except by Format, which writes a fresh image straight to
// the disk.
package fs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/smoynes/elsie/internal/cache"
	"github.com/smoynes/elsie/internal/common"
)

// Open flags, matching the syscall ABI bit for bit.
const (
	FlagRDONLY   = 1
	FlagWRONLY   = 2
	FlagRDWR     = 4
	FlagDIRECTORY = 8
)

// Inode types.
const (
	TypeDir    = 0
	TypeFile   = 1
	TypeDevice = 2
)

const (
	superblockBlock = 0
	bitmapBlock     = 1
	rootInodeBlock  = 2

	dirEntSize = 16
	maxDirEnts = common.BlockSize / dirEntSize
)

// ErrFS wraps every error this package returns to the kernel's syscall
// layer; the more specific sentinels below identify which recoverable
// condition occurred (per spec.md's error taxonomy, every one of these
// is surfaced to the caller as -1, never panics).
var (
	ErrFS         = errors.New("fs error")
	ErrNotFound   = errors.New("no such file or directory")
	ErrNotDir     = errors.New("not a directory")
	ErrIsDir      = errors.New("is a directory")
	ErrDirFull    = errors.New("directory full")
	ErrNoSpace    = errors.New("no free blocks")
	ErrBadFlags   = errors.New("bad open flags")
	ErrReadOnly   = errors.New("read-only file")
	ErrWriteOnly  = errors.New("write-only file")
	ErrOutOfRange = errors.New("offset out of range")
)

func wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrFS, sentinel, fmt.Sprintf(format, args...))
}

// FS is a mounted filesystem: a block cache plus the superblock's cached
// identity (root inode number, bitmap block number).
type FS struct {
	cache   *cache.Cache
	root    uint32
	bitmap  uint32
}

// Mount reads the superblock from block 0 and returns a ready FS.
func Mount(c *cache.Cache) (*FS, error) {
	buf, err := c.Read(superblockBlock)
	if err != nil {
		return nil, fmt.Errorf("%w: mount: %w", ErrFS, err)
	}

	sb := decodeSuperblock(buf.Data())

	return &FS{cache: c, root: sb.RootInode, bitmap: sb.BitmapBlock}, nil
}

// Superblock is the on-disk block 0: the root inode's block number and the
// allocation bitmap's block number. Everything else in the block is
// zero-padded.
type Superblock struct {
	RootInode   uint32
	BitmapBlock uint32
}

func decodeSuperblock(b []byte) Superblock {
	return Superblock{
		RootInode:   binary.LittleEndian.Uint32(b[0:4]),
		BitmapBlock: binary.LittleEndian.Uint32(b[4:8]),
	}
}

// EncodeSuperblock renders a Superblock into a zero-padded block, used by
// the (out of scope) formatter and by tests that build fixture images.
func EncodeSuperblock(sb Superblock) []byte {
	buf := make([]byte, common.BlockSize)
	binary.LittleEndian.PutUint32(buf[0:4], sb.RootInode)
	binary.LittleEndian.PutUint32(buf[4:8], sb.BitmapBlock)

	return buf
}

// Format writes a fresh, empty filesystem directly to disk, bypassing the
// cache since there is nothing yet to read: a superblock at block 0, an
// allocation bitmap at block 1 marking blocks 0-3 in use, and an empty root
// directory (inode at block 2, its single ".." entry at block 3). It is
// the basis for the kernelctl format subcommand and for tests that need a
// ready filesystem without a separately built disk image.
func Format(disk cache.Disk) error {
	sb := EncodeSuperblock(Superblock{RootInode: rootInodeBlock, BitmapBlock: bitmapBlock})
	if err := disk.DiskRW(superblockBlock, sb, true); err != nil {
		return fmt.Errorf("%w: format: superblock: %w", ErrFS, err)
	}

	bitmap := make([]byte, common.BlockSize)
	bitmap[0] = 0x0f

	if err := disk.DiskRW(bitmapBlock, bitmap, true); err != nil {
		return fmt.Errorf("%w: format: bitmap: %w", ErrFS, err)
	}

	root := Inode{Type: TypeDir, Number: rootInodeBlock, Parent: rootInodeBlock, Size: dirEntSize}
	root.Addr[0] = 3

	if err := disk.DiskRW(rootInodeBlock, padToBlock(encodeInode(root)), true); err != nil {
		return fmt.Errorf("%w: format: root inode: %w", ErrFS, err)
	}

	dot := Dirent{InodeNum: rootInodeBlock}
	copy(dot.Name[:], "..")

	if err := disk.DiskRW(3, padToBlock(encodeDirent(dot)), true); err != nil {
		return fmt.Errorf("%w: format: root dirent: %w", ErrFS, err)
	}

	return nil
}

func padToBlock(b []byte) []byte {
	buf := make([]byte, common.BlockSize)
	copy(buf, b)

	return buf
}

// GetInode reads the inode stored at block num. Every inode lives
// one-per-block, so its block number doubles as its inode number.
func (fs *FS) GetInode(num uint32) (*Inode, error) {
	buf, err := fs.cache.Read(uint64(num))
	if err != nil {
		return nil, fmt.Errorf("%w: inode %d: %w", ErrFS, num, err)
	}

	ino := decodeInode(buf.Data())

	return &ino, nil
}

// putInode writes ino back to its block.
func (fs *FS) putInode(ino *Inode) error {
	buf, err := fs.cache.Read(uint64(ino.Number))
	if err != nil {
		return fmt.Errorf("%w: inode %d: %w", ErrFS, ino.Number, err)
	}

	return buf.Write(0, encodeInode(*ino))
}

// RootInode returns the filesystem's root directory inode.
func (fs *FS) RootInode() (*Inode, error) {
	return fs.GetInode(fs.root)
}

// bitmapBuffer returns the current allocation bitmap block's buffer.
func (fs *FS) bitmapBuffer() (*cache.Buffer, error) {
	buf, err := fs.cache.Read(uint64(fs.bitmap))
	if err != nil {
		return nil, fmt.Errorf("%w: bitmap: %w", ErrFS, err)
	}

	return buf, nil
}

// allocBlock finds the first free block (first byte not 0xFF, then the
// first zero bit within it) and marks it used.
func (fs *FS) allocBlock() (uint32, error) {
	buf, err := fs.bitmapBuffer()
	if err != nil {
		return 0, err
	}

	data := buf.Data()

	for i, b := range data {
		if b == 0xff {
			continue
		}

		bit := trailingOnes(b)
		data[i] = b | (b + 1) // sets the lowest zero bit.

		if err := buf.Write(i, []byte{data[i]}); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrFS, err)
		}

		return uint32(i)*8 + uint32(bit), nil
	}

	return 0, wrap(ErrNoSpace, "bitmap exhausted")
}

func trailingOnes(b byte) int {
	n := 0

	for b&1 == 1 {
		n++
		b >>= 1
	}

	return n
}

// PathLookup resolves path to an inode. A leading '.' or the absence of a
// leading '/' resolves relative to cwd; otherwise it resolves from root.
func (fs *FS) PathLookup(path string, cwd *Inode) (*Inode, error) {
	ino := cwd

	if strings.HasPrefix(path, "/") && !strings.HasPrefix(path, ".") {
		root, err := fs.RootInode()
		if err != nil {
			return nil, err
		}

		ino = root
	}

	for _, name := range strings.Split(path, "/") {
		if name == "" || name == "." {
			continue
		}

		if ino.Type != TypeDir {
			return nil, wrap(ErrNotDir, "%q", name)
		}

		next, err := fs.lookupEntry(ino, name)
		if err != nil {
			return nil, err
		}

		ino = next
	}

	return ino, nil
}

func (fs *FS) lookupEntry(dir *Inode, name string) (*Inode, error) {
	entries, err := fs.readDirents(dir)
	if err != nil {
		return nil, err
	}

	for _, ent := range entries {
		if ent.MatchName(name) {
			return fs.GetInode(ent.InodeNum)
		}
	}

	return nil, wrap(ErrNotFound, "%q", name)
}

// readDirents reads a directory inode's body as a packed dirent array.
func (fs *FS) readDirents(dir *Inode) ([]Dirent, error) {
	n := int(dir.Size) / dirEntSize

	buf := make([]byte, dir.Size)
	if _, err := fs.readAt(dir, 0, buf); err != nil {
		return nil, err
	}

	entries := make([]Dirent, n)
	for i := 0; i < n; i++ {
		entries[i] = decodeDirent(buf[i*dirEntSize : (i+1)*dirEntSize])
	}

	return entries, nil
}

// Open resolves path and, if it names a directory, requires FlagDIRECTORY.
func (fs *FS) Open(path string, flags int, cwd *Inode) (*Inode, error) {
	ino, err := fs.PathLookup(path, cwd)
	if err != nil {
		return nil, err
	}

	if ino.Type == TypeDir && flags&FlagDIRECTORY == 0 {
		return nil, wrap(ErrIsDir, "%q", path)
	}

	return ino, nil
}

// Mkdir creates a new, empty directory at path, linked into its parent.
func (fs *FS) Mkdir(path string, cwd *Inode) error {
	parentPath, name := splitPath(path)
	if name == "" {
		return wrap(ErrNotFound, "empty path")
	}

	parent, err := fs.PathLookup(parentPath, cwd)
	if err != nil {
		return err
	}

	if parent.Type != TypeDir {
		return wrap(ErrNotDir, "%q", parentPath)
	}

	if int(parent.Size)+dirEntSize > common.BlockSize {
		return wrap(ErrDirFull, "%q", parentPath)
	}

	block, err := fs.allocBlock()
	if err != nil {
		return err
	}

	newIno := Inode{Type: TypeDir, Number: block, Parent: parent.Number}

	dot := Dirent{InodeNum: parent.Number}
	copy(dot.Name[:], "..")

	if err := fs.writeAt(&newIno, 0, encodeDirent(dot)); err != nil {
		return err
	}

	if err := fs.putInode(&newIno); err != nil {
		return err
	}

	ent := Dirent{InodeNum: block}
	copy(ent.Name[:], name)

	if err := fs.writeAt(parent, int64(parent.Size), encodeDirent(ent)); err != nil {
		return err
	}

	return fs.putInode(parent)
}

// Getcwd renders the absolute path to ino by walking ".." links to root.
func (fs *FS) Getcwd(ino *Inode) (string, error) {
	if ino.Number == fs.root {
		return "/", nil
	}

	var parts []string

	cur := ino

	for cur.Number != fs.root {
		parent, err := fs.GetInode(cur.Parent)
		if err != nil {
			return "", err
		}

		name, err := fs.childName(parent, cur.Number)
		if err != nil {
			return "", err
		}

		parts = append([]string{name}, parts...)
		cur = parent
	}

	return "/" + strings.Join(parts, "/"), nil
}

func (fs *FS) childName(dir *Inode, childNum uint32) (string, error) {
	entries, err := fs.readDirents(dir)
	if err != nil {
		return "", err
	}

	for _, ent := range entries {
		if ent.InodeNum == childNum {
			name := ent.nameString()
			if name != ".." {
				return name, nil
			}
		}
	}

	return "", wrap(ErrNotFound, "child %d not linked in parent %d", childNum, dir.Number)
}

func splitPath(path string) (dir, base string) {
	path = strings.TrimRight(path, "/")
	idx := strings.LastIndex(path, "/")

	if idx < 0 {
		return ".", path
	}

	if idx == 0 {
		return "/", path[1:]
	}

	return path[:idx], path[idx+1:]
}
