package fs

// FileOperation is the read/write behavior behind an open file descriptor.
// Regular files implement it against inode data; stdio implements it
// against whatever line-discipline queue and UART writer the process
// subsystem supplies, via FuncOps, so this package stays free of a
// dependency on internal/proc or internal/uart.
type FileOperation interface {
	Read(pos *int64, buf []byte) (int, error)
	Write(pos *int64, buf []byte) (int, error)
}

// File is an open file description: a cursor plus the flags it was opened
// with, shared by every fd table entry that duplicates it.
type File struct {
	flags int
	pos   int64
	op    FileOperation
}

// NewFile opens a regular file's inode for reading and/or writing.
func NewFile(fs *FS, ino *Inode, flags int) *File {
	return &File{flags: flags, op: &inodeOps{fs: fs, ino: ino}}
}

// NewStdio wraps externally supplied read/write behavior (the stdin line
// queue, the UART writer) as a read-write file description.
func NewStdio(op FileOperation) *File {
	return &File{flags: FlagRDWR, op: op}
}

// Write appends buf at the file's cursor, failing if the file was opened
// read-only.
func (f *File) Write(buf []byte) (int, error) {
	if f.flags&FlagRDONLY != 0 {
		return 0, wrap(ErrReadOnly, "write")
	}

	return f.op.Write(&f.pos, buf)
}

// Read fills buf from the file's cursor, failing if the file was opened
// write-only.
func (f *File) Read(buf []byte) (int, error) {
	if f.flags&FlagWRONLY != 0 {
		return 0, wrap(ErrWriteOnly, "read")
	}

	return f.op.Read(&f.pos, buf)
}

// Flags returns the flags the file was opened with.
func (f *File) Flags() int { return f.flags }

// Inode is the underlying inode, or nil for stdio files — used by getdents.
func (f *File) Inode() *Inode {
	if ops, ok := f.op.(*inodeOps); ok {
		return ops.ino
	}

	return nil
}

// inodeOps implements FileOperation against an on-disk inode's data.
type inodeOps struct {
	fs  *FS
	ino *Inode
}

func (o *inodeOps) Read(pos *int64, buf []byte) (int, error) {
	remaining := int64(o.ino.Size) - *pos
	if remaining <= 0 {
		return 0, nil
	}

	if int64(len(buf)) > remaining {
		buf = buf[:remaining]
	}

	n, err := o.fs.readAt(o.ino, *pos, buf)
	*pos += int64(n)

	return n, err
}

func (o *inodeOps) Write(pos *int64, buf []byte) (int, error) {
	if err := o.fs.writeAt(o.ino, *pos, buf); err != nil {
		return 0, err
	}

	if err := o.fs.putInode(o.ino); err != nil {
		return 0, err
	}

	*pos += int64(len(buf))

	return len(buf), nil
}

// FuncOps adapts two plain functions to FileOperation; the position
// argument is ignored since stdio has no seekable offset.
type FuncOps struct {
	ReadFn  func(buf []byte) (int, error)
	WriteFn func(buf []byte) (int, error)
}

func (f FuncOps) Read(_ *int64, buf []byte) (int, error)  { return f.ReadFn(buf) }
func (f FuncOps) Write(_ *int64, buf []byte) (int, error) { return f.WriteFn(buf) }

// Getdents reads raw dirent bytes from a directory file descriptor into
// buf, as the getdents syscall exposes them to userspace.
func Getdents(f *File, buf []byte) (int, error) {
	ino := f.Inode()
	if ino == nil || ino.Type != TypeDir {
		return 0, wrap(ErrNotDir, "getdents")
	}

	return f.Read(buf)
}
