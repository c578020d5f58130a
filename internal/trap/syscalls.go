package trap

import (
	"fmt"

	"github.com/smoynes/elsie/internal/fs"
	"github.com/smoynes/elsie/internal/proc"
)

// Register convention, matching original_source's sys_* argument marshaling:
// X[0] is the first argument (and, on return, the result); X[1], X[2] follow.
// String arguments are user-space pointers readCString walks; buffers are a
// (pointer, length) pair.

func sysFork(d *Dispatcher, p *proc.Process, ctx *UserContext) (uint64, error) {
	pid, err := d.sched.Fork(p, p.Entry())
	if err != nil {
		return 0, err
	}

	return uint64(pid), nil
}

func sysExec(d *Dispatcher, p *proc.Process, ctx *UserContext) (uint64, error) {
	path, err := readCString(d.arena, p.PageTb, ctx.X[0])
	if err != nil {
		return 0, err
	}

	argv, err := readArgv(d, p, ctx.X[1])
	if err != nil {
		return 0, err
	}

	err = d.sched.Exec(p, path, argv, func(pp *proc.Process, av [][]byte) {
		// The replaced program's entry point runs here; nothing further to
		// do on the trap side since Exec installed the new address space
		// before invoking it. A real ELR_EL1 jump has no return value.
	})
	if err != nil {
		return 0, err
	}

	return 0, nil
}

// readArgv walks a NUL-terminated array of pointers to NUL-terminated
// strings at va, mirroring original_source's sys_exec argv convention.
func readArgv(d *Dispatcher, p *proc.Process, va uint64) ([][]byte, error) {
	var argv [][]byte

	for i := 0; i < 64; i++ {
		ptrBytes, err := readUser(d.arena, p.PageTb, va+uint64(i)*8, 8)
		if err != nil {
			return nil, err
		}

		ptr := leUint64(ptrBytes)
		if ptr == 0 {
			return argv, nil
		}

		s, err := readCString(d.arena, p.PageTb, ptr)
		if err != nil {
			return nil, err
		}

		argv = append(argv, []byte(s))
	}

	return nil, fmt.Errorf("%w: argv exceeds 64 entries", ErrTrap)
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}

	return v
}

func sysOpen(d *Dispatcher, p *proc.Process, ctx *UserContext) (uint64, error) {
	path, err := readCString(d.arena, p.PageTb, ctx.X[0])
	if err != nil {
		return 0, err
	}

	flags := int(ctx.X[1])

	cwdIno, err := d.fsys.GetInode(p.Cwd())
	if err != nil {
		return 0, err
	}

	ino, err := d.fsys.Open(path, flags, cwdIno)
	if err != nil {
		return 0, err
	}

	f := fs.NewFile(d.fsys, ino, flags)

	fd, err := p.Files.Install(f)
	if err != nil {
		return 0, err
	}

	return uint64(fd), nil
}

func sysRead(d *Dispatcher, p *proc.Process, ctx *UserContext) (uint64, error) {
	fd := int(ctx.X[0])
	va := ctx.X[1]
	n := int(ctx.X[2])

	f, err := p.Files.Get(fd)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, n)

	read, err := f.Read(buf)
	if err != nil {
		return 0, err
	}

	if err := writeUser(d.arena, p.PageTb, va, buf[:read]); err != nil {
		return 0, err
	}

	return uint64(read), nil
}

func sysWrite(d *Dispatcher, p *proc.Process, ctx *UserContext) (uint64, error) {
	fd := int(ctx.X[0])
	va := ctx.X[1]
	n := int(ctx.X[2])

	f, err := p.Files.Get(fd)
	if err != nil {
		return 0, err
	}

	buf, err := readUser(d.arena, p.PageTb, va, n)
	if err != nil {
		return 0, err
	}

	written, err := f.Write(buf)
	if err != nil {
		return 0, err
	}

	return uint64(written), nil
}

// sysClose is unimplemented, matching original_source's sys_close (which
// panics via unimplemented!()) and spec.md's syscall table entry for 5.
func sysClose(d *Dispatcher, p *proc.Process, ctx *UserContext) (uint64, error) {
	panic(fmt.Sprintf("pid %d: close is unimplemented", p.Pid))
}

func sysWaitpid(d *Dispatcher, p *proc.Process, ctx *UserContext) (uint64, error) {
	pid := int(ctx.X[0])
	if err := d.sched.Wait(p, pid); err != nil {
		return 0, err
	}

	return uint64(pid), nil
}

func sysExit(d *Dispatcher, p *proc.Process, ctx *UserContext) (uint64, error) {
	d.sched.Exit(p)
	return 0, nil
}

func sysGetdents(d *Dispatcher, p *proc.Process, ctx *UserContext) (uint64, error) {
	fd := int(ctx.X[0])
	va := ctx.X[1]
	n := int(ctx.X[2])

	f, err := p.Files.Get(fd)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, n)

	read, err := fs.Getdents(f, buf)
	if err != nil {
		return 0, err
	}

	if err := writeUser(d.arena, p.PageTb, va, buf[:read]); err != nil {
		return 0, err
	}

	return uint64(read), nil
}

func sysSbrk(d *Dispatcher, p *proc.Process, ctx *UserContext) (uint64, error) {
	inc := int64(ctx.X[0])

	old, err := d.sched.Sbrk(p, inc)
	if err != nil {
		return 0, err
	}

	return old, nil
}

func sysGetcwd(d *Dispatcher, p *proc.Process, ctx *UserContext) (uint64, error) {
	va := ctx.X[0]
	n := int(ctx.X[1])

	path, err := d.sched.GetCwd(p)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, len(path)+1)
	copy(buf, path)

	if len(buf) > n {
		return 0, fmt.Errorf("%w: getcwd: buffer too small", ErrTrap)
	}

	if err := writeUser(d.arena, p.PageTb, va, buf); err != nil {
		return 0, err
	}

	return uint64(len(path)), nil
}

func sysMkdir(d *Dispatcher, p *proc.Process, ctx *UserContext) (uint64, error) {
	path, err := readCString(d.arena, p.PageTb, ctx.X[0])
	if err != nil {
		return 0, err
	}

	cwdIno, err := d.fsys.GetInode(p.Cwd())
	if err != nil {
		return 0, err
	}

	if err := d.fsys.Mkdir(path, cwdIno); err != nil {
		return 0, err
	}

	return 0, nil
}

func sysChdir(d *Dispatcher, p *proc.Process, ctx *UserContext) (uint64, error) {
	path, err := readCString(d.arena, p.PageTb, ctx.X[0])
	if err != nil {
		return 0, err
	}

	if err := d.sched.Chdir(p, path); err != nil {
		return 0, err
	}

	return 0, nil
}
