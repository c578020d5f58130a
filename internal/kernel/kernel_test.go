package kernel

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/smoynes/elsie/internal/common"
	"github.com/smoynes/elsie/internal/fs"
	"github.com/smoynes/elsie/internal/mmu"
	"github.com/smoynes/elsie/internal/proc"
	"github.com/smoynes/elsie/internal/trap"
	"github.com/smoynes/elsie/internal/virtio"
)

// regIMSC is the UART's interrupt mask set/clear register offset, the same
// one cmd/kernelctl's run command unmasks through the bus before attaching
// a host terminal.
const regIMSC = 0x38

// Exception classes, duplicated from internal/trap (unexported there):
// bits [31:26] of a hand-built ESR_EL1 value.
const (
	ecSVC        = 0b010101
	ecDataAbortL = 0b100100
)

func svc(num uint64) uint64 { return ecSVC<<26 | num }
func dataAbortESR() uint64  { return ecDataAbortL << 26 }

// buildDiskImage lays out a formatted filesystem by hand, the way
// internal/fs.Format does, plus one extra regular file "/init" holding an
// ELF header's first four bytes — Inode/Dirent's byte layout is
// package-private to internal/fs, so it is reproduced here rather than
// imported (internal/fs/fs_test.go's buildFixture does the same thing
// within that package).
func buildDiskImage(tt *testing.T) *virtio.MemBackend {
	tt.Helper()

	backend := virtio.NewMemBackend()

	write := func(block uint32, buf []byte) {
		padded := make([]byte, common.BlockSize)
		copy(padded, buf)

		if err := backend.WriteBlock(uint64(block), padded); err != nil {
			tt.Fatalf("write block %d: %v", block, err)
		}
	}

	write(0, fs.EncodeSuperblock(fs.Superblock{RootInode: 2, BitmapBlock: 1}))

	bitmap := make([]byte, common.BlockSize)
	bitmap[0] = 0x3f // blocks 0-5 in use
	write(1, bitmap)

	root := fs.Inode{Type: fs.TypeDir, Number: 2, Parent: 2, Size: 32, Addr: [13]uint32{3}}
	write(2, encodeInode(root))

	dot := fs.Dirent{InodeNum: 2}
	copy(dot.Name[:], "..")

	initEnt := fs.Dirent{InodeNum: 4}
	copy(initEnt.Name[:], "init")

	dirBlock := make([]byte, 32)
	copy(dirBlock[0:16], encodeDirent(dot))
	copy(dirBlock[16:32], encodeDirent(initEnt))
	write(3, dirBlock)

	initIno := fs.Inode{Type: fs.TypeFile, Number: 4, Parent: 2, Size: 4, Addr: [13]uint32{5}}
	write(4, encodeInode(initIno))

	write(5, []byte{0x7f, 'E', 'L', 'F'})

	return backend
}

func encodeInode(ino fs.Inode) []byte {
	buf := make([]byte, 4+4+4+4+len(ino.Addr)*4)
	buf[0] = ino.Type
	binary.LittleEndian.PutUint32(buf[4:8], ino.Number)
	binary.LittleEndian.PutUint32(buf[8:12], ino.Parent)
	binary.LittleEndian.PutUint32(buf[12:16], ino.Size)

	for i, a := range ino.Addr {
		off := 16 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], a)
	}

	return buf
}

func encodeDirent(d fs.Dirent) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], d.InodeNum)
	copy(buf[4:16], d.Name[:])

	return buf
}

// runScenario boots a Machine over backend and runs body on process 0's own
// goroutine, synchronizing the returned error back to the test's own
// goroutine via a channel — body cannot call tt.Fatalf itself, since that
// is only safe from the goroutine running the test function.
func runScenario(tt *testing.T, backend virtio.Backend, out *bytes.Buffer, body func(m *Machine, p *proc.Process) error) {
	tt.Helper()

	m := New(WithOutput(func(b byte) {
		if out != nil {
			out.WriteByte(b)
		}
	}))

	done := make(chan struct{})
	childErrs := make(chan error, proc.MaxProcesses)

	var bodyErr error

	// A forked child inherits this entry point, so body also runs on each
	// child's goroutine; only process 0 reports through done.
	_, err := m.Boot(backend, []byte{0}, func(p *proc.Process) {
		err := body(m, p)
		if p.Pid != 0 {
			childErrs <- err
			return
		}

		bodyErr = err
		close(done)
	})
	if err != nil {
		tt.Fatalf("boot: %v", err)
	}

	m.RunOnce()
	<-done

	if bodyErr != nil {
		tt.Fatal(bodyErr)
	}

	for len(childErrs) > 0 {
		if err := <-childErrs; err != nil {
			tt.Fatal(err)
		}
	}
}

func mapPage(p *proc.Process, va uint64) error {
	_, err := p.PageTb.Create(va, common.PageSize, mmu.RW)
	return err
}

// S1: boot-to-shell. The init process reads its own cwd and writes it to
// stdout; the UART should show the root path.
func TestBootToShellPrintsRootPath(tt *testing.T) {
	backend := buildDiskImage(tt)

	var out bytes.Buffer

	runScenario(tt, backend, &out, func(m *Machine, p *proc.Process) error {
		bufVA := common.UserTextBase + common.PageSize
		if err := mapPage(p, bufVA); err != nil {
			return fmt.Errorf("map buf: %w", err)
		}

		getcwdCtx := &trap.UserContext{}
		getcwdCtx.X[0] = bufVA
		getcwdCtx.X[1] = 64

		m.Trap().HandleSync(p, svc(10), 0, getcwdCtx)
		if int64(getcwdCtx.X[0]) == -1 {
			return fmt.Errorf("getcwd failed")
		}

		writeCtx := &trap.UserContext{}
		writeCtx.X[0] = 1
		writeCtx.X[1] = bufVA
		writeCtx.X[2] = 1

		m.Trap().HandleSync(p, svc(4), 0, writeCtx)
		if int64(writeCtx.X[0]) == -1 {
			return fmt.Errorf("write failed")
		}

		m.Trap().HandleSync(p, svc(7), 0, &trap.UserContext{})

		return nil
	})

	if !bytes.Contains(out.Bytes(), []byte("/")) {
		tt.Fatalf("shell output = %q, want it to contain the root path", out.String())
	}
}

// S2: fork/wait. The child prints "C" and exits; the parent waits for it
// and only then prints "P" — the order is deterministic regardless of
// scheduling because wait blocks until the child is reaped.
func TestForkWaitPrintsChildThenParent(tt *testing.T) {
	backend := buildDiskImage(tt)

	var out bytes.Buffer

	runScenario(tt, backend, &out, func(m *Machine, p *proc.Process) error {
		scratchVA := common.UserTextBase + common.PageSize
		if err := mapPage(p, scratchVA); err != nil {
			return fmt.Errorf("map scratch: %w", err)
		}

		printByte := func(pp *proc.Process, b byte) error {
			copy(m.Arena().Slice(mustWalk(pp, scratchVA), 1), []byte{b})

			writeCtx := &trap.UserContext{}
			writeCtx.X[0] = 1
			writeCtx.X[1] = scratchVA
			writeCtx.X[2] = 1

			m.Trap().HandleSync(pp, svc(4), 0, writeCtx)
			if int64(writeCtx.X[0]) == -1 {
				return fmt.Errorf("write failed")
			}

			return nil
		}

		// A forked child reuses this exact closure as its entry point, so
		// it must print and exit immediately rather than forking again.
		if p.Pid != 0 {
			if err := printByte(p, 'C'); err != nil {
				return err
			}

			m.Trap().HandleSync(p, svc(7), 0, &trap.UserContext{})

			return nil
		}

		forkCtx := &trap.UserContext{}
		m.Trap().HandleSync(p, svc(0), 0, forkCtx)

		if int64(forkCtx.X[0]) == -1 {
			return fmt.Errorf("fork failed")
		}

		childPid := forkCtx.X[0]

		for i := 0; i < 10 && m.Scheduler().RunOnce() > 0; i++ {
		}

		waitCtx := &trap.UserContext{}
		waitCtx.X[0] = childPid

		m.Trap().HandleSync(p, svc(6), 0, waitCtx)
		if int64(waitCtx.X[0]) == -1 {
			return fmt.Errorf("waitpid failed")
		}

		return printByte(p, 'P')
	})

	if out.String() != "CP" {
		tt.Fatalf("shell output = %q, want %q", out.String(), "CP")
	}
}

func mustWalk(p *proc.Process, va uint64) uint64 {
	pa, _ := p.PageTb.Walk(va)
	return pa
}

// S3: stdin line discipline. "ab\x08c\r" arrives a byte at a time over the
// UART; backspace erases the "b", so read(0, ...) returns "ac".
func TestStdinLineDisciplineAppliesBackspace(tt *testing.T) {
	backend := buildDiskImage(tt)

	var out bytes.Buffer

	runScenario(tt, backend, &out, func(m *Machine, p *proc.Process) error {
		for _, b := range []byte("ab\x08c\r") {
			m.UART().Inject(b)
			m.Trap().HandleIRQ(common.IRQUART)
		}

		bufVA := common.UserTextBase + common.PageSize
		if err := mapPage(p, bufVA); err != nil {
			return fmt.Errorf("map buf: %w", err)
		}

		readCtx := &trap.UserContext{}
		readCtx.X[0] = 0
		readCtx.X[1] = bufVA
		readCtx.X[2] = 16

		m.Trap().HandleSync(p, svc(3), 0, readCtx)
		if int64(readCtx.X[0]) == -1 {
			return fmt.Errorf("read failed")
		}

		n := int(readCtx.X[0])

		got := string(m.Arena().Slice(mustWalk(p, bufVA), uint64(n)))
		if got != "ac" {
			return fmt.Errorf("read line = %q, want %q", got, "ac")
		}

		return nil
	})
}

// S4: heap demand paging. sbrk(4096) returns the old break; the first
// access to that address faults in a zero-filled page rather than
// panicking.
func TestSbrkThenFirstAccessDemandMaps(tt *testing.T) {
	backend := buildDiskImage(tt)

	var out bytes.Buffer

	runScenario(tt, backend, &out, func(m *Machine, p *proc.Process) error {
		sbrkCtx := &trap.UserContext{}
		sbrkCtx.X[0] = common.PageSize

		m.Trap().HandleSync(p, svc(9), 0, sbrkCtx)
		if int64(sbrkCtx.X[0]) == -1 {
			return fmt.Errorf("sbrk failed")
		}

		heapVA := sbrkCtx.X[0]

		m.Trap().HandleSync(p, dataAbortESR(), heapVA, &trap.UserContext{})

		pa, ok := p.PageTb.Walk(heapVA)
		if !ok {
			return fmt.Errorf("expected heap page to be mapped after fault")
		}

		for _, b := range m.Arena().Slice(pa, common.PageSize) {
			if b != 0 {
				return fmt.Errorf("expected demand-mapped heap page to be zero-filled")
			}
		}

		return nil
	})
}

// S5: mkdir, chdir, getcwd. mkdir("foo"); chdir("foo"); getcwd(buf, 16)
// fills "/foo".
func TestMkdirChdirGetcwd(tt *testing.T) {
	backend := buildDiskImage(tt)

	var out bytes.Buffer

	runScenario(tt, backend, &out, func(m *Machine, p *proc.Process) error {
		pathVA := common.UserTextBase + common.PageSize
		if err := mapPage(p, pathVA); err != nil {
			return fmt.Errorf("map path: %w", err)
		}

		copy(m.Arena().Slice(mustWalk(p, pathVA), common.PageSize), append([]byte("foo"), 0))

		mkdirCtx := &trap.UserContext{}
		mkdirCtx.X[0] = pathVA

		m.Trap().HandleSync(p, svc(11), 0, mkdirCtx)
		if int64(mkdirCtx.X[0]) == -1 {
			return fmt.Errorf("mkdir failed")
		}

		chdirCtx := &trap.UserContext{}
		chdirCtx.X[0] = pathVA

		m.Trap().HandleSync(p, svc(12), 0, chdirCtx)
		if int64(chdirCtx.X[0]) == -1 {
			return fmt.Errorf("chdir failed")
		}

		bufVA := common.UserTextBase + 2*common.PageSize
		if err := mapPage(p, bufVA); err != nil {
			return fmt.Errorf("map cwd buf: %w", err)
		}

		getcwdCtx := &trap.UserContext{}
		getcwdCtx.X[0] = bufVA
		getcwdCtx.X[1] = 16

		m.Trap().HandleSync(p, svc(10), 0, getcwdCtx)
		if int64(getcwdCtx.X[0]) == -1 {
			return fmt.Errorf("getcwd failed")
		}

		n := int(getcwdCtx.X[0])

		got := string(m.Arena().Slice(mustWalk(p, bufVA), uint64(n)))
		if got != "/foo" {
			return fmt.Errorf("getcwd = %q, want %q", got, "/foo")
		}

		return nil
	})
}

// S6: virtio read round trip. open("/init", O_RDONLY) then read(fd, buf, 4)
// returns the ELF magic bytes planted directly on the disk image, proving
// the read path actually goes through the virtio-backed cache rather than
// some in-memory shortcut.
func TestOpenInitReadsThroughVirtio(tt *testing.T) {
	backend := buildDiskImage(tt)

	var out bytes.Buffer

	runScenario(tt, backend, &out, func(m *Machine, p *proc.Process) error {
		pathVA := common.UserTextBase + common.PageSize
		if err := mapPage(p, pathVA); err != nil {
			return fmt.Errorf("map path: %w", err)
		}

		copy(m.Arena().Slice(mustWalk(p, pathVA), common.PageSize), append([]byte("/init"), 0))

		openCtx := &trap.UserContext{}
		openCtx.X[0] = pathVA
		openCtx.X[1] = fs.FlagRDONLY

		m.Trap().HandleSync(p, svc(2), 0, openCtx)
		if int64(openCtx.X[0]) == -1 {
			return fmt.Errorf("open /init failed")
		}

		fd := openCtx.X[0]

		bufVA := common.UserTextBase + 2*common.PageSize
		if err := mapPage(p, bufVA); err != nil {
			return fmt.Errorf("map read buf: %w", err)
		}

		readCtx := &trap.UserContext{}
		readCtx.X[0] = fd
		readCtx.X[1] = bufVA
		readCtx.X[2] = 4

		m.Trap().HandleSync(p, svc(3), 0, readCtx)
		if int64(readCtx.X[0]) == -1 {
			return fmt.Errorf("read /init failed")
		}

		got := m.Arena().Slice(mustWalk(p, bufVA), 4)
		want := []byte{0x7f, 'E', 'L', 'F'}

		if !bytes.Equal(got, want) {
			return fmt.Errorf("read /init = %#v, want %#v", got, want)
		}

		return nil
	})
}

// The machine's memory-mapped register bus dispatches a store by physical
// address to the UART, the same path cmd/kernelctl run uses to unmask the
// receive interrupt before attaching a console.
func TestBusDispatchesUARTRegisterAccess(tt *testing.T) {
	backend := buildDiskImage(tt)

	var out bytes.Buffer

	runScenario(tt, backend, &out, func(m *Machine, p *proc.Process) error {
		if err := m.Bus().Store32(common.UARTBase+regIMSC, 1<<4); err != nil {
			return fmt.Errorf("store uart imsc via bus: %w", err)
		}

		got, err := m.Bus().Load32(common.UARTBase + regIMSC)
		if err != nil {
			return fmt.Errorf("load uart imsc via bus: %w", err)
		}

		if got != 1<<4 {
			return fmt.Errorf("uart imsc via bus = %#x, want %#x", got, 1<<4)
		}

		m.Trap().HandleSync(p, svc(7), 0, &trap.UserContext{})

		return nil
	})
}

// An address outside any mapped device's region is an error, not a panic
// or silent zero.
func TestBusRejectsUnmappedAddress(tt *testing.T) {
	backend := buildDiskImage(tt)

	var out bytes.Buffer

	runScenario(tt, backend, &out, func(m *Machine, p *proc.Process) error {
		if _, err := m.Bus().Load32(0); err == nil {
			return fmt.Errorf("load at unmapped address 0 succeeded, want an error")
		}

		m.Trap().HandleSync(p, svc(7), 0, &trap.UserContext{})

		return nil
	})
}
