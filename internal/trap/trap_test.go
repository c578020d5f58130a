package trap

import (
	"fmt"
	"testing"

	"github.com/smoynes/elsie/internal/cache"
	"github.com/smoynes/elsie/internal/common"
	"github.com/smoynes/elsie/internal/fs"
	"github.com/smoynes/elsie/internal/mm"
	"github.com/smoynes/elsie/internal/mmu"
	"github.com/smoynes/elsie/internal/proc"
	"github.com/smoynes/elsie/internal/virtio"
)

// testFixture wires a Dispatcher over a real scheduler, filesystem, and
// arena, without a GIC or UART — every test here drives HandleSync
// directly, by hand-building a UserContext, rather than decoding real
// exceptions off real hardware.
type testFixture struct {
	d     *Dispatcher
	sched *proc.Scheduler
	fsys  *fs.FS
	arena *mm.Arena
}

func newFixture(tt *testing.T) *testFixture {
	tt.Helper()

	const arenaPages = 1024
	arena := mm.NewArena(common.KernelBase, make([]byte, arenaPages*common.PageSize))
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

	sched := proc.NewScheduler(arena, buddy, fsys, nil)
	d := New(arena, sched, fsys, nil, nil, nil)

	return &testFixture{d: d, sched: sched, fsys: fsys, arena: arena}
}

// spawnInit creates process 0 with a one-byte placeholder text page (its
// contents are irrelevant: HandleSync is driven directly here, not by
// decoding this image) and runs body to completion on process 0's own
// goroutine. body's returned error, if any, fails the test — it cannot call
// tt.Fatalf itself, since that is only safe from the goroutine running the
// test function, and body runs on a process goroutine spawned by the
// scheduler.
func (f *testFixture) spawnInit(tt *testing.T, body func(p *proc.Process) error) {
	tt.Helper()

	done := make(chan struct{})
	childErrs := make(chan error, proc.MaxProcesses)

	var bodyErr error

	// A forked child inherits this entry point, so body also runs on each
	// child's goroutine; only process 0 reports through done.
	_, err := f.sched.InitFirst([]byte{0}, func(pp *proc.Process) {
		err := body(pp)
		if pp.Pid != 0 {
			childErrs <- err
			return
		}

		bodyErr = err
		close(done)
	})
	if err != nil {
		tt.Fatalf("init_first: %v", err)
	}

	f.sched.RunOnce()
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

func putCString(f *testFixture, p *proc.Process, va uint64, s string) error {
	return writeUser(f.arena, p.PageTb, va, append([]byte(s), 0))
}

// expectPanic runs fn, which must panic, and turns that panic into a nil
// error — the inverse of a normal assertion, since HandleSync's panics are
// the behavior under test here.
func expectPanic(fn func()) (err error) {
	defer func() {
		if recover() == nil {
			err = fmt.Errorf("expected panic, got none")
		}
	}()

	fn()

	return fmt.Errorf("expected panic, got none")
}

func TestHandleSyncOpenAndGetdents(tt *testing.T) {
	f := newFixture(tt)

	f.spawnInit(tt, func(p *proc.Process) error {
		pathVA := common.UserTextBase + common.PageSize
		if _, err := p.PageTb.Create(pathVA, common.PageSize, mmu.RW); err != nil {
			return fmt.Errorf("map path page: %w", err)
		}

		if err := putCString(f, p, pathVA, "/"); err != nil {
			return err
		}

		openCtx := &UserContext{}
		openCtx.X[0] = pathVA
		openCtx.X[1] = fs.FlagRDONLY | fs.FlagDIRECTORY

		f.d.HandleSync(p, svcESR(2), 0, openCtx)
		if int64(openCtx.X[0]) == -1 {
			return fmt.Errorf("open / failed")
		}

		fd := openCtx.X[0]

		bufVA := common.UserTextBase + 2*common.PageSize
		if _, err := p.PageTb.Create(bufVA, common.PageSize, mmu.RW); err != nil {
			return fmt.Errorf("map dirents buf: %w", err)
		}

		getdentsCtx := &UserContext{}
		getdentsCtx.X[0] = fd
		getdentsCtx.X[1] = bufVA
		getdentsCtx.X[2] = common.PageSize

		f.d.HandleSync(p, svcESR(8), 0, getdentsCtx)
		if int64(getdentsCtx.X[0]) == -1 {
			return fmt.Errorf("getdents failed")
		}

		if getdentsCtx.X[0] == 0 {
			return fmt.Errorf("expected at least the root's .. entry")
		}

		return nil
	})
}

func TestHandleSyncMkdirChdirGetcwd(tt *testing.T) {
	f := newFixture(tt)

	f.spawnInit(tt, func(p *proc.Process) error {
		pathVA := common.UserTextBase + common.PageSize
		if _, err := p.PageTb.Create(pathVA, common.PageSize, mmu.RW); err != nil {
			return fmt.Errorf("map path page: %w", err)
		}

		if err := putCString(f, p, pathVA, "/sub"); err != nil {
			return err
		}

		mkdirCtx := &UserContext{}
		mkdirCtx.X[0] = pathVA

		f.d.HandleSync(p, svcESR(11), 0, mkdirCtx)
		if int64(mkdirCtx.X[0]) == -1 {
			return fmt.Errorf("mkdir failed")
		}

		chdirCtx := &UserContext{}
		chdirCtx.X[0] = pathVA

		f.d.HandleSync(p, svcESR(12), 0, chdirCtx)
		if int64(chdirCtx.X[0]) == -1 {
			return fmt.Errorf("chdir failed")
		}

		bufVA := common.UserTextBase + 2*common.PageSize
		if _, err := p.PageTb.Create(bufVA, common.PageSize, mmu.RW); err != nil {
			return fmt.Errorf("map cwd buf: %w", err)
		}

		getcwdCtx := &UserContext{}
		getcwdCtx.X[0] = bufVA
		getcwdCtx.X[1] = 64

		f.d.HandleSync(p, svcESR(10), 0, getcwdCtx)
		if int64(getcwdCtx.X[0]) == -1 {
			return fmt.Errorf("getcwd failed")
		}

		got, err := readCString(f.arena, p.PageTb, bufVA)
		if err != nil {
			return fmt.Errorf("read cwd result: %w", err)
		}

		if got != "/sub" {
			return fmt.Errorf("getcwd = %q, want /sub", got)
		}

		return nil
	})
}

func TestHandleSyncSbrk(tt *testing.T) {
	f := newFixture(tt)

	f.spawnInit(tt, func(p *proc.Process) error {
		ctx := &UserContext{}
		ctx.X[0] = 4096

		f.d.HandleSync(p, svcESR(9), 0, ctx)
		if int64(ctx.X[0]) == -1 {
			return fmt.Errorf("sbrk failed")
		}

		return nil
	})
}

func TestHandleSyncExitAndWaitpid(tt *testing.T) {
	f := newFixture(tt)

	f.spawnInit(tt, func(p *proc.Process) error {
		// A forked child reuses this exact closure as its entry point (fork's
		// entry propagation), so it must exit immediately rather than
		// forking again itself.
		if p.Pid != 0 {
			f.d.HandleSync(p, svcESR(7), 0, &UserContext{})
			return nil
		}

		forkCtx := &UserContext{}
		f.d.HandleSync(p, svcESR(0), 0, forkCtx)

		if int64(forkCtx.X[0]) == -1 {
			return fmt.Errorf("fork failed")
		}

		childPid := forkCtx.X[0]

		for i := 0; i < 10 && f.sched.RunOnce() > 0; i++ {
		}

		waitCtx := &UserContext{}
		waitCtx.X[0] = childPid

		f.d.HandleSync(p, svcESR(6), 0, waitCtx)
		if int64(waitCtx.X[0]) == -1 {
			return fmt.Errorf("waitpid failed")
		}

		return nil
	})
}

func TestHandleSyncUnknownSyscallPanics(tt *testing.T) {
	f := newFixture(tt)

	f.spawnInit(tt, func(p *proc.Process) error {
		return expectPanic(func() {
			f.d.HandleSync(p, svcESR(99), 0, &UserContext{})
		})
	})
}

func TestPageFaultMapsHeapPage(tt *testing.T) {
	f := newFixture(tt)

	f.spawnInit(tt, func(p *proc.Process) error {
		if _, err := f.sched.Sbrk(p, common.PageSize); err != nil {
			return fmt.Errorf("sbrk: %w", err)
		}

		f.d.HandleSync(p, dataAbortESR(), p.HeapStart, &UserContext{})

		if _, ok := p.PageTb.Walk(p.HeapStart); !ok {
			return fmt.Errorf("expected heap page to be mapped after fault")
		}

		return nil
	})
}

func TestPageFaultOutsideHeapPanics(tt *testing.T) {
	f := newFixture(tt)

	f.spawnInit(tt, func(p *proc.Process) error {
		return expectPanic(func() {
			f.d.HandleSync(p, dataAbortESR(), 0xdead0000, &UserContext{})
		})
	})
}

func svcESR(num uint64) uint64 { return ecSVC<<26 | num }
func dataAbortESR() uint64     { return ecDataAbortL << 26 }
