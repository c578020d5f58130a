// Package proc implements process management: the process table, a
// cooperative round-robin scheduler, fork/exec/exit/wait, sbrk, and the
// stdin line discipline syscalls dispatch through.
//
// There is no register file to save and restore, since every process runs
// on its own goroutine and the scheduler grants the single conceptual CPU
// by rendezvous on a Context's channels rather than by a real switch()
// routine. Fork's child cannot resume the parent's Go call stack, so it
// runs a caller-supplied entry closure instead; exec cannot jump to an
// arbitrary new program counter, so the "new program" is a caller-supplied
// closure tail-called synchronously in place of a real ELR_EL1 jump. Both
// are documented simplifications of what real hardware does at those two
// points; everything else (scheduling order, blocking, address-space
// lifetime) follows spec.md faithfully.
package proc

import (
	"fmt"
	"sync"

	"github.com/smoynes/elsie/internal/common"
	"github.com/smoynes/elsie/internal/elf"
	"github.com/smoynes/elsie/internal/fs"
	"github.com/smoynes/elsie/internal/log"
	"github.com/smoynes/elsie/internal/mm"
	"github.com/smoynes/elsie/internal/mmu"
)

const stdinChannel = 0

// Scheduler owns the process table and every address-space and
// file-system resource a process needs to fork, exec, or exit.
type Scheduler struct {
	mu      sync.Mutex
	table   [MaxProcesses]*Process
	current *Process

	arena *mm.Arena
	alloc mmu.PageAllocator
	fsys  *fs.FS
	stdin *stdin

	stdout func([]byte) (int, error)

	log *log.Logger
}

// NewScheduler builds an empty scheduler over the given physical-memory
// arena, page allocator, and mounted filesystem. echo, if non-nil, is
// called with each byte of input a process's stdin editing surfaces back to
// the terminal (backspace/DEL included). Use SetStdout to wire stdout fd 1
// writes to a real sink (internal/kernel wires it to the UART); until set,
// writes to stdout succeed but are discarded.
func NewScheduler(arena *mm.Arena, alloc mmu.PageAllocator, fsys *fs.FS, echo func(byte)) *Scheduler {
	return &Scheduler{
		arena: arena,
		alloc: alloc,
		fsys:  fsys,
		stdin: newStdin(echo),
		log:   log.DefaultLogger(),
	}
}

// SetStdout wires every process's stdout fd (1) to fn, which is called with
// each write(1, ...) syscall's payload. The sink is looked up on every
// write, so it may be set before or after InitFirst.
func (s *Scheduler) SetStdout(fn func([]byte) (int, error)) {
	s.stdout = fn
}

// InitFirst creates process 0 from a raw code image copied directly into a
// single text page — there is no disk-backed ELF file to exec yet at this
// point in boot, mirroring original_source's hand-built init_first process.
// run is called on process 0's own goroutine once the scheduler first
// grants it the CPU; it is expected to call Exec to load the real init
// program from disk, or to call s.Exit(p) itself if it never does.
func (s *Scheduler) InitFirst(image []byte, run func(p *Process)) (*Process, error) {
	if len(image) > common.PageSize {
		return nil, fmt.Errorf("%w: init image exceeds one page (%d bytes)", ErrProc, len(image))
	}

	pageTb, err := mmu.New(s.arena, s.alloc, mmu.User)
	if err != nil {
		return nil, fmt.Errorf("%w: init_first: %w", ErrProc, err)
	}

	textPA, err := pageTb.Create(common.UserTextBase, common.PageSize, mmu.RWX)
	if err != nil {
		return nil, fmt.Errorf("%w: init_first: %w", ErrProc, err)
	}

	copy(s.arena.Slice(textPA, common.PageSize), image)

	if _, err := pageTb.Create(common.UserStackTop-common.PageSize, common.PageSize, mmu.RW); err != nil {
		return nil, fmt.Errorf("%w: init_first: %w", ErrProc, err)
	}

	root, err := s.fsys.RootInode()
	if err != nil {
		return nil, fmt.Errorf("%w: init_first: %w", ErrProc, err)
	}

	stdio := fs.NewStdio(fs.FuncOps{ReadFn: s.GetUserInput, WriteFn: s.writeStdout})

	p := &Process{
		Pid:       0,
		state:     StateReady,
		ctx:       newContext(),
		StackSize: common.PageSize,
		HeapStart: common.UserTextBase + common.PageSize,
		HeapEnd:   common.UserTextBase + common.PageSize,
		PageTb:    pageTb,
		cwd:       root.Number,
		Files:     fs.NewFDTable(stdio),
	}

	s.mu.Lock()
	s.table[0] = p
	s.mu.Unlock()

	s.spawn(p, run)

	return p, nil
}

// writeStdout is stdio's write implementation: it forwards to the sink
// SetStdout installed, or discards the bytes if boot never configured one
// (package-level tests exercising stdio without a UART).
func (s *Scheduler) writeStdout(buf []byte) (int, error) {
	if s.stdout != nil {
		return s.stdout(buf)
	}

	return len(buf), nil
}

// spawn starts p's goroutine. It blocks on awaitTurn until the scheduler
// first grants it the CPU, runs the caller-supplied body, and — unless the
// body already called Exit — marks the process dead and releases its
// resources to the scheduler.
func (s *Scheduler) spawn(p *Process, body func(*Process)) {
	p.entry = body

	go func() {
		p.ctx.awaitTurn()
		body(p)

		if p.State() != StateDead {
			s.Exit(p)
		}
	}()
}

// allocPid finds the lowest unused process table slot.
func (s *Scheduler) allocPid() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.table {
		if p == nil {
			return i, nil
		}
	}

	return 0, ErrNoProcessSlots
}

// Current returns the process presently granted the CPU, or nil if the
// scheduler itself is running (between processes, or at idle).
func (s *Scheduler) Current() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current
}

// RunOnce makes a single round-robin pass over the process table, granting
// the CPU to each Ready process in turn, and returns how many it ran.
// Tests drive the scheduler with RunOnce directly rather than Run, so a
// scenario can assert on exactly one scheduling decision at a time.
func (s *Scheduler) RunOnce() int {
	ran := 0

	for i := 0; i < MaxProcesses; i++ {
		s.mu.Lock()
		p := s.table[i]

		if p == nil || !p.isReady() {
			s.mu.Unlock()
			continue
		}

		p.state = StateRunning
		s.current = p
		s.mu.Unlock()

		p.ctx.giveTurn()
		ran++

		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
	}

	return ran
}

// Run calls RunOnce forever. It is the kernel's production boot path;
// tests use RunOnce so they can observe the schedule one pass at a time.
func (s *Scheduler) Run() {
	for {
		s.RunOnce()
	}
}

// Sleep blocks the current process on channel until some other process
// calls Wakeup with the same value. It satisfies the Waiter contract
// internal/cache and internal/virtio depend on; called with no current
// process (e.g. disk I/O issued during boot, before any process exists),
// it is a no-op, since there is nothing to block.
func (s *Scheduler) Sleep(channel uint64) {
	p := s.Current()
	if p == nil {
		return
	}

	s.mu.Lock()
	ch := channel
	p.channel = &ch
	p.state = StateBlocking
	s.mu.Unlock()

	p.ctx.returnTurn()
}

// Yield gives up the current process's turn without blocking it on
// anything, leaving it Ready so the next RunOnce pass schedules it again.
// It is how a timer IRQ preempts whatever process is running, mirroring
// original_source's yield_cpu.
func (s *Scheduler) Yield(p *Process) {
	if p == nil {
		return
	}

	s.mu.Lock()
	p.state = StateReady
	s.mu.Unlock()

	p.ctx.returnTurn()
}

// Wakeup marks every process blocked on channel Ready again.
func (s *Scheduler) Wakeup(channel uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.table {
		if p != nil && p.isWaitingOn(channel) {
			p.wake()
		}
	}
}

// Fork creates a new process sharing nothing with its parent but a
// duplicate file descriptor table and a byte-for-byte copy of its address
// space (text, heap, stack). childEntry runs on the child's own goroutine
// once scheduled, standing in for the child half of a real fork() return
// (the parent simply continues past the Fork call on its own goroutine, as
// it would on real hardware).
func (s *Scheduler) Fork(parent *Process, childEntry func(*Process)) (int, error) {
	pid, err := s.allocPid()
	if err != nil {
		return 0, fmt.Errorf("%w: fork: %w", ErrProc, err)
	}

	childPT, err := mmu.New(s.arena, s.alloc, mmu.User)
	if err != nil {
		return 0, fmt.Errorf("%w: fork: %w", ErrProc, err)
	}

	textLen := parent.HeapStart - common.UserTextBase
	if err := copyRegion(childPT, parent.PageTb, s.arena, common.UserTextBase, textLen, mmu.RWX); err != nil {
		childPT.Release()
		return 0, fmt.Errorf("%w: fork: copy text: %w", ErrProc, err)
	}

	heapLen := parent.HeapEnd - parent.HeapStart
	if err := copyRegion(childPT, parent.PageTb, s.arena, parent.HeapStart, heapLen, mmu.RW); err != nil {
		childPT.Release()
		return 0, fmt.Errorf("%w: fork: copy heap: %w", ErrProc, err)
	}

	if err := copyRegion(childPT, parent.PageTb, s.arena, common.UserStackTop-parent.StackSize, parent.StackSize, mmu.RW); err != nil {
		childPT.Release()
		return 0, fmt.Errorf("%w: fork: copy stack: %w", ErrProc, err)
	}

	child := &Process{
		Pid:       pid,
		state:     StateReady,
		ctx:       newContext(),
		StackSize: parent.StackSize,
		HeapStart: parent.HeapStart,
		HeapEnd:   parent.HeapEnd,
		PageTb:    childPT,
		cwd:       parent.cwd,
		Files:     parent.Files.Clone(),
	}

	s.mu.Lock()
	s.table[pid] = child
	parent.children = append(parent.children, pid)
	s.mu.Unlock()

	s.spawn(child, childEntry)

	return pid, nil
}

// copyRegion maps length bytes at va in dst with perm and copies the
// corresponding bytes from src, page by page, skipping any source page
// that isn't mapped (sparse heap growth that was never written to).
func copyRegion(dst, src *mmu.PageTable, arena *mm.Arena, va, length uint64, perm mmu.Perm) error {
	if length == 0 {
		return nil
	}

	length = common.RoundUpPage(length)

	pa, err := dst.Create(va, length, perm)
	if err != nil {
		return err
	}

	for off := uint64(0); off < length; off += common.PageSize {
		srcPA, ok := src.Walk(va + off)
		if !ok {
			continue
		}

		n := common.PageSize
		if off+uint64(n) > length {
			n = int(length - off)
		}

		copy(arena.Slice(pa+off, uint64(n)), arena.Slice(srcPA, uint64(n)))
	}

	return nil
}

// Exec replaces p's address space with the ELF executable at path: it
// parses the image, maps each loadable segment with the permissions its
// ELF flags describe, remaps the stack, and resets the heap to immediately
// following the last segment. next runs synchronously, in place of jumping
// to the new program's entry point on real hardware, once the new address
// space is installed; Exec returns only after next returns (i.e. after the
// "program" has run to completion or called Exit).
func (s *Scheduler) Exec(p *Process, path string, argv [][]byte, next func(*Process, [][]byte)) error {
	cwdIno, err := s.fsys.GetInode(p.cwd)
	if err != nil {
		return fmt.Errorf("%w: exec: %w", ErrProc, err)
	}

	ino, err := s.fsys.Open(path, fs.FlagRDONLY, cwdIno)
	if err != nil {
		return fmt.Errorf("%w: exec %q: %w", ErrProc, path, err)
	}

	f := fs.NewFile(s.fsys, ino, fs.FlagRDONLY)

	raw := make([]byte, ino.Size)

	for total := 0; total < len(raw); {
		n, err := f.Read(raw[total:])
		if err != nil {
			return fmt.Errorf("%w: exec %q: read: %w", ErrProc, path, err)
		}

		if n == 0 {
			break
		}

		total += n
	}

	img, err := elf.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: exec %q: %w", ErrProc, path, err)
	}

	newPT, err := mmu.New(s.arena, s.alloc, mmu.User)
	if err != nil {
		return fmt.Errorf("%w: exec %q: %w", ErrProc, path, err)
	}

	curr := common.UserTextBase

	for _, seg := range img.Segments {
		if !seg.IsLoadable() {
			continue
		}

		perm, err := permFromFlags(seg.Flags)
		if err != nil {
			newPT.Release()
			return fmt.Errorf("%w: exec %q: %w", ErrProc, path, err)
		}

		data, err := img.SegmentData(seg)
		if err != nil {
			newPT.Release()
			return fmt.Errorf("%w: exec %q: %w", ErrProc, path, err)
		}

		mapLen := common.RoundUpPage(uint64(len(data)))
		if mapLen == 0 {
			mapLen = common.PageSize
		}

		pa, err := newPT.Create(curr, mapLen, perm)
		if err != nil {
			newPT.Release()
			return fmt.Errorf("%w: exec %q: %w", ErrProc, path, err)
		}

		copy(s.arena.Slice(pa, uint64(len(data))), data)

		curr += mapLen
	}

	if _, err := newPT.Create(common.UserStackTop-common.PageSize, common.PageSize, mmu.RW); err != nil {
		newPT.Release()
		return fmt.Errorf("%w: exec %q: %w", ErrProc, path, err)
	}

	old := p.PageTb
	p.PageTb = newPT
	p.StackSize = common.PageSize
	p.HeapStart = curr
	p.HeapEnd = curr

	old.Release()

	// A forked child of this process should run the new program, not the
	// one exec replaced — so a fork issued after this point reuses it too.
	p.entry = func(pp *Process) { next(pp, argv) }

	next(p, argv)

	return nil
}

// permFromFlags maps an ELF segment's PF_R/PF_W/PF_X bits onto one of the
// four page-table permission strings spec.md allows.
func permFromFlags(flags uint32) (mmu.Perm, error) {
	switch flags & 0x7 {
	case elf.ProgFlagRead | elf.ProgFlagWrite | elf.ProgFlagExec:
		return mmu.RWX, nil
	case elf.ProgFlagRead | elf.ProgFlagWrite:
		return mmu.RW, nil
	case elf.ProgFlagRead | elf.ProgFlagExec:
		return mmu.RX, nil
	case elf.ProgFlagRead:
		return mmu.R, nil
	default:
		return "", fmt.Errorf("%w: unsupported segment flags %#x", ErrProc, flags)
	}
}

// Exit marks p dead, releases nothing yet (Wait reaps the process table
// slot so a parent can still retrieve it), wakes anyone waiting on p's
// pid, and hands the CPU back one final time.
func (s *Scheduler) Exit(p *Process) {
	s.mu.Lock()
	p.state = StateDead
	s.mu.Unlock()

	s.Wakeup(uint64(p.Pid))
	p.ctx.exit()
}

// Wait blocks parent until the child pid exits, then reaps its process
// table slot and releases its address space.
func (s *Scheduler) Wait(parent *Process, pid int) error {
	if !isChild(parent, pid) {
		return fmt.Errorf("%w: wait: pid %d", ErrNotAChild, pid)
	}

	for {
		s.mu.Lock()
		child := s.table[pid]
		s.mu.Unlock()

		if child == nil {
			return fmt.Errorf("%w: wait: pid %d already reaped", ErrNotAChild, pid)
		}

		if child.State() == StateDead {
			child.PageTb.Release()

			s.mu.Lock()
			s.table[pid] = nil
			parent.children = removePid(parent.children, pid)
			s.mu.Unlock()

			return nil
		}

		s.Sleep(uint64(pid))
	}
}

func isChild(parent *Process, pid int) bool {
	for _, c := range parent.children {
		if c == pid {
			return true
		}
	}

	return false
}

func removePid(children []int, pid int) []int {
	out := children[:0]

	for _, c := range children {
		if c != pid {
			out = append(out, c)
		}
	}

	return out
}

// Sbrk grows (or, per spec.md's documented limitation, refuses to shrink)
// p's heap by inc bytes and returns the heap break before growth. Growth
// is pure bookkeeping: pages are not mapped until a future page-fault
// handler demand-pages them.
func (s *Scheduler) Sbrk(p *Process, inc int64) (uint64, error) {
	if inc < 0 {
		return 0, fmt.Errorf("%w: sbrk: negative increment", ErrProc)
	}

	newEnd := p.HeapEnd + uint64(inc)
	if newEnd-p.HeapStart > uint64(common.UserHeapLimitPages)*common.PageSize {
		return 0, fmt.Errorf("%w: sbrk: %w", ErrProc, ErrHeapLimit)
	}

	old := p.HeapEnd
	p.HeapEnd = newEnd

	return old, nil
}

// Chdir resolves path against p's current directory and updates it,
// failing if the resolved inode isn't a directory.
func (s *Scheduler) Chdir(p *Process, path string) error {
	cwdIno, err := s.fsys.GetInode(p.cwd)
	if err != nil {
		return fmt.Errorf("%w: chdir: %w", ErrProc, err)
	}

	ino, err := s.fsys.PathLookup(path, cwdIno)
	if err != nil {
		return fmt.Errorf("%w: chdir %q: %w", ErrProc, path, err)
	}

	if ino.Type != fs.TypeDir {
		return fmt.Errorf("%w: chdir %q: not a directory", ErrProc, path)
	}

	p.cwd = ino.Number

	return nil
}

// GetCwd renders p's current directory as an absolute path.
func (s *Scheduler) GetCwd(p *Process) (string, error) {
	ino, err := s.fsys.GetInode(p.cwd)
	if err != nil {
		return "", fmt.Errorf("%w: getcwd: %w", ErrProc, err)
	}

	return s.fsys.Getcwd(ino)
}

// PutUserInput feeds one byte from the UART into the stdin line
// discipline, waking any process blocked in GetUserInput.
func (s *Scheduler) PutUserInput(c byte) {
	s.stdin.put(c)
	s.Wakeup(stdinChannel)
}

// GetUserInput blocks the current process until a full line (terminated
// by CR or LF) is available, applying backspace/DEL editing, and copies it
// into buf without the terminator.
func (s *Scheduler) GetUserInput(buf []byte) (int, error) {
	for {
		n, done, err := s.stdin.takeLine(buf)
		if err != nil {
			return 0, err
		}

		if done {
			return n, nil
		}

		s.Sleep(stdinChannel)
	}
}
