// Package kernel assembles every subsystem package into a bootable
// machine: the allocators, the GIC, the UART, the block cache and
// filesystem, the virtio disk, the process scheduler, and the trap
// dispatcher, brought up in the order spec.md's boot sequence names.
//
// There is no real MMU to enable or TTBR to install, so "VM init" below
// means building the kernel's own identity-mapped PageTable and keeping it
// on the Machine; no other subsystem translates addresses through it — the
// invariant spec.md cares about (the kernel half of every address space is
// identical and always resident) holds without a TLB to manage.
package kernel

import (
	"fmt"

	"github.com/smoynes/elsie/internal/cache"
	"github.com/smoynes/elsie/internal/common"
	"github.com/smoynes/elsie/internal/fs"
	"github.com/smoynes/elsie/internal/gic"
	"github.com/smoynes/elsie/internal/log"
	"github.com/smoynes/elsie/internal/mm"
	"github.com/smoynes/elsie/internal/mmio"
	"github.com/smoynes/elsie/internal/mmu"
	"github.com/smoynes/elsie/internal/proc"
	"github.com/smoynes/elsie/internal/trap"
	"github.com/smoynes/elsie/internal/uart"
	"github.com/smoynes/elsie/internal/virtio"
)

// ErrKernel wraps every error Boot returns.
var ErrKernel = fmt.Errorf("kernel error")

// Machine is a fully wired kernel instance: every subsystem package
// assembled into one bootable whole.
type Machine struct {
	arena *mm.Arena
	buddy *mm.Buddy
	slab  *mm.Slab

	gic  *gic.Controller
	uart *uart.UART
	bus  *mmio.Bus

	cache *cache.Cache
	fsys  *fs.FS
	disk  *virtio.Disk

	kernelPT *mmu.PageTable
	sched    *proc.Scheduler
	trap     *trap.Dispatcher

	waiter *schedulerWaiter
	out    *outputSink
	log    *log.Logger

	memBytes []byte
}

// outputSink is the UART's transmit sink, bound lazily: Boot constructs the
// UART before a caller (cmd/kernelctl) has anywhere real to send bytes — a
// host terminal isn't attached until after Boot returns a live UART to
// attach console.Console to. Until SetOutput is called, transmitted bytes
// are simply dropped.
type outputSink struct {
	fn func(byte)
}

func (o *outputSink) write(b byte) {
	if o.fn != nil {
		o.fn(b)
	}
}

// OptionFn configures a Machine before Boot wires its subsystems together,
// mirroring the teacher's vm.New(opts ...OptionFn) assembly pattern.
type OptionFn func(m *Machine)

// WithLogger overrides the machine's logger; the default is
// log.DefaultLogger().
func WithLogger(l *log.Logger) OptionFn {
	return func(m *Machine) { m.log = l }
}

// WithMemory supplies the byte slice used as simulated physical RAM; its
// length is the RAM size. The default is a fresh slice of common.MemSize
// bytes.
func WithMemory(bytes []byte) OptionFn {
	return func(m *Machine) { m.memBytes = bytes }
}

// WithOutput installs the UART's transmit sink up front, for callers (tests)
// that want every printed byte without needing to attach a real terminal
// after Boot. Production boots instead call SetOutput once console.Attach
// has something to wire it to.
func WithOutput(fn func(byte)) OptionFn {
	return func(m *Machine) { m.out = &outputSink{fn: fn} }
}

// New builds an unbooted Machine. Call Boot to bring its subsystems up in
// order and start the scheduler.
func New(opts ...OptionFn) *Machine {
	m := &Machine{log: log.DefaultLogger()}

	for _, opt := range opts {
		opt(m)
	}

	if m.memBytes == nil {
		m.memBytes = make([]byte, common.MemSize)
	}

	return m
}

// schedulerWaiter breaks the construction cycle between the block cache
// (needs a Waiter at New time) and the scheduler (needs the mounted
// filesystem, which needs the cache, at its own New time): Boot builds one
// of these first, hands it to cache.New, and fills in sched once the
// scheduler exists. Before that, Sleep/Wakeup calls (issued while loading
// the filesystem during early boot, when no process yet exists) are
// harmless no-ops.
type schedulerWaiter struct {
	sched *proc.Scheduler
}

func (w *schedulerWaiter) Sleep(channel uint64) {
	if w.sched != nil {
		w.sched.Sleep(channel)
	}
}

func (w *schedulerWaiter) Wakeup(channel uint64) {
	if w.sched != nil {
		w.sched.Wakeup(channel)
	}
}

// Boot brings every subsystem up in spec.md's documented order — buddy
// init, GIC init, block-cache init, timer enable, UART init, UART IRQ
// enable, kernel address space init, virtio init, init_first(userEntry) —
// and returns with the scheduler ready; it does not itself enter the
// scheduling loop, so callers (cmd/kernelctl, tests) can inspect the
// freshly booted Machine before calling Run.
//
// diskBackend supplies the virtio block device's storage (a host file in
// production, an in-memory map in tests); it must already contain a
// formatted filesystem image (see fs.Format).
func (m *Machine) Boot(diskBackend virtio.Backend, initImage []byte, userEntry func(*proc.Process)) (*proc.Process, error) {
	m.arena = mm.NewArena(common.KernelBase, m.memBytes)
	m.buddy = mm.NewBuddy(m.arena)
	m.slab = mm.NewSlab(m.buddy, m.arena)

	m.gic = gic.New()
	m.gic.Init()

	m.waiter = &schedulerWaiter{}
	m.disk = virtio.New(m.gic, m.waiter, 0, diskBackend)
	m.cache = cache.New(m.disk, m.waiter)

	if err := m.gic.Enable(common.IRQTimer); err != nil {
		return nil, fmt.Errorf("%w: enable timer irq: %w", ErrKernel, err)
	}

	if m.out == nil {
		m.out = &outputSink{}
	}

	m.uart = uart.New(m.gic, m.out.write)

	if err := m.gic.Enable(common.IRQUART); err != nil {
		return nil, fmt.Errorf("%w: enable uart irq: %w", ErrKernel, err)
	}

	kernelPT, err := mmu.New(m.arena, m.buddy, mmu.Kernel)
	if err != nil {
		return nil, fmt.Errorf("%w: kernel page table: %w", ErrKernel, err)
	}

	if err := kernelPT.Map(common.VirtMMIOBase, common.VirtMMIOBase, common.PageSize, mmu.RW); err != nil {
		return nil, fmt.Errorf("%w: map virtio mmio: %w", ErrKernel, err)
	}

	if err := kernelPT.Map(common.GICDBase, common.GICDBase, common.PageSize, mmu.RW); err != nil {
		return nil, fmt.Errorf("%w: map gicd: %w", ErrKernel, err)
	}

	if err := kernelPT.Map(common.GICCBase, common.GICCBase, common.PageSize, mmu.RW); err != nil {
		return nil, fmt.Errorf("%w: map gicc: %w", ErrKernel, err)
	}

	if err := kernelPT.Map(common.UARTBase, common.UARTBase, common.PageSize, mmu.RW); err != nil {
		return nil, fmt.Errorf("%w: map uart: %w", ErrKernel, err)
	}

	if err := kernelPT.Map(m.arena.Base(), m.arena.Base(), uint64(len(m.memBytes)), mmu.RW); err != nil {
		return nil, fmt.Errorf("%w: map kernel ram: %w", ErrKernel, err)
	}

	m.kernelPT = kernelPT

	m.bus = mmio.NewBus()

	if err := m.bus.Map(m.gic.Dist); err != nil {
		return nil, fmt.Errorf("%w: map gicd onto bus: %w", ErrKernel, err)
	}

	if err := m.bus.Map(m.gic.CPU); err != nil {
		return nil, fmt.Errorf("%w: map gicc onto bus: %w", ErrKernel, err)
	}

	if err := m.bus.Map(m.uart); err != nil {
		return nil, fmt.Errorf("%w: map uart onto bus: %w", ErrKernel, err)
	}

	if err := m.bus.Map(m.disk); err != nil {
		return nil, fmt.Errorf("%w: map virtio disk onto bus: %w", ErrKernel, err)
	}

	if err := m.disk.Init(); err != nil {
		return nil, fmt.Errorf("%w: virtio init: %w", ErrKernel, err)
	}

	fsys, err := fs.Mount(m.cache)
	if err != nil {
		return nil, fmt.Errorf("%w: mount: %w", ErrKernel, err)
	}

	m.fsys = fsys

	m.sched = proc.NewScheduler(m.arena, m.buddy, m.fsys, m.uart.PrintByte)
	m.sched.SetStdout(m.writeUser)
	m.waiter.sched = m.sched

	m.trap = trap.New(m.arena, m.sched, m.fsys, m.gic, m.uart, m.disk)

	p, err := m.sched.InitFirst(initImage, userEntry)
	if err != nil {
		return nil, fmt.Errorf("%w: init_first: %w", ErrKernel, err)
	}

	return p, nil
}

// SetOutput wires the UART's transmit sink to fn, replacing whatever Boot
// installed by default (nothing: transmitted bytes are dropped until a
// caller sets one). cmd/kernelctl calls this with console.Console's
// Writer() once a host terminal is attached, which only becomes available
// after Boot returns a live UART to attach to — hence a separate setter
// rather than a Boot-time option alone.
func (m *Machine) SetOutput(fn func(byte)) {
	m.out.fn = fn
}

// writeUser is stdout's write implementation, pushing each byte through
// the UART model one at a time, matching spec.md's print_byte surface.
func (m *Machine) writeUser(buf []byte) (int, error) {
	for _, b := range buf {
		m.uart.PrintByte(b)
	}

	return len(buf), nil
}

// Scheduler returns the booted machine's process scheduler.
func (m *Machine) Scheduler() *proc.Scheduler { return m.sched }

// FS returns the booted machine's mounted filesystem.
func (m *Machine) FS() *fs.FS { return m.fsys }

// UART returns the booted machine's UART device, for wiring a host
// terminal via internal/console.
func (m *Machine) UART() *uart.UART { return m.uart }

// GIC returns the booted machine's interrupt controller.
func (m *Machine) GIC() *gic.Controller { return m.gic }

// Bus returns the booted machine's memory-mapped register bus: the
// address-dispatch path a real load/store instruction to GICD, GICC,
// UART, or virtio-mmio would take. Callers that need to poke a device
// register by its real physical address (cmd/kernelctl's IMSC unmask, for
// one) go through Bus rather than a device's typed getter.
func (m *Machine) Bus() *mmio.Bus { return m.bus }

// Trap returns the booted machine's trap dispatcher, for tests that drive
// syscalls and faults directly rather than through a real exception vector.
func (m *Machine) Trap() *trap.Dispatcher { return m.trap }

// Arena returns the booted machine's physical memory arena, for tests that
// need to poke bytes into a process's user pages directly.
func (m *Machine) Arena() *mm.Arena { return m.arena }

// Run enters the scheduling loop: on each pass it services one pending IRQ
// the GIC is holding, if any, then grants the CPU to every ready process once.
// This never returns, mirroring spec.md's `schedule()` boot-sequence
// terminus; callers that need to stop (tests) should instead drive
// Scheduler().RunOnce and poll GIC().Pending() directly.
func (m *Machine) Run() {
	for {
		m.RunOnce()
	}
}

// RunOnce drains one pending IRQ, if any, then makes a single scheduling
// pass. Tests drive the machine with RunOnce so they can observe one step
// of boot at a time.
func (m *Machine) RunOnce() int {
	if irq, ok := m.gic.Pending(); ok {
		m.trap.HandleIRQ(irq)
	}

	return m.sched.RunOnce()
}
