// Package trap decodes synchronous exceptions and IRQs and dispatches
// them to internal/proc: SVC instructions become syscalls, data aborts
// within the heap become page-fault-driven mappings, and the three wired
// interrupt lines (timer, UART, virtio-blk) drive the scheduler, the line
// discipline, and the block device's completion handling.
//
// There is no ARM64 instruction decoder in this repository (see
// internal/proc's package doc), so the "exception" a test delivers here is
// not decoded from real machine code; it is a UserContext a caller builds
// directly, carrying whatever register values the syscall ABI expects, the
// same way a real synchronous exception would have populated it.
package trap

import (
	"fmt"

	"github.com/smoynes/elsie/internal/common"
	"github.com/smoynes/elsie/internal/fs"
	"github.com/smoynes/elsie/internal/gic"
	"github.com/smoynes/elsie/internal/log"
	"github.com/smoynes/elsie/internal/mm"
	"github.com/smoynes/elsie/internal/mmu"
	"github.com/smoynes/elsie/internal/proc"
	"github.com/smoynes/elsie/internal/uart"
	"github.com/smoynes/elsie/internal/virtio"
)

// Exception classes, bits [31:26] of ESR_EL1, for the two synchronous
// exceptions this kernel handles.
const (
	ecSVC        = 0b010101
	ecDataAbortL = 0b100100 // data abort from a lower exception level
	ecDataAbortC = 0b100101 // data abort from the current exception level
)

// UserContext is the saved register state a synchronous exception or IRQ
// interrupts: the general-purpose registers (X), and the address the
// faulting instruction would resume at (ELR). Syscall arguments arrive in
// X[0:6]; the return value is written back into X[0].
type UserContext struct {
	X   [8]uint64
	ELR uint64
}

// syscallTable indexes by syscall number; every entry reads its arguments
// out of ctx.X and, on success, returns the value that gets written back to
// X[0]. The thirteen entries mirror spec.md's syscall table exactly;
// original_source's SYSCALL_TABLE only goes up to 10 (no mkdir/chdir).
var syscallTable = [13]func(*Dispatcher, *proc.Process, *UserContext) (uint64, error){
	sysFork,
	sysExec,
	sysOpen,
	sysRead,
	sysWrite,
	sysClose,
	sysWaitpid,
	sysExit,
	sysGetdents,
	sysSbrk,
	sysGetcwd,
	sysMkdir,
	sysChdir,
}

// Dispatcher wires the trap vector to the subsystems it dispatches into.
type Dispatcher struct {
	arena *mm.Arena
	sched *proc.Scheduler
	fsys  *fs.FS
	gic   *gic.Controller
	uart  *uart.UART
	disk  *virtio.Disk
	log   *log.Logger
}

// New builds a Dispatcher. uartDev and disk may be nil in tests that never
// raise those IRQ lines.
func New(arena *mm.Arena, sched *proc.Scheduler, fsys *fs.FS, gicCtl *gic.Controller, uartDev *uart.UART, disk *virtio.Disk) *Dispatcher {
	return &Dispatcher{arena: arena, sched: sched, fsys: fsys, gic: gicCtl, uart: uartDev, disk: disk, log: log.DefaultLogger()}
}

// HandleSync dispatches a synchronous exception: a syscall (SVC) or a data
// abort. p is the process that trapped; esr and faultAddr are the values
// hardware would have placed in ESR_EL1 and FAR_EL1.
func (d *Dispatcher) HandleSync(p *proc.Process, esr uint64, faultAddr uint64, ctx *UserContext) {
	switch esr >> 26 {
	case ecSVC:
		num := esr & 0xffff
		if num >= uint64(len(syscallTable)) {
			panic(fmt.Sprintf("pid %d: unknown syscall %d at %#x", p.Pid, num, ctx.ELR))
		}

		ret, err := syscallTable[num](d, p, ctx)
		if err != nil {
			ctx.X[0] = uint64(int64(-1))
		} else {
			ctx.X[0] = ret
		}
	case ecDataAbortL, ecDataAbortC:
		d.pageFault(p, faultAddr, ctx.ELR)
	default:
		panic(fmt.Sprintf("pid %d: unhandled exception class %#b at %#x", p.Pid, esr>>26, ctx.ELR))
	}
}

// pageFault demand-maps a heap page on a fault within [HeapStart, HeapEnd);
// anything else is an unrecoverable fault, matching original_source's
// panic for accesses outside the heap.
func (d *Dispatcher) pageFault(p *proc.Process, faultAddr, elr uint64) {
	if faultAddr >= p.HeapStart && faultAddr < p.HeapEnd {
		page := common.RoundDownPage(faultAddr)
		if _, err := p.PageTb.Create(page, common.PageSize, mmu.RW); err != nil {
			panic(fmt.Sprintf("pid %d: page fault at %#x: %v", p.Pid, faultAddr, err))
		}

		return
	}

	panic(fmt.Sprintf("pid %d: segmentation fault at %#x (elr %#x)", p.Pid, faultAddr, elr))
}

// HandleIRQ dispatches one of the three interrupt lines the GIC delivers:
// the timer (preempts the running process), the UART (feeds one received
// byte into the stdin line discipline), or the virtio-blk completion queue.
func (d *Dispatcher) HandleIRQ(irq int) {
	switch irq {
	case common.IRQTimer:
		d.sched.Yield(d.sched.Current())
	case common.IRQUART:
		if d.uart != nil {
			if b, ok := d.uart.ReceiveByte(); ok {
				d.sched.PutUserInput(b)
			}
		}
	case common.IRQVirtioBlk:
		if d.disk != nil {
			if err := d.disk.InterruptHandler(); err != nil {
				panic(fmt.Sprintf("virtio-blk interrupt: %v", err))
			}
		}
	default:
		panic(fmt.Sprintf("unrecognized irq number %d", irq))
	}

	if d.gic != nil {
		d.gic.EOI(irq)
	}
}
