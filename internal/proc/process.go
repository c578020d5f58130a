package proc

import (
	"github.com/smoynes/elsie/internal/fs"
	"github.com/smoynes/elsie/internal/mmu"
)

// State is a process's scheduling state.
type State int

const (
	StateReady State = iota
	StateBlocking
	StateRunning
	StateDead
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateBlocking:
		return "blocking"
	case StateRunning:
		return "running"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// MaxProcesses is the size of the process table.
const MaxProcesses = 20

// Process is one schedulable unit: its address space, its open files, and
// the bookkeeping the scheduler and syscall layer need.
type Process struct {
	Pid   int
	state State
	ctx   *Context

	StackSize uint64
	HeapStart uint64
	HeapEnd   uint64

	PageTb *mmu.PageTable

	channel  *uint64
	children []int
	cwd      uint32
	Files    *fs.FDTable

	// entry is the program this process is running: the body last passed
	// to spawn (by InitFirst, Fork, or Exec). A forked child reuses its
	// parent's entry verbatim, matching fork()'s "same code continues in
	// both processes" semantics; exec replaces it.
	entry func(*Process)
}

// Entry returns the program this process is currently running, so a
// syscall dispatcher can hand it to Fork for the child to reuse.
func (p *Process) Entry() func(*Process) { return p.entry }

func (p *Process) isReady() bool { return p.state == StateReady }

func (p *Process) isWaitingOn(channel uint64) bool {
	return p.channel != nil && *p.channel == channel
}

func (p *Process) wake() {
	p.channel = nil
	p.state = StateReady
}

// State returns the process's current scheduling state.
func (p *Process) State() State { return p.state }

// Cwd returns the inode number of the process's current working
// directory.
func (p *Process) Cwd() uint32 { return p.cwd }

// Children returns the pids of processes this one has forked and not yet
// reaped.
func (p *Process) Children() []int { return p.children }
