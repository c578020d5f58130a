package main

import (
	"strings"

	"github.com/smoynes/elsie/internal/common"
	"github.com/smoynes/elsie/internal/kernel"
	"github.com/smoynes/elsie/internal/mmu"
	"github.com/smoynes/elsie/internal/proc"
	"github.com/smoynes/elsie/internal/trap"
)

// Syscall numbers, matching internal/trap's syscallTable order exactly;
// there is no ARM64 instruction decoder in this repository, so the shell
// below issues syscalls the same way internal/kernel's own tests do: by
// calling Dispatcher.HandleSync directly with a hand-built UserContext,
// standing in for a real SVC instruction trap.
const (
	sysFork = iota
	sysExec
	sysOpen
	sysRead
	sysWrite
	_ // close
	sysWaitpid
	sysExit
	sysGetdents
	_ // sbrk
	sysGetcwd
	sysMkdir
	sysChdir
)

const ecSVC = 0b010101

func svcESR(num uint64) uint64 { return ecSVC<<26 | num }

// shellEntry builds process 0's program: a tiny interactive line-oriented
// shell supporting pwd, cd, ls, and exit, driving the syscall surface the
// same way a real /init binary would.
func shellEntry(m *kernel.Machine) func(*proc.Process) {
	return func(p *proc.Process) {
		// Page 1 is the process's heap (see proc.InitFirst); use page 2 for
		// the shell's scratch I/O buffer so the two don't collide.
		const bufVA = common.UserTextBase + 2*common.PageSize
		const bufLen = 256

		if _, err := p.PageTb.Create(bufVA, common.PageSize, mmu.RW); err != nil {
			panic(err)
		}

		prompt := func() {
			writeLine(m, p, bufVA, "$ ")
		}

		prompt()

		for {
			line, ok := readLine(m, p, bufVA, bufLen)
			if !ok {
				return
			}

			switch {
			case line == "exit":
				m.Trap().HandleSync(p, svcESR(sysExit), 0, &trap.UserContext{})
				return
			case line == "pwd":
				cwd, ok := getcwd(m, p, bufVA, bufLen)
				if ok {
					writeLine(m, p, bufVA, cwd+"\n")
				}
			case strings.HasPrefix(line, "cd "):
				chdir(m, p, bufVA, strings.TrimPrefix(line, "cd "))
			case line == "ls":
				listDir(m, p, bufVA, bufLen)
			case line == "":
				// blank line, fall through to the next prompt
			default:
				writeLine(m, p, bufVA, "unknown command: "+line+"\n")
			}

			prompt()
		}
	}
}

func readLine(m *kernel.Machine, p *proc.Process, bufVA uint64, n uint64) (string, bool) {
	ctx := &trap.UserContext{}
	ctx.X[0] = 0
	ctx.X[1] = bufVA
	ctx.X[2] = n

	m.Trap().HandleSync(p, svcESR(sysRead), 0, ctx)
	if int64(ctx.X[0]) == -1 {
		return "", false
	}

	return readString(m, p, bufVA, int(ctx.X[0])), true
}

func writeLine(m *kernel.Machine, p *proc.Process, bufVA uint64, s string) {
	writeString(m, p, bufVA, s)

	ctx := &trap.UserContext{}
	ctx.X[0] = 1
	ctx.X[1] = bufVA
	ctx.X[2] = uint64(len(s))

	m.Trap().HandleSync(p, svcESR(sysWrite), 0, ctx)
}

func getcwd(m *kernel.Machine, p *proc.Process, bufVA uint64, n uint64) (string, bool) {
	ctx := &trap.UserContext{}
	ctx.X[0] = bufVA
	ctx.X[1] = n

	m.Trap().HandleSync(p, svcESR(sysGetcwd), 0, ctx)
	if int64(ctx.X[0]) == -1 {
		return "", false
	}

	return readString(m, p, bufVA, int(ctx.X[0])), true
}

func chdir(m *kernel.Machine, p *proc.Process, bufVA uint64, path string) {
	writeString(m, p, bufVA, path)

	ctx := &trap.UserContext{}
	ctx.X[0] = bufVA

	m.Trap().HandleSync(p, svcESR(sysChdir), 0, ctx)
	if int64(ctx.X[0]) == -1 {
		writeLine(m, p, bufVA, "cd: no such directory\n")
	}
}

// listDir opens "." and getdents it. internal/fs keeps its directory
// record encoding package-private, so there is no decoder here to turn
// the raw bytes back into names — this only confirms the call succeeded.
func listDir(m *kernel.Machine, p *proc.Process, bufVA uint64, n uint64) {
	writeString(m, p, bufVA, ".")

	openCtx := &trap.UserContext{}
	openCtx.X[0] = bufVA
	openCtx.X[1] = 8 // fs.FlagDIRECTORY

	m.Trap().HandleSync(p, svcESR(sysOpen), 0, openCtx)
	if int64(openCtx.X[0]) == -1 {
		writeLine(m, p, bufVA, "ls: open failed\n")
		return
	}

	getdentsCtx := &trap.UserContext{}
	getdentsCtx.X[0] = openCtx.X[0]
	getdentsCtx.X[1] = bufVA
	getdentsCtx.X[2] = n

	m.Trap().HandleSync(p, svcESR(sysGetdents), 0, getdentsCtx)
	if int64(getdentsCtx.X[0]) == -1 {
		writeLine(m, p, bufVA, "ls: getdents failed\n")
		return
	}

	writeLine(m, p, bufVA, "(directory listing unavailable: raw bytes only)\n")
}
