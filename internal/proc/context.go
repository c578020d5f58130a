package proc

// Context is the handoff point between a process and the scheduler. On
// real hardware this would be the assembly switch() routine's saved
// register file (sp_el0, sp_el1, ttbr1, x19-x30); there is no register
// file to save here, since each process instead runs on its own Go
// goroutine that blocks on resume until the scheduler grants it the
// single conceptual CPU, and blocks on yield when it hands the CPU back.
// The unbuffered channels are the rendezvous: exactly one side is ever
// runnable at a time, preserving the non-preemptive-in-kernel invariant
// without a real register save/restore.
type Context struct {
	resume chan struct{}
	yield  chan struct{}
}

func newContext() *Context {
	return &Context{resume: make(chan struct{}), yield: make(chan struct{})}
}

// awaitTurn blocks a process's goroutine until the scheduler resumes it.
func (c *Context) awaitTurn() { <-c.resume }

// giveTurn is the scheduler's half: grant the CPU and block until the
// process yields it back.
func (c *Context) giveTurn() {
	c.resume <- struct{}{}
	<-c.yield
}

// returnTurn is the process's half of switch_to_scheduler: hand the CPU
// back and block until resumed again.
func (c *Context) returnTurn() {
	c.yield <- struct{}{}
	<-c.resume
}

// exit hands the CPU back one final time without waiting to be resumed;
// the calling goroutine is expected to return immediately afterward.
func (c *Context) exit() {
	c.yield <- struct{}{}
}
