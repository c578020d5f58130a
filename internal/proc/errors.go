package proc

import "errors"

// ErrProc wraps every error this package returns; the others identify
// which recoverable condition occurred. Per spec.md's error taxonomy,
// every one of these is surfaced to the caller as -1 at the syscall
// boundary (internal/trap), never panics.
var (
	ErrProc           = errors.New("proc error")
	ErrNoProcessSlots = errors.New("out of process slots")
	ErrNotAChild      = errors.New("not a child process")
	ErrHeapLimit      = errors.New("heap growth exceeds limit")
	ErrLineTooLong    = errors.New("input line exceeds buffer")
)
