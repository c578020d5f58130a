// Package console bridges a real host terminal to the simulated PL011
// UART, putting the host TTY in raw mode and shuttling bytes between it
// and the device model so `kernelctl run` can present an interactive
// shell against the booted kernel.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/smoynes/elsie/internal/uart"
)

// ErrNoTTY is returned if standard input is not a terminal.
var ErrNoTTY error = errors.New("console: not a TTY")

// Console adapts a UART to Unix terminal I/O.
type Console struct {
	in    *os.File
	out   *term.Terminal
	fd    int
	state *term.State
	keyCh chan byte
}

type (
	doneFunc = context.CancelFunc
)

// Attach creates a Console wired to a UART's input and output, starting
// the goroutines that read from the host terminal and feed the UART, and
// returns a cancel function that restores the terminal. Callers must
// invoke the returned function when done to leave the host terminal in a
// sane state.
func Attach(ctx context.Context, dev *uart.UART) (*Console, doneFunc, error) {
	cons, err := newConsole(os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		return nil, func() {}, err
	}

	runCtx, cancel := context.WithCancel(ctx)

	go cons.readTerminal(runCtx, cons.Restore)
	go cons.feedUART(runCtx, dev)

	return cons, func() { cancel(); cons.Restore() }, nil
}

// newConsole creates a Console using the provided streams. If the input
// stream is not a terminal, ErrNoTTY is returned.
func newConsole(sin, sout, serr *os.File) (*Console, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTTY, err)
	}

	cons := Console{
		fd:    fd,
		in:    sin,
		out:   term.NewTerminal(sin, ""),
		state: saved,
		keyCh: make(chan byte, 1),
	}

	if err := cons.setTerminalParams(1, 0); err != nil {
		return nil, err
	}

	return &cons, nil
}

// Writer returns an io.Writer a UART's transmitted bytes can be written
// to, rendering them on the host terminal.
func (c *Console) Writer() io.Writer { return c.out }

// Restore returns the terminal to its initial state.
func (c *Console) Restore() {
	_ = os.Stdin.SetReadDeadline(time.Now())
	_ = term.Restore(c.fd, c.state)
}

func (c *Console) setTerminalParams(vmin, vtime byte) error {
	_ = syscall.SetNonblock(c.fd, true)

	termIO, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	if err := unix.IoctlSetTermios(c.fd, setTermiosIoctl, termIO); err != nil {
		return err
	}

	_ = os.Stdin.SetReadDeadline(time.Time{})

	return nil
}

func (c *Console) readTerminal(ctx context.Context, cancel doneFunc) {
	buf := bufio.NewReader(c.in)

	_ = syscall.SetNonblock(c.fd, false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			b, err := buf.ReadByte()
			if err != nil {
				cancel()
				return
			}

			c.keyCh <- b
		}
	}
}

func (c *Console) feedUART(ctx context.Context, dev *uart.UART) {
	for {
		select {
		case b := <-c.keyCh:
			dev.Inject(b)
		case <-ctx.Done():
			return
		}
	}
}
