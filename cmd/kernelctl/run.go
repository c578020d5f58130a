package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/smoynes/elsie/internal/cli"
	"github.com/smoynes/elsie/internal/common"
	"github.com/smoynes/elsie/internal/console"
	"github.com/smoynes/elsie/internal/kernel"
	"github.com/smoynes/elsie/internal/log"
	"github.com/smoynes/elsie/internal/proc"
	"github.com/smoynes/elsie/internal/virtio"
)

// imscReceiveBit unmasks the UART's receive interrupt so that bytes the
// host terminal injects actually raise common.IRQUART through the GIC,
// rather than merely queuing; see internal/uart's register map. regIMSC
// is an offset within the UART's region; addressed through the machine's
// bus, it is added to common.UARTBase the way a real load/store
// instruction would address it.
const (
	regIMSC        = 0x38
	imscReceiveBit = 1 << 4
)

// Run boots the kernel against a disk image and attaches the host
// terminal as its console, the way a real machine's serial port would be
// hooked up to a developer's terminal.
func Run() cli.Command {
	return &runCmd{}
}

type runCmd struct {
	disk string
}

func (runCmd) Description() string { return "boot the kernel" }

func (runCmd) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `run -disk <path>

Boots the kernel against a disk image, attaching the current terminal as
its console. Run the shell's exit command to stop; ctrl-d is passed to the
shell as an ordinary input byte.`)

	return err
}

func (c *runCmd) FlagSet() *cli.FlagSet {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	flags.StringVar(&c.disk, "disk", "", "path to the disk image")

	return flags
}

func (c *runCmd) Run(ctx context.Context, _ []string, _ io.Writer, logger *log.Logger) int {
	if c.disk == "" {
		logger.Error("run: -disk is required")
		return 1
	}

	backend, err := virtio.OpenFileBackend(c.disk)
	if err != nil {
		logger.Error("run: open disk", "err", err)
		return 1
	}

	defer backend.Close()

	m := kernel.New(kernel.WithLogger(logger))

	initProc, err := m.Boot(backend, nil, shellEntry(m))
	if err != nil {
		logger.Error("run: boot", "err", err)
		return 1
	}

	cons, done, err := console.Attach(ctx, m.UART())
	if err != nil {
		logger.Error("run: attach console", "err", err)
		return 1
	}

	defer done()

	m.SetOutput(func(b byte) {
		cons.Writer().Write([]byte{b})
	})

	if err := m.Bus().Store32(common.UARTBase+regIMSC, imscReceiveBit); err != nil {
		logger.Error("run: unmask uart interrupt", "err", err)
		return 1
	}

	runDone := make(chan struct{})

	go func() {
		for initProc.State() != proc.StateDead {
			m.RunOnce()
		}

		close(runDone)
	}()

	select {
	case <-ctx.Done():
		logger.Info("run: stopped")
		return 0
	case <-runDone:
		return 0
	}
}
