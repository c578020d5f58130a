package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/smoynes/elsie/internal/cli"
	"github.com/smoynes/elsie/internal/fs"
	"github.com/smoynes/elsie/internal/log"
	"github.com/smoynes/elsie/internal/virtio"
)

// Format writes a fresh, empty filesystem to a disk image file, creating
// it if it doesn't already exist.
func Format() cli.Command {
	return &formatCmd{}
}

type formatCmd struct {
	disk string
}

func (formatCmd) Description() string { return "format a disk image" }

func (formatCmd) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `format -disk <path>

Writes a fresh, empty filesystem to a disk image file, creating it if it
doesn't already exist.`)

	return err
}

func (c *formatCmd) FlagSet() *cli.FlagSet {
	flags := flag.NewFlagSet("format", flag.ExitOnError)
	flags.StringVar(&c.disk, "disk", "", "path to the disk image")

	return flags
}

func (c *formatCmd) Run(_ context.Context, _ []string, _ io.Writer, logger *log.Logger) int {
	if c.disk == "" {
		logger.Error("format: -disk is required")
		return 1
	}

	backend, err := virtio.OpenFileBackend(c.disk)
	if err != nil {
		logger.Error("format: open disk", "err", err)
		return 1
	}

	defer backend.Close()

	disk := virtio.New(nil, nil, 0, backend)

	if err := fs.Format(disk); err != nil {
		logger.Error("format: write filesystem", "err", err)
		return 1
	}

	logger.Info("formatted disk image", "path", c.disk)

	return 0
}
