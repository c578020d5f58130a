// kernelctl boots, formats, and runs the simulated ARM64 kernel.
package main

import (
	"context"
	"os"

	"github.com/smoynes/elsie/internal/cli"
)

var commands = []cli.Command{
	Format(),
	Run(),
}

func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
