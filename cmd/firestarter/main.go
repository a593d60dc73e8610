package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/s-hamann/firecracker-tools/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.Run(os.Args[1:], version); err != nil {
		// A bare exit status has already been reported by the VM itself.
		var status interface{ ExitCode() int }
		if !errors.As(err, &status) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(cli.ExitCode(err))
	}
}
