// Command pulsekern is the pulse-level control kernel CLI.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/pulsekern/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
