// Command pulse tracks events into a durable queue and delivers them to a
// collector.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/pulse/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
