// Package main is the checkin command: the check-in store server, the
// operator station and the queue tools.
package main

import (
	"fmt"
	"os"

	"github.com/ceremonia/checkin/internal/cli"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	cmd := cli.NewRootCommand()
	cmd.Version = Version

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
