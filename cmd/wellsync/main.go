// Command wellsync runs the sync orchestration engine.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/wellsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
