package main

import (
	"fmt"
	"os"

	"github.com/roach88/dlpd/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dlpd:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
