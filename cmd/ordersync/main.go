// Command ordersync runs and operates the order lifecycle sync engine.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/ordersync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
