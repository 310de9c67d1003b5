// Command liftsync runs the workout sync server and the device-side
// session commands.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/liftsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		// Commands that already reported through the formatter return an
		// ExitError; anything else (flag parsing, unknown command) is printed here.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) || exitErr.Err == nil {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
