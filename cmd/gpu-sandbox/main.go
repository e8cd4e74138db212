// Command gpu-sandbox hides a set of device files from a launched command
// by overlaying whiteouts onto /dev inside a private mount and PID
// namespace. Usage: gpu-sandbox <device file names...> -- <command> [args].
package main

import (
	"fmt"
	"os"

	"github.com/xqms/gpu-claim/pkg/sandbox"
)

func main() {
	args := os.Args[1:]

	if len(args) >= 1 && args[0] == sandbox.ReexecMarker {
		spec, err := sandbox.ParseArgs(args[1:])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		os.Exit(sandbox.RunInit(spec))
	}

	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprintln(os.Stderr, "Usage: gpu-sandbox <device file names...> -- <command> [args]")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "This helper hides the named device files from the command to be executed.")
		os.Exit(1)
	}

	spec, err := sandbox.ParseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	os.Exit(sandbox.Run(spec))
}
