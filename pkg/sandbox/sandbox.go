// Package sandbox implements the setuid helper that hides device nodes
// from a launched command (spec.md §4.6, component C7). It runs in two
// stages: the outer stage parses arguments, snapshots the caller's
// environment and re-executes itself inside fresh mount and PID namespaces;
// the init stage (see init.go) does the actual overlay mount and process
// supervision.
package sandbox

import (
	"fmt"
)

// ReexecMarker is the sentinel argv[1] that distinguishes the init-stage
// re-exec (see Run) from a fresh top-level invocation.
const ReexecMarker = "__gpu_sandbox_init__"

// Spec is one parsed invocation: the device file names to hide and the
// command to run without them.
type Spec struct {
	HideList []string
	Command  []string
}

// ParseArgs parses the `<device file names...> -- <command> [args]`
// argument form shared by the original hide_devices/gpu_container helpers.
func ParseArgs(args []string) (*Spec, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("usage: gpu-sandbox <device file names...> -- <command> [args]")
	}

	sepIdx := -1
	for i, a := range args {
		if a == "--" {
			sepIdx = i
			break
		}
	}

	if sepIdx == -1 || sepIdx == len(args)-1 {
		return nil, fmt.Errorf("usage: gpu-sandbox <device file names...> -- <command> [args]")
	}

	return &Spec{
		HideList: args[:sepIdx],
		Command:  args[sepIdx+1:],
	}, nil
}
