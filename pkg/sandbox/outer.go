package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Run is the outer-stage entry point (steps 1-2 and 9-10 of spec.md §4.6's
// caller side). It arranges to die if its own parent dies, snapshots the
// calling parent's environment (the setuid bit strips sensitive variables
// like LD_LIBRARY_PATH from our own env, so they must be recovered from the
// parent before it's gone), then re-executes itself into a fresh mount and
// PID namespace to run the init stage. It returns the exit code the process
// should terminate with.
func Run(spec *Spec) int {
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
		fmt.Fprintf(os.Stderr, "gpu-sandbox: could not arrange parent-death signal: %v\n", err)
		return 1
	}

	parentEnv, err := snapshotParentEnviron()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gpu-sandbox: could not snapshot parent environment: %v\n", err)
		return 1
	}

	self, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gpu-sandbox: could not resolve own executable: %v\n", err)
		return 1
	}

	initArgs := append([]string{ReexecMarker}, spec.HideList...)
	initArgs = append(initArgs, "--")
	initArgs = append(initArgs, spec.Command...)

	cmd := exec.Command(self, initArgs...)
	cmd.Env = parentEnv
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWNS | syscall.CLONE_NEWPID,
		Pdeathsig:  syscall.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "gpu-sandbox: %v\n", err)
		return 1
	}

	// The namespace parent is running; the outer stage no longer needs its
	// setuid-root privilege and must not sit on it for however long the
	// sandboxed command takes to finish.
	if err := dropPrivileges(); err != nil {
		fmt.Fprintf(os.Stderr, "gpu-sandbox: could not drop privileges: %v\n", err)
		return 1
	}

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}

		fmt.Fprintf(os.Stderr, "gpu-sandbox: %v\n", err)
		return 1
	}

	return 0
}

// dropPrivileges permanently drops the outer stage from its setuid-root
// effective uid back to the real uid and gid of the calling user.
func dropPrivileges() error {
	uid := unix.Getuid()
	gid := unix.Getgid()

	if err := unix.Setresgid(gid, gid, gid); err != nil {
		return fmt.Errorf("setresgid(%d): %w", gid, err)
	}

	if err := unix.Setresuid(uid, uid, uid); err != nil {
		return fmt.Errorf("setresuid(%d): %w", uid, err)
	}

	return nil
}

// snapshotParentEnviron reads /proc/<ppid>/environ, the parent process's
// own environment, as a NUL-separated KEY=VALUE list.
func snapshotParentEnviron() ([]string, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/environ", os.Getppid()))
	if err != nil {
		return nil, err
	}

	var env []string
	for _, kv := range strings.Split(string(raw), "\x00") {
		if kv != "" {
			env = append(env, kv)
		}
	}

	return env, nil
}
