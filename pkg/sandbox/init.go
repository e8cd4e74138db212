package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// scratchRoot is the parent of the per-run whiteout overlay directories.
// Each run gets its own uuid-suffixed subdirectory: the tmpfs mount that
// shadows it only takes effect inside the new mount namespace, so until
// that mount happens the directory is still visible on the host, and two
// concurrent sandboxed runs must not race to create the same path.
const scratchRoot = "/tmp/gpu-sandbox"

// RunInit is the init-stage entry point, invoked as pid 1 of the mount and
// PID namespaces Run created (spec.md §4.6 steps 3-10 from the namespace
// side). It builds the /dev whiteout overlay, drops privileges, then execs
// the user command as its own child, reaping until it exits.
func RunInit(spec *Spec) int {
	scratchDir := filepath.Join(scratchRoot, uuid.NewString())

	if err := setupMounts(scratchDir, spec.HideList); err != nil {
		fmt.Fprintf(os.Stderr, "gpu-sandbox: %v\n", err)
		return 1
	}

	uid := unix.Getuid()
	gid := unix.Getgid()
	if err := unix.Setresgid(gid, gid, gid); err != nil {
		fmt.Fprintf(os.Stderr, "gpu-sandbox: could not drop group privileges: %v\n", err)
		return 1
	}
	if err := unix.Setresuid(uid, uid, uid); err != nil {
		fmt.Fprintf(os.Stderr, "gpu-sandbox: could not drop privileges: %v\n", err)
		return 1
	}

	return runAndReap(spec.Command)
}

// setupMounts performs the mount-namespace side of the overlay: a private
// recursive remount, a fresh /proc (required because the new PID namespace
// makes the inherited /proc inconsistent), a tmpfs scratch dir holding the
// whiteout device nodes, and the /dev overlay itself.
func setupMounts(scratchDir string, hideList []string) error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("could not make mounts private: %w", err)
	}

	if err := unix.Mount("proc", "/proc", "proc", 0, ""); err != nil {
		return fmt.Errorf("could not remount /proc: %w", err)
	}

	if err := os.MkdirAll(scratchDir, 0o700); err != nil {
		return fmt.Errorf("could not create scratch dir: %w", err)
	}

	if err := unix.Mount("none", scratchDir, "tmpfs", 0, ""); err != nil {
		return fmt.Errorf("could not mount scratch tmpfs: %w", err)
	}

	upperDir := filepath.Join(scratchDir, "upper")
	workDir := filepath.Join(scratchDir, "workdir")
	ptsDir := filepath.Join(scratchDir, "pts")

	for _, d := range []string{upperDir, workDir, ptsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("could not create %s: %w", d, err)
		}
	}

	for _, name := range hideList {
		path := filepath.Join(upperDir, filepath.Base(name))
		if err := unix.Mknod(path, unix.S_IFCHR|0o666, 0); err != nil {
			return fmt.Errorf("could not create whiteout for %s: %w", name, err)
		}
	}

	if err := unix.Mount("/dev/pts", ptsDir, "", unix.MS_MOVE, ""); err != nil {
		return fmt.Errorf("could not move /dev/pts aside: %w", err)
	}

	overlayOpts := fmt.Sprintf("lowerdir=/dev,upperdir=%s,workdir=%s", upperDir, workDir)
	if err := unix.Mount("overlay", "/dev", "overlay", 0, overlayOpts); err != nil {
		return fmt.Errorf("could not create /dev overlay: %w", err)
	}

	if err := os.MkdirAll("/dev/pts", 0o755); err != nil {
		return fmt.Errorf("could not recreate /dev/pts mountpoint: %w", err)
	}
	if err := unix.Mount(ptsDir, "/dev/pts", "", unix.MS_MOVE, ""); err != nil {
		return fmt.Errorf("could not restore /dev/pts: %w", err)
	}

	if err := unix.Mount("none", "/dev/shm", "tmpfs", 0, ""); err != nil {
		return fmt.Errorf("could not mount fresh /dev/shm: %w", err)
	}

	return nil
}

// runAndReap execs the user command as a child, forwards SIGINT/SIGTERM to
// it, and reaps every child -- including reparented grandchildren -- off a
// single SIGCHLD-driven loop, since as pid 1 of this namespace we are the
// only process that can ever collect their exit status.
func runAndReap(command []string) int {
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "gpu-sandbox: could not exec %s: %v\n", command[0], err)
		return 1
	}

	trackedPID := cmd.Process.Pid

	sigCh := make(chan os.Signal, 16)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGCHLD)

	for sig := range sigCh {
		if sig == syscall.SIGINT || sig == syscall.SIGTERM {
			_ = cmd.Process.Signal(sig)
			continue
		}

		if exitCode, exited := reapUntil(trackedPID); exited {
			return exitCode
		}
	}

	return 1
}

// reapUntil drains every exited child with a non-blocking wait4, returning
// the tracked child's exit code once it is among them.
func reapUntil(trackedPID int) (int, bool) {
	for {
		var ws unix.WaitStatus

		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return 0, false
		}

		if pid == trackedPID {
			if ws.Signaled() {
				return 128 + int(ws.Signal()), true
			}

			return ws.ExitStatus(), true
		}
	}
}
