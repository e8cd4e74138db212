package gpu

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Gate enforces card ownership at the filesystem level: the uid allowed to
// open a device node is the uid that currently owns it.
type Gate struct {
	logger    *logrus.Entry
	nobodyUID uint32
	nobodyGID uint32
	selfPID   int32
}

// NewGate resolves the "nobody" account once and returns a ready Gate.
func NewGate(logger *logrus.Entry) (*Gate, error) {
	nobody, err := user.Lookup("nobody")
	if err != nil {
		return nil, fmt.Errorf("looking up nobody user: %w", err)
	}

	uid, err := strconv.ParseUint(nobody.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parsing nobody uid: %w", err)
	}

	gid, err := strconv.ParseUint(nobody.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parsing nobody gid: %w", err)
	}

	return &Gate{
		logger:    logger,
		nobodyUID: uint32(uid),
		nobodyGID: uint32(gid),
		selfPID:   int32(os.Getpid()),
	}, nil
}

// Admit transfers ownership of card minor to (uid, nobody group). Admitting
// uid 0 is equivalent to Revoke.
func (g *Gate) Admit(minor uint32, uid int32) error {
	if uid == 0 {
		return g.Revoke(minor)
	}

	path := devicePath(minor)

	if err := os.Chown(path, int(uid), int(g.nobodyGID)); err != nil {
		return fmt.Errorf("chown %s to uid %d: %w", path, uid, err)
	}

	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}

	return nil
}

// Revoke transfers ownership of card minor back to root (group nobody) and
// kills any process still holding the device node open.
func (g *Gate) Revoke(minor uint32) error {
	path := devicePath(minor)

	if err := os.Chown(path, 0, int(g.nobodyGID)); err != nil {
		return fmt.Errorf("chown %s to root: %w", path, err)
	}

	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}

	openers, err := findOpeners(path, g.selfPID)
	if err != nil {
		return fmt.Errorf("finding openers of %s: %w", path, err)
	}

	for _, pid := range openers {
		if err := unix.Kill(int(pid), unix.SIGKILL); err != nil && err != unix.ESRCH {
			g.logger.WithError(err).WithField("pid", pid).Warn("failed to kill remaining opener")
		}
	}

	return nil
}

// findOpeners walks /proc/*/fd looking for symlinks into devicePath,
// returning the pids that still hold it open. This replaces a
// popen("fuser ...") shell invocation with a direct, injection-free lookup.
// selfPID is always excluded: the arbiter itself may hold the device open
// (e.g. via NVML) and must never SIGKILL itself while revoking a client.
func findOpeners(devicePath string, selfPID int32) ([]int32, error) {
	procEntries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}

	var openers []int32

	for _, entry := range procEntries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		if int32(pid) == selfPID {
			continue
		}

		fdDir := filepath.Join("/proc", entry.Name(), "fd")

		fds, err := os.ReadDir(fdDir)
		if err != nil {
			// process exited or we lack permission; not our concern
			continue
		}

		for _, fd := range fds {
			target, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}

			if target == devicePath {
				openers = append(openers, int32(pid))
				break
			}
		}
	}

	return openers, nil
}
