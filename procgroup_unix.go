//go:build darwin || linux

package frpbox

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// processGroupWaitDelay is the time to wait for a worker to exit after its
// group was killed before Wait gives up on it.
const processGroupWaitDelay = 3 * time.Second

// setupProcessGroup runs cmd in its own session so that the worker and
// anything it forks share one process group, and makes context cancellation
// SIGKILL that whole group. Workers get no graceful shutdown.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setpgid = false
	cmd.SysProcAttr.Pgid = 0

	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return os.ErrProcessDone
		}
		return killProcessGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = processGroupWaitDelay
}

// killProcessGroup sends SIGKILL to the group led by pid. A group that no
// longer exists reports os.ErrProcessDone.
func killProcessGroup(pid int) error {
	// kill(-1) signals every process of the user and kill(0) the caller's
	// own group; neither may ever happen.
	if pid <= 1 {
		return os.ErrProcessDone
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}
