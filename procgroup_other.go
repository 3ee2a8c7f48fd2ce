//go:build !darwin && !linux

package frpbox

import (
	"os"
	"os/exec"
	"time"
)

const processGroupWaitDelay = 3 * time.Second

// setupProcessGroup makes context cancellation kill the worker process.
// Without sessions, children forked by the worker are not reached.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return os.ErrProcessDone
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = processGroupWaitDelay
}
