//go:build unix

package executor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// isolate starts the runner in its own process group and makes cancellation
// kill the whole group, so kernels forked by the runner die with it.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
}
