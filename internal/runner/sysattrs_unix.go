//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup places the analyzer in its own process group and makes
// context cancellation kill the whole group, so helpers spawned by a shell
// wrapper die with it.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
