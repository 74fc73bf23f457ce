//go:build unix

package toolexec

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup 子进程独立成组，取消时向整个组发送 SIGKILL
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
