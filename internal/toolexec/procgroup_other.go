//go:build !unix

package toolexec

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}
