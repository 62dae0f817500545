//go:build windows

package proc

import (
	"os/exec"
	"syscall"
)

func hide(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.HideWindow = true
}

func segfaulted(err *exec.ExitError) bool {
	// 0xC0000005 is STATUS_ACCESS_VIOLATION, the closest Windows analog.
	return uint32(err.ExitCode()) == 0xC0000005
}
