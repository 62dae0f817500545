//go:build !windows

package proc

import (
	"os/exec"
	"syscall"
)

func hide(_ *exec.Cmd) {}

func segfaulted(err *exec.ExitError) bool {
	status, ok := err.Sys().(syscall.WaitStatus)
	if !ok {
		return false
	}
	return status.Signaled() && status.Signal() == syscall.SIGSEGV
}
