// Package proc holds platform-specific helpers for child processes.
package proc

import (
	"errors"
	"os/exec"
)

// Hide marks the command so that no console window is created for it on
// Windows. No-op elsewhere.
func Hide(cmd *exec.Cmd) {
	hide(cmd)
}

// ExitedWithSegfault reports whether the command was killed by SIGSEGV. The
// native whisper.cpp binary sometimes segfaults during tear-down after it has
// already written its full output; callers treat that as success.
func ExitedWithSegfault(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	return segfaulted(exitErr)
}
