//go:build !linux && !windows

package playback

import (
	"os/exec"
	"syscall"
)

func configureProcess(cmd *exec.Cmd) {}

func suspend(cmd *exec.Cmd) error {
	return cmd.Process.Signal(syscall.SIGSTOP)
}

func resume(cmd *exec.Cmd) error {
	return cmd.Process.Signal(syscall.SIGCONT)
}
