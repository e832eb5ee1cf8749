//go:build linux

package playback

import (
	"os/exec"
	"syscall"
)

// configureProcess ties the player's lifetime to ours.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}

func suspend(cmd *exec.Cmd) error {
	return cmd.Process.Signal(syscall.SIGSTOP)
}

func resume(cmd *exec.Cmd) error {
	return cmd.Process.Signal(syscall.SIGCONT)
}
