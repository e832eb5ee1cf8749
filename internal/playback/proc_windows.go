//go:build windows

package playback

import (
	"errors"
	"os/exec"
)

var errSuspendUnsupported = errors.New("suspending a player process is not supported on windows")

func configureProcess(cmd *exec.Cmd) {}

func suspend(cmd *exec.Cmd) error { return errSuspendUnsupported }

func resume(cmd *exec.Cmd) error { return errSuspendUnsupported }
