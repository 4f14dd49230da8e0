// Package procgroup starts child processes in a process group of their
// own, so that stopping a child also stops everything it spawned.
package procgroup

import (
	"os/exec"
	"time"
)

// Setup places cmd in a new process group. On Linux the child is also
// killed when the process that started it dies.
func Setup(cmd *exec.Cmd) {
	setup(cmd)
}

// Bind is Setup for a command created with exec.CommandContext: when the
// context is done the whole group is killed, and Wait gives descendants
// that still hold the output pipes at most waitDelay before closing them.
func Bind(cmd *exec.Cmd, waitDelay time.Duration) {
	setup(cmd)
	cmd.Cancel = func() error { return Kill(cmd) }
	cmd.WaitDelay = waitDelay
}

// Kill sends SIGKILL to cmd's process group. It returns os.ErrProcessDone
// when nothing in the group is left to signal.
func Kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return kill(cmd)
}

// Terminate asks cmd's process group to exit.
func Terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return terminate(cmd)
}
