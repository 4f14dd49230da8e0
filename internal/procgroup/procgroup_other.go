//go:build !unix

package procgroup

import "os/exec"

func setup(*exec.Cmd) {}

func kill(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func terminate(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
