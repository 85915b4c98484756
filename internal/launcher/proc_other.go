//go:build !unix

package launcher

import "os/exec"

func configureCommand(*exec.Cmd) {}

// No process groups or SIGTERM here; both paths kill the child directly.
func terminate(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func kill(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
