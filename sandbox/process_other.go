//go:build !unix

package sandbox

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}
}

func killProcessGroup(int) error {
	return nil
}
