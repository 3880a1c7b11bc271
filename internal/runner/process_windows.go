//go:build windows

package runner

import (
	"os/exec"
	"time"
)

func configureProcessGroup(*exec.Cmd) {}

func terminate(c *exec.Cmd, _ time.Duration) error {
	if c.Process == nil {
		return nil
	}
	return c.Process.Kill()
}
