//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
	"time"
)

func configureProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate sends SIGTERM to the whole process group so children spawned by
// sh -c stop with their parent, then SIGKILLs the group after grace.
func terminate(c *exec.Cmd, grace time.Duration) error {
	if c.Process == nil {
		return nil
	}
	pgid := c.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		return c.Process.Signal(syscall.SIGTERM)
	}
	time.AfterFunc(grace, func() {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	})
	return nil
}
