//go:build !windows

package agent

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the agent in its own process group so the whole tree can
// be killed together.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup kills the agent's entire process group. On Unix the
// group ID equals the leader's PID; a negative PID signals the group.
func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}
