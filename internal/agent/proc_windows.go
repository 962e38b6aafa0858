//go:build windows

package agent

import "os/exec"

// setProcAttr is a no-op on Windows; context cancellation terminates the
// direct child process.
func setProcAttr(cmd *exec.Cmd) {}

// killProcessGroup is a no-op on Windows.
func killProcessGroup(pid int) error {
	return nil
}
