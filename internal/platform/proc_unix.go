//go:build !windows

package platform

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// PrepareCommand starts the child in its own process group so the whole
// tree can be signalled.
func PrepareCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// Terminate sends SIGTERM to the process group.
func Terminate(p *os.Process) error {
	if p == nil {
		return nil
	}
	return unix.Kill(-p.Pid, unix.SIGTERM)
}

// Kill sends SIGKILL to the process group.
func Kill(p *os.Process) error {
	if p == nil {
		return nil
	}
	return unix.Kill(-p.Pid, unix.SIGKILL)
}

// ProcessAlive reports whether pid refers to a running process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
