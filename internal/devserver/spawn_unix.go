//go:build !windows

package devserver

import (
	"os/exec"
	"syscall"
)

// detachProcess puts the child in its own session so it survives signals
// aimed at the node and can be killed as a whole process group.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// killProcessGroup terminates the child's entire process group, falling back
// to the single process if the group is already gone.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
		return
	}
	_ = cmd.Process.Kill()
}
