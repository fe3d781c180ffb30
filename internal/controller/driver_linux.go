//go:build linux

package controller

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// applyPlatformIsolation puts the target in its own process group so the
// whole tree can be signalled, and detaches it from the controlling
// terminal.
func applyPlatformIsolation(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.SysProcAttr.Pgid = 0
}

// holdTarget stops the target right after fork so it cannot make progress
// before ceilings are scoped.
func holdTarget(cmd *exec.Cmd) error {
	return unix.Kill(cmd.Process.Pid, unix.SIGSTOP)
}

// Release implements Driver.
func (d *ExecDriver) Release(pid int) error {
	return unix.Kill(pid, unix.SIGCONT)
}

// Kill implements Driver.
func (d *ExecDriver) Kill(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}

// ForceKill implements Driver.
func (d *ExecDriver) ForceKill(pid int) error {
	return unix.Kill(pid, unix.SIGKILL)
}

// Alive implements Driver.
func (d *ExecDriver) Alive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

// Suspend implements Suspender.
func (d *ExecDriver) Suspend(pid int) error {
	return unix.Kill(pid, unix.SIGSTOP)
}

// Resume implements Suspender.
func (d *ExecDriver) Resume(pid int) error {
	return unix.Kill(pid, unix.SIGCONT)
}
