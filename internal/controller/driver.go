package controller

import (
	"fmt"
	"os/exec"
	"strings"
)

// Driver launches and kills processes for a session. The exec driver is the
// production implementation; tests substitute fakes.
type Driver interface {
	// Spawn starts the target held in a restricted context and returns its
	// pid plus a wait function that blocks until exit. The target does not
	// execute until Release.
	Spawn(target, workDir string) (pid int, wait func() (int, error), err error)

	// Release lets a held target begin executing once ceilings are scoped.
	Release(pid int) error

	// Kill requests a graceful stop.
	Kill(pid int) error

	// ForceKill terminates without grace.
	ForceKill(pid int) error

	// Alive reports whether the process still exists.
	Alive(pid int) bool
}

// ExecDriver spawns targets with os/exec under platform isolation
// attributes.
type ExecDriver struct{}

// Spawn implements Driver.
func (d *ExecDriver) Spawn(target, workDir string) (int, func() (int, error), error) {
	argv := strings.Fields(target)
	if len(argv) == 0 {
		return 0, nil, fmt.Errorf("empty target command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	applyPlatformIsolation(cmd)

	if err := cmd.Start(); err != nil {
		return 0, nil, err
	}
	if err := holdTarget(cmd); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return 0, nil, fmt.Errorf("hold target: %w", err)
	}

	wait := func() (int, error) {
		err := cmd.Wait()
		if cmd.ProcessState != nil {
			return cmd.ProcessState.ExitCode(), nil
		}
		return -1, err
	}
	return cmd.Process.Pid, wait, nil
}
