//go:build linux

package limiter

import (
	"fmt"

	"golang.org/x/sys/unix"

	"sandtrap/pkg/models"
)

// rlimitEnforcer scopes ceilings per pid with prlimit(2) and nice values.
// CPU percentage has no direct rlimit; the ceiling maps to scheduling
// priority, matching the original tool's priority-class approach.
type rlimitEnforcer struct {
	limits models.ResourceLimits
}

// NewEnforcer returns the Linux ceiling enforcer.
func NewEnforcer(limits models.ResourceLimits) (Enforcer, error) {
	return &rlimitEnforcer{limits: limits}, nil
}

func (e *rlimitEnforcer) Apply(pid int, cpuCeiling float64) error {
	if e.limits.MaxOpenHandles > 0 {
		lim := unix.Rlimit{
			Cur: uint64(e.limits.MaxOpenHandles),
			Max: uint64(e.limits.MaxOpenHandles),
		}
		if err := unix.Prlimit(pid, unix.RLIMIT_NOFILE, &lim, nil); err != nil {
			return fmt.Errorf("prlimit nofile: %w", err)
		}
	}
	if e.limits.MaxWorkingSetBytes > 0 {
		lim := unix.Rlimit{
			Cur: e.limits.MaxWorkingSetBytes,
			Max: e.limits.MaxWorkingSetBytes,
		}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil); err != nil {
			return fmt.Errorf("prlimit as: %w", err)
		}
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, niceFor(cpuCeiling)); err != nil {
		return fmt.Errorf("setpriority: %w", err)
	}
	return nil
}

func (e *rlimitEnforcer) Close() error { return nil }

func niceFor(cpuCeiling float64) int {
	switch {
	case cpuCeiling <= 25:
		return 19
	case cpuCeiling <= 50:
		return 10
	case cpuCeiling <= 80:
		return 5
	}
	return 0
}
