//go:build windows

package limiter

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"sandtrap/pkg/models"
)

// jobEnforcer scopes the tree under one job object carrying the memory and
// active-process ceilings; KILL_ON_JOB_CLOSE guarantees no member survives
// the session. The CPU ceiling maps to the priority class.
type jobEnforcer struct {
	job    windows.Handle
	limits models.ResourceLimits
}

// NewEnforcer creates the job object for the session.
func NewEnforcer(limits models.ResourceLimits) (Enforcer, error) {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create job object: %w", err)
	}

	var info windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION
	info.BasicLimitInformation.LimitFlags = windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE
	if limits.MaxWorkingSetBytes > 0 {
		info.BasicLimitInformation.LimitFlags |= windows.JOB_OBJECT_LIMIT_PROCESS_MEMORY
		info.ProcessMemoryLimit = uintptr(limits.MaxWorkingSetBytes)
	}
	if limits.MaxProcesses > 0 {
		info.BasicLimitInformation.LimitFlags |= windows.JOB_OBJECT_LIMIT_ACTIVE_PROCESS
		info.BasicLimitInformation.ActiveProcessLimit = uint32(limits.MaxProcesses)
	}
	_, err = windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	)
	if err != nil {
		windows.CloseHandle(job)
		return nil, fmt.Errorf("set job limits: %w", err)
	}

	return &jobEnforcer{job: job, limits: limits}, nil
}

func (e *jobEnforcer) Apply(pid int, cpuCeiling float64) error {
	handle, err := windows.OpenProcess(
		windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE|windows.PROCESS_SET_INFORMATION,
		false,
		uint32(pid),
	)
	if err != nil {
		return fmt.Errorf("open process %d: %w", pid, err)
	}
	defer windows.CloseHandle(handle)

	if err := windows.AssignProcessToJobObject(e.job, handle); err != nil && err != windows.ERROR_ACCESS_DENIED {
		// Already-assigned members report ERROR_ACCESS_DENIED; the job keeps
		// enforcing them.
		return fmt.Errorf("assign to job: %w", err)
	}
	if err := windows.SetPriorityClass(handle, priorityFor(cpuCeiling)); err != nil {
		return fmt.Errorf("set priority class: %w", err)
	}
	return nil
}

func (e *jobEnforcer) Close() error {
	return windows.CloseHandle(e.job)
}

func priorityFor(cpuCeiling float64) uint32 {
	switch {
	case cpuCeiling <= 25:
		return windows.IDLE_PRIORITY_CLASS
	case cpuCeiling <= 50:
		return windows.BELOW_NORMAL_PRIORITY_CLASS
	}
	return windows.NORMAL_PRIORITY_CLASS
}
