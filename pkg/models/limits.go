package models

import (
	"fmt"
	"time"
)

// ResourceLimits is the immutable per-session ceiling configuration.
// A zero value means unlimited for that dimension.
type ResourceLimits struct {
	MaxCPUPercent      float64       `json:"max_cpu_percent" yaml:"max_cpu_percent"`
	MaxWorkingSetBytes uint64        `json:"max_working_set_bytes" yaml:"max_working_set_bytes"`
	MaxOpenHandles     int           `json:"max_open_handles" yaml:"max_open_handles"`
	MaxProcesses       int           `json:"max_processes" yaml:"max_processes"`
	MaxWallClock       time.Duration `json:"max_wall_clock" yaml:"max_wall_clock"`
}

// Validate rejects negative limit values.
func (l ResourceLimits) Validate() error {
	if l.MaxCPUPercent < 0 || l.MaxCPUPercent > 100 {
		return fmt.Errorf("max_cpu_percent must be within [0, 100], got %v", l.MaxCPUPercent)
	}
	if l.MaxOpenHandles < 0 {
		return fmt.Errorf("max_open_handles must not be negative, got %d", l.MaxOpenHandles)
	}
	if l.MaxProcesses < 0 {
		return fmt.Errorf("max_processes must not be negative, got %d", l.MaxProcesses)
	}
	if l.MaxWallClock < 0 {
		return fmt.Errorf("max_wall_clock must not be negative, got %v", l.MaxWallClock)
	}
	return nil
}

// ProfileLimits returns the named security profile preset. The unlimited
// profile disables every ceiling; it must be asked for by name.
func ProfileLimits(name string) (ResourceLimits, bool) {
	switch name {
	case "unlimited":
		return ResourceLimits{}, true
	case "strict":
		return ResourceLimits{
			MaxCPUPercent:      25,
			MaxWorkingSetBytes: 256 << 20,
			MaxOpenHandles:     256,
			MaxProcesses:       5,
			MaxWallClock:       5 * time.Minute,
		}, true
	case "medium":
		return ResourceLimits{
			MaxCPUPercent:      50,
			MaxWorkingSetBytes: 512 << 20,
			MaxOpenHandles:     512,
			MaxProcesses:       10,
			MaxWallClock:       15 * time.Minute,
		}, true
	case "relaxed":
		return ResourceLimits{
			MaxCPUPercent:      80,
			MaxWorkingSetBytes: 1 << 30,
			MaxOpenHandles:     1024,
			MaxProcesses:       20,
			MaxWallClock:       30 * time.Minute,
		}, true
	}
	return ResourceLimits{}, false
}

// ResourceUsageSnapshot is one sample of the process tree's usage.
type ResourceUsageSnapshot struct {
	Timestamp       time.Time `json:"@timestamp"`
	CPUPercent      float64   `json:"cpu_percent"`
	WorkingSetBytes uint64    `json:"working_set_bytes"`
	OpenHandles     int       `json:"open_handles"`
	Processes       int       `json:"processes"`
}
