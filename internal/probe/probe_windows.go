//go:build windows

package probe

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

func listProcesses() ([]ProcessInfo, error) {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, fmt.Errorf("toolhelp snapshot: %w", err)
	}
	defer windows.CloseHandle(snapshot)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	if err := windows.Process32First(snapshot, &entry); err != nil {
		return nil, fmt.Errorf("process32first: %w", err)
	}

	var processes []ProcessInfo
	for {
		processes = append(processes, ProcessInfo{
			PID:     int(entry.ProcessID),
			PPID:    int(entry.ParentProcessID),
			Command: windows.UTF16ToString(entry.ExeFile[:]),
		})
		if err := windows.Process32Next(snapshot, &entry); err != nil {
			break
		}
	}
	return processes, nil
}

func usageFor(pid int) (Usage, error) {
	var usage Usage

	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return usage, fmt.Errorf("open process %d: %w", pid, err)
	}
	defer windows.CloseHandle(handle)

	var creation, exit, kernel, user windows.Filetime
	if err := windows.GetProcessTimes(handle, &creation, &exit, &kernel, &user); err == nil {
		usage.CPUTime = filetimeDuration(kernel) + filetimeDuration(user)
	}

	var counters windows.PROCESS_MEMORY_COUNTERS
	if err := windows.GetProcessMemoryInfo(handle, &counters, uint32(unsafe.Sizeof(counters))); err == nil {
		usage.RSSBytes = uint64(counters.WorkingSetSize)
	}

	var handleCount uint32
	if err := windows.GetProcessHandleCount(handle, &handleCount); err == nil {
		usage.Handles = int(handleCount)
	}

	return usage, nil
}

// Filetime ticks are 100ns.
func filetimeDuration(ft windows.Filetime) time.Duration {
	ticks := uint64(ft.HighDateTime)<<32 | uint64(ft.LowDateTime)
	return time.Duration(ticks) * 100 * time.Nanosecond
}

// connectionsFor parses netstat output; the extended TCP table has no
// wrapper in x/sys.
func connectionsFor(pids map[int]struct{}) ([]Connection, error) {
	out, err := exec.Command("netstat", "-ano").Output()
	if err != nil {
		return nil, fmt.Errorf("netstat: %w", err)
	}

	var connections []Connection
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		// Proto Local Foreign State PID
		if len(fields) < 5 || fields[0] != "TCP" {
			continue
		}
		if fields[3] != "ESTABLISHED" && fields[3] != "SYN_SENT" {
			continue
		}
		pid, err := strconv.Atoi(fields[4])
		if err != nil {
			continue
		}
		if _, ok := pids[pid]; !ok {
			continue
		}
		remote := fields[2]
		lastColon := strings.LastIndex(remote, ":")
		if lastColon < 0 {
			continue
		}
		port, _ := strconv.Atoi(remote[lastColon+1:])
		connections = append(connections, Connection{
			PID:      pid,
			Remote:   strings.Trim(remote[:lastColon], "[]"),
			Port:     port,
			Protocol: "tcp",
		})
	}
	return connections, nil
}

// persistenceSnapshot reads the values under the monitored registry keys.
// Key paths use the HIVE\path form, e.g. HKLM\Software\...\Run.
func persistenceSnapshot(keys []string) (map[string]string, error) {
	snapshot := make(map[string]string)
	var firstErr error
	for _, keyPath := range keys {
		hive, sub, err := splitKeyPath(keyPath)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		key, err := registry.OpenKey(hive, sub, registry.READ)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("open %s: %w", keyPath, err)
			}
			continue
		}
		names, err := key.ReadValueNames(0)
		if err == nil {
			for _, name := range names {
				value, _, err := key.GetStringValue(name)
				if err != nil {
					continue
				}
				snapshot[keyPath+"\\"+name] = value
			}
		}
		key.Close()
	}
	return snapshot, firstErr
}

func splitKeyPath(keyPath string) (registry.Key, string, error) {
	idx := strings.Index(keyPath, "\\")
	if idx < 0 {
		return 0, "", fmt.Errorf("registry key %q has no path", keyPath)
	}
	switch strings.ToUpper(keyPath[:idx]) {
	case "HKLM", "HKEY_LOCAL_MACHINE":
		return registry.LOCAL_MACHINE, keyPath[idx+1:], nil
	case "HKCU", "HKEY_CURRENT_USER":
		return registry.CURRENT_USER, keyPath[idx+1:], nil
	case "HKU", "HKEY_USERS":
		return registry.USERS, keyPath[idx+1:], nil
	}
	return 0, "", fmt.Errorf("unsupported registry hive in %q", keyPath)
}
