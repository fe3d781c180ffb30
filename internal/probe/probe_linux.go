//go:build linux

package probe

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Linux exposes everything through /proc.

const clockTicksPerSecond = 100

func listProcesses() ([]ProcessInfo, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}

	var processes []ProcessInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		processes = append(processes, ProcessInfo{
			PID:     pid,
			PPID:    readPPID(pid),
			Command: readCmdline(pid),
		})
	}
	return processes, nil
}

func readPPID(pid int) int {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0
	}
	// Field 4 follows the parenthesized comm, which may itself contain
	// spaces; scan from the closing paren.
	s := string(data)
	idx := strings.LastIndexByte(s, ')')
	if idx < 0 || idx+2 >= len(s) {
		return 0
	}
	fields := strings.Fields(s[idx+2:])
	if len(fields) < 2 {
		return 0
	}
	ppid, _ := strconv.Atoi(fields[1])
	return ppid
}

func readCmdline(pid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return ""
	}
	cmd := strings.TrimSpace(strings.ReplaceAll(string(data), "\x00", " "))
	return cmd
}

func usageFor(pid int) (Usage, error) {
	var usage Usage

	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return usage, err
	}
	s := string(data)
	idx := strings.LastIndexByte(s, ')')
	if idx >= 0 && idx+2 < len(s) {
		fields := strings.Fields(s[idx+2:])
		// utime and stime are fields 14 and 15 of the full stat line,
		// i.e. 11 and 12 past the comm.
		if len(fields) > 12 {
			utime, _ := strconv.ParseUint(fields[11], 10, 64)
			stime, _ := strconv.ParseUint(fields[12], 10, 64)
			ticks := utime + stime
			usage.CPUTime = time.Duration(ticks) * time.Second / clockTicksPerSecond
		}
	}

	if status, err := os.Open(fmt.Sprintf("/proc/%d/status", pid)); err == nil {
		scanner := bufio.NewScanner(status)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "VmRSS:") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				kb, _ := strconv.ParseUint(fields[1], 10, 64)
				usage.RSSBytes = kb << 10
			}
			break
		}
		status.Close()
	}

	if fds, err := os.ReadDir(fmt.Sprintf("/proc/%d/fd", pid)); err == nil {
		usage.Handles = len(fds)
	}

	return usage, nil
}

func connectionsFor(pids map[int]struct{}) ([]Connection, error) {
	inodeToPID := make(map[string]int)
	for pid := range pids {
		fdPath := fmt.Sprintf("/proc/%d/fd", pid)
		fds, err := os.ReadDir(fdPath)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdPath, fd.Name()))
			if err != nil {
				continue
			}
			if strings.HasPrefix(link, "socket:[") && strings.HasSuffix(link, "]") {
				inodeToPID[link[8:len(link)-1]] = pid
			}
		}
	}

	var connections []Connection
	parse := func(path, protocol string, ipv6 bool) {
		f, err := os.Open(path)
		if err != nil {
			return
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Scan() // header
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) < 10 {
				continue
			}
			// 01 = ESTABLISHED, 02 = SYN_SENT
			state := fields[3]
			if state != "01" && state != "02" {
				continue
			}
			pid, ok := inodeToPID[fields[9]]
			if !ok {
				continue
			}
			addr, port := parseHexAddr(fields[2], ipv6)
			if addr == "" {
				continue
			}
			connections = append(connections, Connection{
				PID:      pid,
				Remote:   addr,
				Port:     port,
				Protocol: protocol,
			})
		}
	}

	parse("/proc/net/tcp", "tcp", false)
	parse("/proc/net/tcp6", "tcp", true)
	return connections, nil
}

// parseHexAddr decodes the /proc/net/tcp address:port format. IPv6 stores
// four little-endian 32-bit groups.
func parseHexAddr(raw string, ipv6 bool) (string, int) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 {
		return "", 0
	}
	port, _ := strconv.ParseInt(parts[1], 16, 32)

	b, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", int(port)
	}

	if ipv6 {
		if len(b) != 16 {
			return "", int(port)
		}
		ip := make(net.IP, 16)
		for i := 0; i < 4; i++ {
			ip[i*4+0] = b[i*4+3]
			ip[i*4+1] = b[i*4+2]
			ip[i*4+2] = b[i*4+1]
			ip[i*4+3] = b[i*4+0]
		}
		return ip.String(), int(port)
	}

	if len(b) < 4 {
		return "", int(port)
	}
	return fmt.Sprintf("%d.%d.%d.%d", b[3], b[2], b[1], b[0]), int(port)
}

// persistenceSnapshot fingerprints the files under the configured autostart
// paths. On Linux the registry watcher degrades to this path-based view.
func persistenceSnapshot(keys []string) (map[string]string, error) {
	snapshot := make(map[string]string)
	var firstErr error
	for _, key := range keys {
		err := filepath.WalkDir(key, func(path string, entry os.DirEntry, walkErr error) error {
			if walkErr != nil {
				return nil
			}
			if entry.IsDir() {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil
			}
			sum := sha256.Sum256(data)
			snapshot[path] = hex.EncodeToString(sum[:8])
			return nil
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return snapshot, firstErr
}
