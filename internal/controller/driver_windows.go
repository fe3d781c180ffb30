//go:build windows

package controller

import (
	"os/exec"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// applyPlatformIsolation keeps the target off the parent console and starts
// it suspended so the job object can be scoped before the first instruction
// runs; ceiling enforcement itself runs through the session's job object.
func applyPlatformIsolation(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags = windows.CREATE_NEW_CONSOLE | windows.CREATE_NEW_PROCESS_GROUP | windows.CREATE_SUSPENDED
}

// holdTarget is a no-op: CREATE_SUSPENDED already holds the process.
func holdTarget(cmd *exec.Cmd) error { return nil }

// Release implements Driver by resuming the suspended initial thread.
func (d *ExecDriver) Release(pid int) error {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(snapshot)

	var entry windows.ThreadEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	for err := windows.Thread32First(snapshot, &entry); err == nil; err = windows.Thread32Next(snapshot, &entry) {
		if entry.OwnerProcessID != uint32(pid) {
			continue
		}
		handle, err := windows.OpenThread(windows.THREAD_SUSPEND_RESUME, false, entry.ThreadID)
		if err != nil {
			return err
		}
		_, err = windows.ResumeThread(handle)
		windows.CloseHandle(handle)
		if err != nil {
			return err
		}
	}
	return nil
}

// Kill implements Driver. Windows has no graceful process signal; both
// paths terminate.
func (d *ExecDriver) Kill(pid int) error {
	return terminate(pid)
}

// ForceKill implements Driver.
func (d *ExecDriver) ForceKill(pid int) error {
	return terminate(pid)
}

func terminate(pid int) error {
	handle, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(handle)
	return windows.TerminateProcess(handle, 1)
}

// Alive implements Driver.
func (d *ExecDriver) Alive(pid int) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var code uint32
	if err := windows.GetExitCodeProcess(handle, &code); err != nil {
		return false
	}
	return code == 259 // STILL_ACTIVE
}
