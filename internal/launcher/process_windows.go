//go:build windows

package launcher

import (
	"os/exec"
	"strconv"

	"golang.org/x/sys/windows"
)

// stopProcess asks the daemon's console tree to exit. Signals are unreliable
// on Windows, so this goes straight through taskkill without /F.
func stopProcess(pid int) error {
	return exec.Command("taskkill", "/T", "/PID", strconv.Itoa(pid)).Run()
}

// killProcessTree force-terminates the daemon and every child it spawned.
func killProcessTree(pid int) error {
	return exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
}

// isProcessAlive checks whether the PID refers to a live process.
func isProcessAlive(pid int) bool {
	const stillActive = 259

	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}
	return exitCode == stillActive
}
