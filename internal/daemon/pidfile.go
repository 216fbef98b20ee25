// Package daemon handles process lifecycle plumbing for the CLI:
// PID files with staleness checks, background re-exec, and log
// tailing.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrNotRunning is returned when a PID file is absent or stale.
var ErrNotRunning = errors.New("process not running")

// WritePIDFile records the current process ID at path.
func WritePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// ReadPIDFile returns the PID recorded at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid file %s: %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Alive reports whether a process with the given PID exists, using a
// signal-0 probe. EPERM counts as alive (the process exists but is
// owned by someone else).
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// RunningPID reads the PID file and verifies the process is alive.
// Stale files (process gone) are removed, and ErrNotRunning is
// returned for both missing and stale files.
func RunningPID(path string) (int, error) {
	pid, err := ReadPIDFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, err
	}
	if !Alive(pid) {
		_ = os.Remove(path)
		return 0, ErrNotRunning
	}
	return pid, nil
}

// RemovePIDFile deletes the PID file, ignoring a missing file.
func RemovePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
