package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// markerEnv tells a re-exec'd child that it is the background copy and
// should not fork again.
const markerEnv = "CLARA_DAEMONIZED"

// InBackground reports whether this process is the re-exec'd child.
func InBackground() bool {
	return os.Getenv(markerEnv) == "1"
}

// Spawn re-executes the current binary detached from the terminal,
// with stdout and stderr redirected to logFile. Returns the child's
// PID. The caller (the foreground parent) should exit afterwards; the
// child sees InBackground() == true and runs the server loop.
func Spawn(logFile string, args []string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locate executable: %w", err)
	}

	logf, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer logf.Close()

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), markerEnv+"=1")
	cmd.Stdin = nil
	cmd.Stdout = logf
	cmd.Stderr = logf
	// New session detaches from the controlling terminal, the POSIX
	// stand-in for a double fork.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn background process: %w", err)
	}
	pid := cmd.Process.Pid
	// Release so the parent can exit without reaping the child.
	_ = cmd.Process.Release()
	return pid, nil
}

// Terminate sends SIGTERM to pid and waits for it to exit, escalating
// to SIGKILL after the grace period.
func Terminate(pid int, grace time.Duration) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if !Alive(pid) {
			return nil
		}
		return err
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := proc.Kill(); err != nil && Alive(pid) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}
