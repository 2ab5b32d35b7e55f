package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"firestige.xyz/flowguard/internal/core"
)

// ReadPID returns the pid recorded in pidFile. A missing file, or a pid
// whose process is gone, yields core.ErrDaemonNotRunning.
func ReadPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, core.ErrDaemonNotRunning
		}
		return 0, fmt.Errorf("read PID file %s: %w", pidFile, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s: %q", pidFile, strings.TrimSpace(string(data)))
	}
	// Signal 0 probes for existence without delivering anything.
	if err := syscall.Kill(pid, 0); err != nil && !errors.Is(err, syscall.EPERM) {
		return 0, core.ErrDaemonNotRunning
	}
	return pid, nil
}

// SignalDaemon sends sig to the daemon recorded in pidFile. Used when the
// control socket is unreachable.
func SignalDaemon(pidFile string, sig syscall.Signal) error {
	pid, err := ReadPID(pidFile)
	if err != nil {
		return err
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return fmt.Errorf("signal %s to pid %d: %w", sig, pid, err)
	}
	return nil
}
