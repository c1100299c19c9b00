package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	pidFilePermissions = 0o644
	pidDirPermissions  = 0o755
)

// writePIDFile is the Windows variant: no flock, so single-instance
// enforcement relies on the recorded PID still being alive. A stale file
// from a dead process is replaced.
func writePIDFile(path string) (cleanup func(), err error) {
	if path == "" {
		return nil, fmt.Errorf("PID file path is empty — cannot determine log root")
	}

	if mkdirErr := os.MkdirAll(filepath.Dir(path), pidDirPermissions); mkdirErr != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", mkdirErr)
	}

	if pid, readErr := readPIDFile(path); readErr == nil {
		if proc, findErr := os.FindProcess(pid); findErr == nil && proc != nil && pid != os.Getpid() {
			// FindProcess succeeds for dead PIDs on some platforms; the
			// lock here is advisory, matching the single-instance
			// assumption rather than enforcing it perfectly.
			if isProcessAlive(proc) {
				return nil, fmt.Errorf("another xlwatch watch is already running (PID %d in %s)", pid, path)
			}
		}
	}

	if writeErr := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), pidFilePermissions); writeErr != nil {
		return nil, fmt.Errorf("writing PID file: %w", writeErr)
	}

	return func() { os.Remove(path) }, nil
}

func isProcessAlive(proc *os.Process) bool {
	// On Windows FindProcess only succeeds for live processes.
	return proc != nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}
