package paths

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// WritePID writes the current process PID to path in the advisory PID
// file format (a bare ASCII integer). The PID file is advisory only; no
// OS file lock is taken on it.
func WritePID(path string) error {
	pid := os.Getpid()
	return WriteAtomic(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// ReadPID reads and parses a PID file. Returns 0, nil if the file does
// not exist.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("paths: reading pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("paths: parsing pid file: %w", err)
	}
	return pid, nil
}

// RemovePIDIfOwned removes the PID file only if it still holds this
// process's PID, so a second instance that raced past startup does not
// delete the winner's PID file on exit.
func RemovePIDIfOwned(path string) error {
	pid, err := ReadPID(path)
	if err != nil {
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("paths: removing pid file: %w", err)
	}
	return nil
}
