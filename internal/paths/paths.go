// Package paths locates the per-user state directory and provides the
// atomic file primitives every other component persists through.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Layout names the files and directories under the state directory,
// matching the persisted layout in the external-interfaces section of
// the specification.
const (
	ConfigFile    = "config.json"
	StateFile     = "state.json"
	CacheFile     = "cache.json"
	TeamStateFile = "team-state.json"
	PIDFile       = "tracer.pid"
	ReloadFile    = "reload"
	LogDir        = "logs"
	LogFile       = "tracer.log"
	ErrorLogFile  = "tracer.error.log"
)

// StateDir returns the per-user state directory: ~/.overlap on POSIX,
// %USERPROFILE%\.overlap on Windows. The OVERLAP_STATE_DIR environment
// variable overrides it (used by tests and by operators running multiple
// instances on one host).
func StateDir() (string, error) {
	if dir := os.Getenv("OVERLAP_STATE_DIR"); dir != "" {
		return dir, nil
	}

	if runtime.GOOS == "windows" {
		home := os.Getenv("USERPROFILE")
		if home == "" {
			return "", fmt.Errorf("paths: USERPROFILE is not set")
		}
		return filepath.Join(home, ".overlap"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("paths: resolving home directory: %w", err)
	}
	return filepath.Join(home, ".overlap"), nil
}

// EnsureStateDir creates the state directory (and its logs subdirectory)
// if they do not already exist.
func EnsureStateDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(dir, LogDir), 0o755); err != nil {
		return "", fmt.Errorf("paths: creating state dir: %w", err)
	}
	return dir, nil
}

// In joins a file name onto the state directory.
func In(name string) (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// WriteAtomic writes data to path by creating a temp file in the same
// directory and renaming it over the target. This guarantees readers
// never observe a partially-written file -- the rename is the only
// durable mutation. Never mutate a persisted file in place.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("paths: creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("paths: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("paths: writing temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("paths: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("paths: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("paths: renaming temp file into place: %w", err)
	}
	return nil
}
