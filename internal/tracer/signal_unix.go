//go:build !windows

package tracer

import (
	"os"
	"syscall"
)

// reloadSignal is the POSIX config-reload trigger; Windows has none and
// relies on the reload-flag-file poll instead (see checkReloadFlag).
func reloadSignal() os.Signal { return syscall.SIGHUP }
