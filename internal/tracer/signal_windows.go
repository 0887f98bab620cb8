//go:build windows

package tracer

import "os"

// reloadSignal returns nil on Windows: there is no SIGHUP equivalent,
// so the run loop's reload-flag-file poll is the only reload trigger.
func reloadSignal() os.Signal { return nil }
