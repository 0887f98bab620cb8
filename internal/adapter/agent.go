// Package adapter turns one journal record plus a mutable per-session
// accumulator into zero or more typed events.
//
// The design note in spec.md §9 calls for dynamic dispatch over a single
// capability set rather than a type hierarchy: {agent_type, watch_dir,
// file_extension, parse_line, extract_session_id}. This mirrors the
// teacher's monitor.Source interface (internal/monitor/source.go) --
// Name/Discover/Parse -- generalized from "discover + parse a snapshot"
// to "parse one already-read record", since routing and offset tracking
// live one layer up in this design (the tracer supervisor, not the
// adapter).
package adapter

import (
	"path/filepath"

	"github.com/overlap-dev/tracer/internal/events"
)

// Agent is the capability set a coding-agent integration implements.
// New agents add another implementation without touching the tracer
// supervisor (internal/tracer), exactly as the teacher's Source
// implementations (claude_source.go, codex_source.go, gemini_source.go)
// plug into a common Monitor without it knowing their parse details.
type Agent interface {
	// AgentType is a short lowercase identifier, e.g. "claude".
	AgentType() string

	// WatchDir returns the root directory this agent writes session
	// journals under, e.g. ~/.claude/projects.
	WatchDir() (string, error)

	// FileExtension is the journal file suffix this agent produces,
	// e.g. ".jsonl".
	FileExtension() string

	// ExtractSessionID derives a session id from a journal file's path
	// when no session id has been observed in the file's contents yet
	// (used to seed a TrackedFile before the first record is parsed).
	ExtractSessionID(path string) string

	// ParseLine parses one complete journal record (a single line,
	// without its trailing newline) into zero or more events, mutating
	// acc to reflect what this record revealed. sessionID is the id
	// already known for this journal file (from TrackedFile or a prior
	// record); it is used when the record itself carries none. Malformed
	// records return a nil event slice and a nil error -- they are
	// dropped, not treated as a processing failure.
	ParseLine(line []byte, sessionID string, acc *events.Accumulator) ([]events.Event, error)
}

// SessionIDFromPath derives a session id from a journal file's base
// name (minus its extension), the convention every agent in this design
// follows. Grounded on the teacher's monitor.SessionIDFromPath.
func SessionIDFromPath(path, ext string) string {
	base := filepath.Base(path)
	if len(base) > len(ext) && base[len(base)-len(ext):] == ext {
		return base[:len(base)-len(ext)]
	}
	return base
}
