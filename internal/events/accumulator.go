package events

// Accumulator is the volatile per-session parse state the agent adapter
// carries across journal records. Modeled on the teacher's trackedSession
// (internal/monitor/monitor.go) which likewise threads per-session
// mutable fields (fileOffset, lastDataTime, tokenSnapshots) through
// successive poll calls -- here threaded through successive parsed
// records instead of poll ticks.
type Accumulator struct {
	TurnNumber   int
	FilesTouched map[string]struct{}

	// Backfill bookkeeping: each of these fires its SessionStart at most
	// once per session (spec invariant).
	SessionStartEmitted bool
	BranchEmitted       bool
	ModelEmitted        bool

	// Last-seen values, used to detect "newly observed" fields that
	// trigger a backfill SessionStart.
	Cwd       string
	GitBranch string
	Model     string
}

// NewAccumulator returns a zero-valued accumulator ready for the first
// record of a session.
func NewAccumulator() *Accumulator {
	return &Accumulator{FilesTouched: make(map[string]struct{})}
}

// TouchFile records a file as touched by this session, for the
// SessionEnd files-touched summary.
func (a *Accumulator) TouchFile(path string) {
	if path == "" {
		return
	}
	a.FilesTouched[path] = struct{}{}
}

// FilesTouchedList returns the accumulated touched-files set as a slice,
// in no particular order (the caller sorts if a stable order matters).
func (a *Accumulator) FilesTouchedList() []string {
	out := make([]string, 0, len(a.FilesTouched))
	for f := range a.FilesTouched {
		out = append(out, f)
	}
	return out
}
