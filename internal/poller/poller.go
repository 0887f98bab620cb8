// Package poller implements the team-state poller (C8): every interval,
// fetch each configured team's active-session snapshot and merge them
// into a single local mirror file, written atomically so the overlap
// probe (a separate process) can read it without ever seeing a partial
// write. The poller keeps no suspension state: a team whose token was
// rejected stays in the poll list (and fires OnAuthFailure again on each
// poll) until SetTeams replaces the list.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/overlap-dev/tracer/internal/paths"
)

// Interval is the fixed poll cadence spec §4.7 names.
const Interval = 30 * time.Second

// StaleAfter is how old a mirror may be before consumers treat it as
// having no data.
const StaleAfter = 120 * time.Second

const requestTimeout = 5 * time.Second

// Region is one file region a teammate session is actively touching.
type Region struct {
	FilePath      string     `json:"file_path"`
	StartLine     *int       `json:"start_line,omitempty"`
	EndLine       *int       `json:"end_line,omitempty"`
	FunctionName  string     `json:"function_name,omitempty"`
	LastTouchedAt *time.Time `json:"last_touched_at,omitempty"`
}

// TeamStateSession is one active session reported by a team.
type TeamStateSession struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	RepoName    string    `json:"repo_name"`
	StartedAt   time.Time `json:"started_at"`
	Summary     string    `json:"summary,omitempty"`
	Regions     []Region  `json:"regions"`

	// InstanceURL tags which team this session came from; filled in by
	// the merge step if the team's own payload didn't set it.
	InstanceURL string `json:"instance_url,omitempty"`
}

// TeamSnapshot is one team's most recently successful team-state fetch,
// kept with its own timestamp so a team that goes unreachable doesn't
// drag down the freshness of every other team's data.
type TeamSnapshot struct {
	Sessions  []TeamStateSession `json:"sessions"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Fresh reports whether this team's snapshot is recent enough to trust.
func (t TeamSnapshot) Fresh(now time.Time) bool {
	return !t.UpdatedAt.IsZero() && now.Sub(t.UpdatedAt) <= StaleAfter
}

// Snapshot is the merged, persisted mirror: one TeamSnapshot per team
// URL. A team whose poll fails keeps its prior entry untouched rather
// than being dropped from the mirror.
type Snapshot struct {
	Teams map[string]TeamSnapshot `json:"teams"`
}

// Sessions returns every session across every team regardless of
// freshness, for callers that want the raw merged view.
func (s Snapshot) Sessions() []TeamStateSession {
	var out []TeamStateSession
	for _, t := range s.Teams {
		out = append(out, t.Sessions...)
	}
	return out
}

// FreshSessions returns sessions only from teams whose entry is still
// fresh, discarding a stale team's last-known data.
func (s Snapshot) FreshSessions(now time.Time) []TeamStateSession {
	var out []TeamStateSession
	for _, t := range s.Teams {
		if t.Fresh(now) {
			out = append(out, t.Sessions...)
		}
	}
	return out
}

// Fresh reports whether any team in the mirror is still fresh.
func (s Snapshot) Fresh(now time.Time) bool {
	for _, t := range s.Teams {
		if t.Fresh(now) {
			return true
		}
	}
	return false
}

// Team is one poll target.
type Team struct {
	URL   string
	Token string
}

// OnAuthFailure is invoked when a team's token is rejected during a poll.
type OnAuthFailure func(teamURL string)

// Poller periodically merges every team's team-state into one mirror.
type Poller struct {
	client        *http.Client
	onAuthFailure OnAuthFailure

	mu    sync.Mutex
	teams []Team
}

// New returns a Poller with no teams configured yet; call SetTeams
// before starting.
func New(onAuthFailure OnAuthFailure) *Poller {
	return &Poller{
		client:        &http.Client{Timeout: requestTimeout},
		onAuthFailure: onAuthFailure,
	}
}

// SetTeams replaces the poll target list, e.g. after a config reload.
func (p *Poller) SetTeams(teams []Team) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teams = teams
}

func (p *Poller) currentTeams() []Team {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Team, len(p.teams))
	copy(out, p.teams)
	return out
}

// PollOnce fetches every team's team-state and writes the merged result
// atomically to team-state.json. Per spec, a team transport error leaves
// the mirror untouched for that team: its entry from the prior snapshot
// is carried forward unchanged (and ages toward staleness on its own),
// rather than being erased or masked by a fresh global timestamp.
func (p *Poller) PollOnce(ctx context.Context) error {
	prev, err := ReadMirror()
	if err != nil {
		prev = Snapshot{}
	}

	teams := make(map[string]TeamSnapshot, len(prev.Teams))
	for url, snap := range prev.Teams {
		teams[url] = snap
	}

	for _, team := range p.currentTeams() {
		teamSessions, err := p.fetchTeamState(ctx, team)
		if err != nil {
			if err == errAuthRejected {
				if p.onAuthFailure != nil {
					p.onAuthFailure(team.URL)
				}
			} else {
				log.Printf("[poller] %s: %v", team.URL, err)
			}
			continue
		}
		teams[team.URL] = TeamSnapshot{Sessions: teamSessions, UpdatedAt: time.Now()}
	}

	return writeSnapshot(Snapshot{Teams: teams})
}

var errAuthRejected = fmt.Errorf("poller: team rejected the bearer token")

func (p *Poller) fetchTeamState(ctx context.Context, team Team) ([]TeamStateSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, team.URL+"/api/v1/team-state", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+team.Token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errAuthRejected
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var parsed struct {
		Data struct {
			Sessions []TeamStateSession `json:"sessions"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	for i := range parsed.Data.Sessions {
		if parsed.Data.Sessions[i].InstanceURL == "" {
			parsed.Data.Sessions[i].InstanceURL = team.URL
		}
	}
	return parsed.Data.Sessions, nil
}

func writeSnapshot(s Snapshot) error {
	path, err := paths.In(paths.TeamStateFile)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("poller: encoding snapshot: %w", err)
	}
	data = append(data, '\n')
	return paths.WriteAtomic(path, data, 0o644)
}

// ReadMirror loads the persisted mirror. A missing file is treated as an
// empty snapshot -- readers accept that "missing" means "no data".
func ReadMirror() (Snapshot, error) {
	path, err := paths.In(paths.TeamStateFile)
	if err != nil {
		return Snapshot{}, err
	}
	data, err := readFileOrEmpty(path)
	if err != nil {
		return Snapshot{}, nil
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, nil
	}
	return s, nil
}

func readFileOrEmpty(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return data, nil
}
