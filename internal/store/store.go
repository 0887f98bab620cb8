// Package store persists the durable state the tracer supervisor needs
// across restarts: the per-journal-file TrackedFile table and the
// memoized git-origin cache. Both are written via paths.WriteAtomic,
// never mutated in place, per spec §9's "atomic persistence" design
// note and the teacher's own temp-file-then-rename convention.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/overlap-dev/tracer/internal/paths"
	"github.com/overlap-dev/tracer/internal/repomatch"
)

// TrackedFile is the durable record of one journal file's parse and
// routing state.
type TrackedFile struct {
	ByteOffset   int64             `json:"byte_offset"`
	SessionID    string            `json:"session_id"`
	MatchedTeams []string          `json:"matched_teams"`
	MatchedRepo  string            `json:"matched_repo"`
	SubDirRepos  map[string]string `json:"sub_dir_repos,omitempty"`
	TurnNumber   int               `json:"turn_number"`
	FilesTouched []string          `json:"files_touched,omitempty"`
	Cwd          string            `json:"cwd"`
}

// RepoRoster is one team's cached list of tracked repo names.
type RepoRoster struct {
	Repos     []string  `json:"repos"`
	FetchedAt time.Time `json:"fetched_at"`
}

// state is the on-disk shape of state.json.
type state struct {
	TrackedFiles map[string]TrackedFile `json:"tracked_files"`
}

// cacheFile is the on-disk shape of cache.json. GitRemotes entries are
// decoded lazily (json.RawMessage) because the legacy format stores a
// bare string where the current format stores an object -- see
// repomatch.MigrateLegacyEntry.
type cacheFile struct {
	RepoLists  map[string]RepoRoster      `json:"repo_lists"`
	GitRemotes map[string]json.RawMessage `json:"git_remotes"`
}

// Store owns state.json and cache.json for the lifetime of one
// supervisor process. The supervisor is the sole writer; nothing else
// in this module holds a Store.
type Store struct {
	mu sync.Mutex

	trackedFiles map[string]TrackedFile
	repoLists    map[string]RepoRoster
	gitCache     *repomatch.Cache
}

// New returns an empty store, e.g. for first-run or when loading failed.
func New() *Store {
	return &Store{
		trackedFiles: make(map[string]TrackedFile),
		repoLists:    make(map[string]RepoRoster),
		gitCache:     repomatch.NewCache(),
	}
}

// Load reads state.json and cache.json from the scoped state directory.
// A missing or corrupt file is treated as empty, per spec §7's "State
// corruption" policy -- it does not overwrite anything until the next
// successful Save.
func Load() (*Store, error) {
	s := New()

	statePath, err := paths.In(paths.StateFile)
	if err != nil {
		return nil, err
	}
	var st state
	if ok := readJSONOrEmpty(statePath, &st); ok && st.TrackedFiles != nil {
		s.trackedFiles = st.TrackedFiles
	}

	cachePath, err := paths.In(paths.CacheFile)
	if err != nil {
		return nil, err
	}
	var cf cacheFile
	if ok := readJSONOrEmpty(cachePath, &cf); ok {
		if cf.RepoLists != nil {
			s.repoLists = cf.RepoLists
		}
		entries := make(map[string]repomatch.GitInfo, len(cf.GitRemotes))
		for cwd, raw := range cf.GitRemotes {
			var anyVal any
			if err := json.Unmarshal(raw, &anyVal); err != nil {
				continue
			}
			info, err := repomatch.MigrateLegacyEntry(anyVal)
			if err != nil {
				continue
			}
			entries[cwd] = info
		}
		s.gitCache = repomatch.LoadCache(entries)
	}

	return s, nil
}

func readJSONOrEmpty(path string, dst any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false
	}
	return true
}

// Save writes both files atomically. Called on the supervisor's ~10s
// flush timer and once more, unconditionally, on shutdown.
func (s *Store) Save() error {
	s.mu.Lock()
	st := state{TrackedFiles: copyTrackedFiles(s.trackedFiles)}
	cf := cacheFile{RepoLists: copyRepoLists(s.repoLists)}
	gitEntries := s.gitCache.Snapshot()
	s.mu.Unlock()

	cf.GitRemotes = make(map[string]json.RawMessage, len(gitEntries))
	for cwd, info := range gitEntries {
		raw, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("store: marshaling git cache entry for %s: %w", cwd, err)
		}
		cf.GitRemotes[cwd] = raw
	}

	statePath, err := paths.In(paths.StateFile)
	if err != nil {
		return err
	}
	if err := writeJSONAtomic(statePath, st); err != nil {
		return fmt.Errorf("store: saving state.json: %w", err)
	}

	cachePath, err := paths.In(paths.CacheFile)
	if err != nil {
		return err
	}
	if err := writeJSONAtomic(cachePath, cf); err != nil {
		return fmt.Errorf("store: saving cache.json: %w", err)
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return paths.WriteAtomic(path, data, 0o644)
}

// Get returns the TrackedFile for path, if one exists.
func (s *Store) Get(path string) (TrackedFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tf, ok := s.trackedFiles[path]
	return tf, ok
}

// Put creates or replaces the TrackedFile for path.
func (s *Store) Put(path string, tf TrackedFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackedFiles[path] = tf
}

// Remove evicts path's TrackedFile, e.g. after a roster diff removes its
// matched repo.
func (s *Store) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trackedFiles, path)
}

// All returns a snapshot of every tracked path, for directory re-scans
// and roster-diff eviction.
func (s *Store) All() map[string]TrackedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyTrackedFiles(s.trackedFiles)
}

// GitCache returns the memoized git-origin cache shared with the repo
// matcher.
func (s *Store) GitCache() *repomatch.Cache {
	return s.gitCache
}

// RepoLists returns the cached per-team repo rosters.
func (s *Store) RepoLists() map[string]RepoRoster {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRepoLists(s.repoLists)
}

// SetRepoList replaces one team's cached roster, e.g. after a refresh.
func (s *Store) SetRepoList(teamURL string, roster RepoRoster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repoLists[teamURL] = roster
}

func copyTrackedFiles(m map[string]TrackedFile) map[string]TrackedFile {
	out := make(map[string]TrackedFile, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyRepoLists(m map[string]RepoRoster) map[string]RepoRoster {
	out := make(map[string]RepoRoster, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
