// Package repomatch implements mapping a session's working directory to
// zero or more {team, repo, subdir?} routing targets.
//
// Git origin lookup is grounded on the teacher pack's
// kylesnowschwartz-tail-claude/git.go, which shells out to git with
// exec.Command and treats a non-zero exit as "don't know" rather than a
// hard failure -- the same fail-soft posture this package uses for a
// repo that isn't a git working tree at all.
package repomatch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// gitTimeout bounds the origin-url lookup, per spec §5's "execute the
// version-control's remote-query tool with a 5 s timeout".
const gitTimeout = 5 * time.Second

// originTailRe extracts the repo name from a git remote URL: the tail
// path segment with an optional .git suffix stripped.
var originTailRe = regexp.MustCompile(`[/:]([^/:]+?)(?:\.git)?$`)

// GitInfo is a memoized git-origin lookup result for one directory.
type GitInfo struct {
	Name      string `json:"name"`
	RemoteURL string `json:"remote_url"`
}

// Cache memoizes GitInfo by directory path so repeated matcher calls
// against the same cwd never re-shell out. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]GitInfo
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]GitInfo)}
}

// LoadCache seeds a cache from a persisted snapshot (state store C6).
func LoadCache(entries map[string]GitInfo) *Cache {
	if entries == nil {
		entries = make(map[string]GitInfo)
	}
	return &Cache{entries: entries}
}

// Snapshot returns a copy of the cache's entries for persistence.
func (c *Cache) Snapshot() map[string]GitInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]GitInfo, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

func (c *Cache) get(path string) (GitInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.entries[path]
	return info, ok
}

func (c *Cache) set(path string, info GitInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = info
}

// TeamRoster is one team's set of tracked repo names. Rosters are taken
// as an ordered slice (not a map keyed by URL) so that matching and
// tests get a stable, reproducible match order.
type TeamRoster struct {
	TeamURL string
	Repos   map[string]struct{}
}

// Target is one resolved routing target.
type Target struct {
	TeamURL  string
	RepoName string
	SubDir   string // empty unless this match came from a subdir scan
}

// Match implements spec §4.4's three-step resolution order, short-
// circuiting as soon as a step produces any match.
func Match(cwd string, rosters []TeamRoster, cache *Cache) []Target {
	if matches := matchByName(filepath.Base(cwd), "", rosters); len(matches) > 0 {
		return matches
	}

	if info, ok := originInfo(cwd, cache); ok {
		if matches := matchByName(info.Name, "", rosters); len(matches) > 0 {
			return matches
		}
	}

	return matchSubdirs(cwd, rosters, cache)
}

func matchByName(name, subdir string, rosters []TeamRoster) []Target {
	if name == "" {
		return nil
	}
	var out []Target
	for _, r := range rosters {
		if _, ok := r.Repos[name]; ok {
			out = append(out, Target{TeamURL: r.TeamURL, RepoName: name, SubDir: subdir})
		}
	}
	return out
}

func matchSubdirs(cwd string, rosters []TeamRoster, cache *Cache) []Target {
	entries, err := os.ReadDir(cwd)
	if err != nil {
		return nil
	}

	var out []Target
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		name := e.Name()
		sub := filepath.Join(cwd, name)

		if matches := matchByName(name, name, rosters); len(matches) > 0 {
			out = append(out, matches...)
			continue
		}
		if info, ok := originInfo(sub, cache); ok {
			out = append(out, matchByName(info.Name, name, rosters)...)
		}
	}
	return out
}

// originInfo resolves cwd's git origin remote name, memoized in cache.
// A directory that isn't a git working tree, or whose origin can't be
// read within gitTimeout, fails soft -- the matcher falls through to its
// next resolution step rather than erroring.
func originInfo(cwd string, cache *Cache) (GitInfo, bool) {
	if info, ok := cache.get(cwd); ok {
		return info, info.Name != ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "git", "-C", cwd, "remote", "get-url", "origin").Output()
	if err != nil {
		cache.set(cwd, GitInfo{})
		return GitInfo{}, false
	}

	url := strings.TrimSpace(string(out))
	name := ""
	if m := originTailRe.FindStringSubmatch(url); m != nil {
		name = m[1]
	}

	info := GitInfo{Name: name, RemoteURL: url}
	cache.set(cwd, info)
	return info, name != ""
}

// MigrateLegacyEntry accepts the cache.json open question (spec §9): an
// older format stored git_remotes values as bare strings (the remote URL
// alone, no name). New saves always use the object form.
func MigrateLegacyEntry(raw any) (GitInfo, error) {
	switch v := raw.(type) {
	case string:
		info := GitInfo{RemoteURL: v}
		if m := originTailRe.FindStringSubmatch(v); m != nil {
			info.Name = m[1]
		}
		return info, nil
	case map[string]any:
		info := GitInfo{}
		if name, ok := v["name"].(string); ok {
			info.Name = name
		}
		if url, ok := v["remote_url"].(string); ok {
			info.RemoteURL = url
		}
		return info, nil
	default:
		return GitInfo{}, fmt.Errorf("repomatch: unrecognized git_remotes cache entry type %T", raw)
	}
}
