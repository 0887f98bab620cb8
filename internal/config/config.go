// Package config loads the daemon's config.json (the canonical format
// per the external-interfaces section of the specification) and layers
// an optional local YAML override on top, adapted from the teacher's
// internal/config (config.go: Load/LoadOrDefault/defaultConfig/Diff) but
// rebased onto JSON as the primary format since that's what this
// system's persisted layout requires.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/overlap-dev/tracer/internal/paths"
)

// TeamConfig is one remote team instance this daemon reports events to.
type TeamConfig struct {
	Name        string `json:"name" yaml:"name"`
	InstanceURL string `json:"instance_url" yaml:"instance_url"`
	UserToken   string `json:"user_token" yaml:"user_token"`
	UserID      string `json:"user_id" yaml:"user_id"`
}

// TracerConfig holds the sender/poller tunables.
type TracerConfig struct {
	BatchIntervalMS    int `json:"batch_interval_ms" yaml:"batch_interval_ms"`
	MaxBatchSize       int `json:"max_batch_size" yaml:"max_batch_size"`
	RepoSyncIntervalMS int `json:"repo_sync_interval_ms" yaml:"repo_sync_interval_ms"`
}

// Config is the full config.json shape.
type Config struct {
	Teams  []TeamConfig `json:"teams" yaml:"teams"`
	Tracer TracerConfig `json:"tracer" yaml:"tracer"`
}

const (
	// ServerMaxBatchSize is the clamp spec §4.6 requires: max_batch_size
	// is clamped to a server maximum of 100.
	ServerMaxBatchSize        = 100
	defaultBatchIntervalMS    = 2000
	defaultMaxBatchSize       = 50
	defaultRepoSyncIntervalMS = 5 * 60 * 1000
)

func defaultConfig() *Config {
	return &Config{
		Tracer: TracerConfig{
			BatchIntervalMS:    defaultBatchIntervalMS,
			MaxBatchSize:       defaultMaxBatchSize,
			RepoSyncIntervalMS: defaultRepoSyncIntervalMS,
		},
	}
}

// Load reads and parses path as JSON, overlaying it on the defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	normalize(cfg)
	return cfg, nil
}

// LoadOrDefault loads path, or returns the default config if it doesn't
// exist yet (first run).
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	return Load(path)
}

// LoadWithLocalOverride loads the canonical JSON config, then layers a
// local YAML override file on top if present -- a local-dev convenience
// (e.g. pointing at a staging team instance) that never changes the
// canonical on-disk format.
func LoadWithLocalOverride(path, overridePath string) (*Config, error) {
	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(overridePath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: reading local override %s: %w", overridePath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing local override %s: %w", overridePath, err)
	}

	normalize(cfg)
	return cfg, nil
}

// DefaultConfigPath returns config.json's path under the per-user state
// directory, ported from the teacher's DefaultConfigPath but rebased
// onto paths.StateDir since this daemon keeps config alongside its
// other persisted state rather than under XDG's config dir.
func DefaultConfigPath() (string, error) {
	return paths.In(paths.ConfigFile)
}

// normalize enforces the invariants spec §3 and §4.6 require: canonical
// instance URLs (no trailing slash) and a batch size clamped to the
// server maximum.
func normalize(cfg *Config) {
	for i := range cfg.Teams {
		cfg.Teams[i].InstanceURL = strings.TrimRight(cfg.Teams[i].InstanceURL, "/")
	}
	if cfg.Tracer.MaxBatchSize <= 0 {
		cfg.Tracer.MaxBatchSize = defaultMaxBatchSize
	} else if cfg.Tracer.MaxBatchSize > ServerMaxBatchSize {
		cfg.Tracer.MaxBatchSize = ServerMaxBatchSize
	}
}

// Diff reports human-readable descriptions of what changed between two
// configs, for reload logging (spec §4.8's reload behavior). Ported from
// the teacher's config.Diff, narrowed to this config's own fields.
func Diff(old, updated *Config) []string {
	var changes []string

	oldTeams := make(map[string]TeamConfig, len(old.Teams))
	for _, t := range old.Teams {
		oldTeams[t.InstanceURL] = t
	}
	newTeams := make(map[string]TeamConfig, len(updated.Teams))
	for _, t := range updated.Teams {
		newTeams[t.InstanceURL] = t
	}

	for url, t := range newTeams {
		if _, ok := oldTeams[url]; !ok {
			changes = append(changes, fmt.Sprintf("teams: added %s (%s)", t.Name, url))
		}
	}
	for url, t := range oldTeams {
		if _, ok := newTeams[url]; !ok {
			changes = append(changes, fmt.Sprintf("teams: removed %s (%s)", t.Name, url))
		}
	}

	if old.Tracer.BatchIntervalMS != updated.Tracer.BatchIntervalMS {
		changes = append(changes, fmt.Sprintf("tracer.batch_interval_ms: %d -> %d", old.Tracer.BatchIntervalMS, updated.Tracer.BatchIntervalMS))
	}
	if old.Tracer.MaxBatchSize != updated.Tracer.MaxBatchSize {
		changes = append(changes, fmt.Sprintf("tracer.max_batch_size: %d -> %d", old.Tracer.MaxBatchSize, updated.Tracer.MaxBatchSize))
	}
	if old.Tracer.RepoSyncIntervalMS != updated.Tracer.RepoSyncIntervalMS {
		changes = append(changes, fmt.Sprintf("tracer.repo_sync_interval_ms: %d -> %d", old.Tracer.RepoSyncIntervalMS, updated.Tracer.RepoSyncIntervalMS))
	}

	return changes
}

// UserIDs returns the set of configured user ids, used by the overlap
// probe's self-exclusion rule (spec §4.9/§8).
func (c *Config) UserIDs() map[string]struct{} {
	out := make(map[string]struct{}, len(c.Teams))
	for _, t := range c.Teams {
		if t.UserID != "" {
			out[t.UserID] = struct{}{}
		}
	}
	return out
}
