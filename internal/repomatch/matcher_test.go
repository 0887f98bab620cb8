package repomatch

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMatch_ByBasename(t *testing.T) {
	dir := t.TempDir()
	repoDir := filepath.Join(dir, "repo")
	if err := os.Mkdir(repoDir, 0o755); err != nil {
		t.Fatal(err)
	}

	rosters := []TeamRoster{
		{TeamURL: "https://t1", Repos: map[string]struct{}{"repo": {}}},
		{TeamURL: "https://t2", Repos: map[string]struct{}{"other": {}}},
	}

	matches := Match(repoDir, rosters, NewCache())
	if len(matches) != 1 || matches[0].TeamURL != "https://t1" || matches[0].RepoName != "repo" {
		t.Fatalf("expected one match against t1/repo, got %+v", matches)
	}
}

func TestMatch_SubdirsSkipDotPrefixed(t *testing.T) {
	dir := t.TempDir()
	mono := filepath.Join(dir, "mono")
	if err := os.MkdirAll(filepath.Join(mono, "a"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(mono, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}

	rosters := []TeamRoster{
		{TeamURL: "https://t1", Repos: map[string]struct{}{"a": {}}},
	}

	matches := Match(mono, rosters, NewCache())
	if len(matches) != 1 || matches[0].SubDir != "a" || matches[0].RepoName != "a" {
		t.Fatalf("expected one subdir match for a, got %+v", matches)
	}
}

func TestMatch_NoRosterHitReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	rosters := []TeamRoster{
		{TeamURL: "https://t1", Repos: map[string]struct{}{"unrelated": {}}},
	}
	matches := Match(dir, rosters, NewCache())
	if len(matches) != 0 {
		t.Fatalf("expected no matches, got %+v", matches)
	}
}

func TestMigrateLegacyEntry_BareString(t *testing.T) {
	info, err := MigrateLegacyEntry("git@github.com:acme/repo.git")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Name != "repo" {
		t.Fatalf("expected name 'repo', got %q", info.Name)
	}
}

func TestMigrateLegacyEntry_ObjectForm(t *testing.T) {
	info, err := MigrateLegacyEntry(map[string]any{"name": "repo", "remote_url": "https://github.com/acme/repo"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Name != "repo" || info.RemoteURL != "https://github.com/acme/repo" {
		t.Fatalf("unexpected info: %+v", info)
	}
}
