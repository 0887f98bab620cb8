package tracer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/overlap-dev/tracer/internal/adapter"
	"github.com/overlap-dev/tracer/internal/events"
	"github.com/overlap-dev/tracer/internal/health"
	"github.com/overlap-dev/tracer/internal/store"
)

func writeConfig(t *testing.T, path string, teams []map[string]string) {
	t.Helper()
	cfg := map[string]any{
		"teams":  teams,
		"tracer": map[string]any{"batch_interval_ms": 50, "max_batch_size": 10},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func fakeIngestServer(t *testing.T, received *[][]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		*received = append(*received, body)
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"processed": 1},
		})
	}))
}

func TestSupervisor_StartProcessesExistingJournalAndShutsDownCleanly(t *testing.T) {
	stateDir := t.TempDir()
	t.Setenv("OVERLAP_STATE_DIR", stateDir)

	home := t.TempDir()
	t.Setenv("HOME", home)

	var received [][]byte
	srv := fakeIngestServer(t, &received)
	defer srv.Close()

	configPath := filepath.Join(stateDir, "config.json")
	writeConfig(t, configPath, []map[string]string{
		{"name": "acme", "instance_url": srv.URL, "user_token": "tok", "user_id": "u1"},
	})

	watchDir := filepath.Join(home, ".claude", "projects")
	projectDir := filepath.Join(watchDir, "-w-repo")
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	// The repo dir shares its basename with a roster entry, so
	// repomatch's first (basename) step matches without shelling out
	// to git or scanning subdirectories.
	repoDir := filepath.Join(home, "repo")
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		t.Fatalf("mkdir repo: %v", err)
	}

	sessionLine := map[string]any{
		"type":      "user",
		"sessionId": "sess-1",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"cwd":       repoDir,
		"message":   map[string]any{"role": "user", "content": "hello"},
	}
	line, err := json.Marshal(sessionLine)
	if err != nil {
		t.Fatalf("marshal line: %v", err)
	}
	journalPath := filepath.Join(projectDir, "sess-1.jsonl")
	if err := os.WriteFile(journalPath, append(line, '\n'), 0o644); err != nil {
		t.Fatalf("write journal: %v", err)
	}

	cacheFile := map[string]any{
		"repo_lists": map[string]any{
			srv.URL: map[string]any{
				"repos":      []string{"repo"},
				"fetched_at": time.Now().UTC().Format(time.RFC3339),
			},
		},
	}
	cacheData, err := json.Marshal(cacheFile)
	if err != nil {
		t.Fatalf("marshal cache: %v", err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, "cache.json"), cacheData, 0o644); err != nil {
		t.Fatalf("write cache: %v", err)
	}

	sup := New(configPath)
	ctx := context.Background()

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(received) == 0 && time.Now().Before(deadline) {
		time.Sleep(25 * time.Millisecond)
	}
	if len(received) == 0 {
		t.Fatalf("expected the existing journal's prompt event to reach the fake team instance")
	}

	if err := sup.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := sup.State(); got != Stopped {
		t.Fatalf("expected Stopped after Shutdown, got %s", got)
	}

	// A second Shutdown call must be a harmless no-op.
	if err := sup.Shutdown(time.Second); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestSupervisor_StateString(t *testing.T) {
	cases := map[State]string{
		Stopped:  "stopped",
		Starting: "starting",
		Running:  "running",
		Draining: "draining",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestResolveSubdir_MatchesRegisteredPrefix(t *testing.T) {
	cwd := filepath.FromSlash("/w/mono")
	subDirRepos := map[string]string{"a": "repo-a", "b": "repo-b"}

	repo, rel, ok := resolveSubdir(cwd, filepath.Join(cwd, "a", "x.ts"), subDirRepos)
	if !ok {
		t.Fatalf("expected a match")
	}
	if repo != "repo-a" || rel != "x.ts" {
		t.Fatalf("got repo=%q rel=%q", repo, rel)
	}
}

func TestResolveSubdir_UnregisteredPrefixIsDropped(t *testing.T) {
	cwd := filepath.FromSlash("/w/mono")
	subDirRepos := map[string]string{"a": "repo-a"}

	_, _, ok := resolveSubdir(cwd, filepath.Join(cwd, "c", "y.ts"), subDirRepos)
	if ok {
		t.Fatalf("expected no match for an unregistered subdir")
	}
}

func TestDiffRepoSets_ReportsAddedAndRemoved(t *testing.T) {
	before := map[string]struct{}{"a": {}, "b": {}}
	after := map[string]struct{}{"b": {}, "c": {}}

	added, removed := diffRepoSets(before, after)
	if len(added) != 1 || added[0] != "c" {
		t.Fatalf("expected added=[c], got %v", added)
	}
	if len(removed) != 1 || removed[0] != "a" {
		t.Fatalf("expected removed=[a], got %v", removed)
	}
}

func TestScanForCwd_FindsFirstNonEmptyCwd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess.jsonl")

	lines := []map[string]any{
		{"type": "system"},
		{"type": "user", "cwd": "/w/repo"},
	}
	var data []byte
	for _, l := range lines {
		b, _ := json.Marshal(l)
		data = append(data, b...)
		data = append(data, '\n')
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cwd, ok := scanForCwd(path, ".jsonl")
	if !ok || cwd != "/w/repo" {
		t.Fatalf("got cwd=%q ok=%v", cwd, ok)
	}
}

func TestEnrichWithSymbol_PopulatesLineSpanAndFunctionName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.go")
	src := "package demo\n\nfunc Greet(name string) string {\n\treturn \"hi \" + name\n}\n"
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	s := &Supervisor{}
	ev := events.Event{EventType: events.FileOp, OldString: `return "hi " + name`}
	s.enrichWithSymbol(&ev, path)

	if ev.StartLine == nil || *ev.StartLine != 4 {
		t.Fatalf("expected start line 4, got %+v", ev.StartLine)
	}
	if ev.FunctionName != "Greet" {
		t.Fatalf("expected enclosing func Greet, got %q", ev.FunctionName)
	}
}

func TestEnrichWithSymbol_MissingAnchorLeavesEventUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.go")
	if err := os.WriteFile(path, []byte("package demo\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	s := &Supervisor{}
	ev := events.Event{EventType: events.FileOp, OldString: "nonexistent"}
	s.enrichWithSymbol(&ev, path)

	if ev.StartLine != nil || ev.EndLine != nil || ev.FunctionName != "" {
		t.Fatalf("expected no enrichment for a missing anchor, got %+v", ev)
	}
}

func TestProcessFile_RestartRestoresCwdAndSessionStartEmitted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess.jsonl")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	st := store.New()
	tf := store.TrackedFile{
		Cwd:          "/w/repo",
		SessionID:    "sess-1",
		MatchedTeams: []string{"https://team"},
		MatchedRepo:  "repo",
		TurnNumber:   3,
	}
	st.Put(path, tf)

	s := &Supervisor{
		store:  st,
		files:  make(map[string]*fileState),
		health: health.New(),
		agent:  adapter.NewClaudeAgent(),
	}
	s.processFile(path)

	s.filesMu.Lock()
	fstate, ok := s.files[path]
	s.filesMu.Unlock()
	if !ok {
		t.Fatal("expected processFile to register file state")
	}
	if fstate.acc.Cwd != "/w/repo" {
		t.Fatalf("expected restored cwd, got %q", fstate.acc.Cwd)
	}
	if !fstate.acc.SessionStartEmitted {
		t.Fatal("expected SessionStartEmitted restored for a session with prior turns")
	}
}

func TestScanForCwd_NoCwdYetReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess.jsonl")
	if err := os.WriteFile(path, []byte(`{"type":"system"}`+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, ok := scanForCwd(path, ".jsonl")
	if ok {
		t.Fatalf("expected no cwd found")
	}
}
