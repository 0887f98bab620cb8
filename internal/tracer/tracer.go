// Package tracer wires the supervisor (C9) that owns the state store,
// sender, and poller, and drives the directory watch -> journal reader
// -> agent adapter -> repo matcher -> sender pipeline. Structurally
// grounded on the teacher's Monitor (internal/monitor/monitor.go): a
// single struct owning maps keyed by tracked path/session, a health
// tracker per upstream concern, and a config pointer swapped under a
// mutex on reload.
package tracer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/overlap-dev/tracer/internal/adapter"
	"github.com/overlap-dev/tracer/internal/config"
	"github.com/overlap-dev/tracer/internal/events"
	"github.com/overlap-dev/tracer/internal/health"
	"github.com/overlap-dev/tracer/internal/journal"
	"github.com/overlap-dev/tracer/internal/paths"
	"github.com/overlap-dev/tracer/internal/poller"
	"github.com/overlap-dev/tracer/internal/repomatch"
	"github.com/overlap-dev/tracer/internal/sender"
	"github.com/overlap-dev/tracer/internal/store"
	"github.com/overlap-dev/tracer/internal/symbol"
)

// State is one node of the supervisor's Stopped -> Starting -> Running
// -> Draining -> Stopped lifecycle (spec §4.8).
type State int

const (
	Stopped State = iota
	Starting
	Running
	Draining
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Draining:
		return "draining"
	default:
		return "stopped"
	}
}

const (
	stateFlushInterval   = 10 * time.Second
	defaultRosterRefresh = 5 * time.Minute
	reloadPollInterval   = 2 * time.Second // Windows reload-flag-file poll
	rosterFetchTimeout   = 5 * time.Second
)

// fileState is the supervisor's in-memory view of one tracked journal
// file, mirroring store.TrackedFile but carrying the volatile parts
// (accumulator, read head) that never touch disk directly.
type fileState struct {
	acc      *events.Accumulator
	readHead int64
}

// Supervisor owns every durable and volatile piece of the tracer
// pipeline for one daemon process.
type Supervisor struct {
	configPath   string
	overridePath string

	mu    sync.Mutex
	cfg   *config.Config
	state State

	store  *store.Store
	sender *sender.Sender
	poller *poller.Poller
	health *health.Tracker
	agent  adapter.Agent
	httpCl *http.Client

	filesMu sync.Mutex
	files   map[string]*fileState

	// senderMu guards the sender pointer itself (not just its internals),
	// since Reload swaps it out from the signal-handling goroutine while
	// run() reads it concurrently. poller is never reassigned after
	// Start, only mutated in place via SetTeams, which has its own lock.
	senderMu sync.RWMutex

	watcher   *fsnotify.Watcher
	done      chan struct{}
	stoppedCh chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Supervisor for the given config path. The local YAML
// override path is derived by replacing config.json's extension, per
// the ambient-stack's local-dev override convention.
func New(configPath string) *Supervisor {
	overridePath := strings.TrimSuffix(configPath, filepath.Ext(configPath)) + ".local.yaml"
	return &Supervisor{
		configPath:   configPath,
		overridePath: overridePath,
		agent:        adapter.NewClaudeAgent(),
		health:       health.New(),
		httpCl:       &http.Client{Timeout: rosterFetchTimeout},
		files:        make(map[string]*fileState),
		done:         make(chan struct{}),
		stoppedCh:    make(chan struct{}),
	}
}

// Stopped returns a channel that closes once Shutdown has fully
// completed: queues flushed, state persisted, pid file removed. A
// daemon entrypoint blocks on this rather than on Shutdown's caller
// goroutine, since signalLoop can trigger Shutdown on its own.
func (s *Supervisor) Stopped() <-chan struct{} {
	return s.stoppedCh
}

func (s *Supervisor) currentSender() *sender.Sender {
	s.senderMu.RLock()
	defer s.senderMu.RUnlock()
	return s.sender
}

func (s *Supervisor) setSender(sn *sender.Sender) {
	s.senderMu.Lock()
	defer s.senderMu.Unlock()
	s.sender = sn
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State reports the supervisor's current lifecycle node.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start loads persisted state and config, scans the journal root, and
// begins watching for new activity. It returns once the initial scan
// and watch are established; the processing loop continues in the
// background until Shutdown is called.
func (s *Supervisor) Start(ctx context.Context) error {
	s.setState(Starting)

	cfg, err := config.LoadWithLocalOverride(s.configPath, s.overridePath)
	if err != nil {
		return fmt.Errorf("tracer: loading config: %w", err)
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	st, err := store.Load()
	if err != nil {
		return fmt.Errorf("tracer: loading state: %w", err)
	}
	s.store = st

	s.setSender(sender.New(s.senderConfig(), s.onSent, s.onAuthFailure))
	s.poller = poller.New(s.onAuthFailure)
	s.poller.SetTeams(s.pollerTeams())

	pidPath, err := paths.In(paths.PIDFile)
	if err != nil {
		return err
	}
	if _, err := paths.EnsureStateDir(); err != nil {
		return err
	}
	if err := paths.WritePID(pidPath); err != nil {
		return fmt.Errorf("tracer: writing pid file: %w", err)
	}

	watchDir, err := s.agent.WatchDir()
	if err != nil {
		return fmt.Errorf("tracer: resolving watch dir: %w", err)
	}
	if err := os.MkdirAll(watchDir, 0o755); err != nil {
		return fmt.Errorf("tracer: ensuring watch dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tracer: creating watcher: %w", err)
	}
	s.watcher = watcher
	if err := s.watchRecursive(watchDir); err != nil {
		log.Printf("[tracer] recursive watch on %s incomplete: %v", watchDir, err)
	}

	s.setState(Running)

	s.scanExisting(watchDir)

	s.wg.Add(1)
	go s.run(ctx)

	s.wg.Add(1)
	go s.pollTeamStateLoop(ctx)

	s.wg.Add(1)
	go s.signalLoop()

	return nil
}

// run is the single serialized processing loop: every file mutation,
// roster refresh application, and state flush happens here, so none of
// TrackedFile/Accumulator/sender state is ever touched from two
// goroutines at once (spec §5's "funneled to a single serial executor").
func (s *Supervisor) run(ctx context.Context) {
	defer s.wg.Done()

	flushTicker := time.NewTicker(stateFlushInterval)
	defer flushTicker.Stop()

	rosterTicker := time.NewTicker(s.rosterInterval())
	defer rosterTicker.Stop()

	var reloadTicker *time.Ticker
	if runtime.GOOS == "windows" {
		reloadTicker = time.NewTicker(reloadPollInterval)
		defer reloadTicker.Stop()
	}

	var reloadCh <-chan time.Time
	if reloadTicker != nil {
		reloadCh = reloadTicker.C
	}

	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleWatchEvent(event)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[tracer] watcher error: %v", err)

		case <-flushTicker.C:
			s.flushState()

		case <-rosterTicker.C:
			s.refreshRosters(ctx)

		case <-reloadCh:
			s.checkReloadFlag()
		}
	}
}

func (s *Supervisor) handleWatchEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := s.watchRecursive(event.Name); err != nil {
				log.Printf("[tracer] watching new directory %s: %v", event.Name, err)
			}
			return
		}
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	if !strings.HasSuffix(event.Name, s.agent.FileExtension()) {
		return
	}
	s.processFile(event.Name)
}

// watchRecursive adds watches to dir and every existing subdirectory
// under it, grounded on tail-claude/watcher.go's pattern of watching
// both the tailed file and its parent directory for discovery of new
// session files -- generalized here to an arbitrary-depth project tree.
func (s *Supervisor) watchRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			_ = s.watcher.Add(path)
		}
		return nil
	})
}

func (s *Supervisor) scanExisting(root string) {
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, s.agent.FileExtension()) {
			return nil
		}
		s.processFile(path)
		return nil
	})
}

// processFile implements spec §4.8's per-file processing algorithm.
func (s *Supervisor) processFile(path string) {
	s.filesMu.Lock()
	fstate, known := s.files[path]
	s.filesMu.Unlock()

	tf, hadTracked := s.store.Get(path)

	if !known {
		if !hadTracked {
			cwd, ok := scanForCwd(path, s.agent.FileExtension())
			if !ok {
				// No cwd seen yet -- retry on the next event.
				return
			}
			matches := repomatch.Match(cwd, s.buildRosters(), s.store.GitCache())
			if len(matches) == 0 {
				// Not a tracked repo: skip this file entirely.
				return
			}
			tf = store.TrackedFile{Cwd: cwd, SessionID: s.agent.ExtractSessionID(path)}
			tf.MatchedTeams, tf.MatchedRepo, tf.SubDirRepos = routingFromMatches(matches)
			s.store.Put(path, tf)
		}
		fstate = &fileState{acc: events.NewAccumulator(), readHead: tf.ByteOffset}
		fstate.acc.TurnNumber = tf.TurnNumber
		for _, f := range tf.FilesTouched {
			fstate.acc.TouchFile(f)
		}
		// TrackedFile persists no emission flags, but a session that
		// already has turns behind it must already have had its primary
		// SessionStart emitted -- restore cwd and the flag so branch/model
		// backfills (at most once per field) stay possible after restart.
		if tf.TurnNumber > 0 {
			fstate.acc.Cwd = tf.Cwd
			fstate.acc.SessionStartEmitted = true
		}
		s.filesMu.Lock()
		s.files[path] = fstate
		s.filesMu.Unlock()
	}

	records, newOffset, err := journal.Read(path, fstate.readHead)
	if err != nil {
		if err == journal.ErrTruncated {
			s.health.RecordFailure("journal:truncate", err)
			s.filesMu.Lock()
			delete(s.files, path)
			s.filesMu.Unlock()
			s.store.Remove(path)
			return
		}
		s.health.RecordFailure("journal:read", err)
		return
	}
	s.health.RecordSuccess("journal:read")

	for _, rec := range records {
		evs, err := s.agent.ParseLine(rec.Line, tf.SessionID, fstate.acc)
		if err != nil {
			s.health.RecordFailure("parse:"+s.agent.AgentType(), err)
			continue
		}
		s.health.RecordSuccess("parse:" + s.agent.AgentType())
		s.routeAndEnqueue(path, tf, evs)
	}
	fstate.readHead = newOffset

	tf.TurnNumber = fstate.acc.TurnNumber
	tf.FilesTouched = fstate.acc.FilesTouchedList()
	s.store.Put(path, tf)
}

// routeAndEnqueue applies §4.4's parent-of-subrepos routing rule to each
// derived event and hands it to the sender for every matched team.
func (s *Supervisor) routeAndEnqueue(path string, tf store.TrackedFile, evs []events.Event) {
	for _, ev := range evs {
		repoName := tf.MatchedRepo
		filePath := ev.FilePath

		if ev.EventType == events.FileOp && ev.OldString != "" {
			s.enrichWithSymbol(&ev, filePath)
		}

		if len(tf.SubDirRepos) > 0 && ev.EventType == events.FileOp {
			sub, rel, ok := resolveSubdir(tf.Cwd, filePath, tf.SubDirRepos)
			if !ok {
				continue // file falls outside any registered subdir: drop
			}
			repoName = sub
			filePath = rel
			ev.SessionID = "S:" + sub
		} else if len(tf.SubDirRepos) > 0 {
			// Non-FileOp events from a parent-of-subrepos session carry
			// no single natural repo; route using the primary match.
		}

		ev.RepoName = repoName
		ev.FilePath = filePath

		teams := s.teamsForRepo(repoName, tf.MatchedTeams)
		for _, team := range teams {
			ev.UserID = team.UserID
			s.currentSender().Add(team.InstanceURL, team.UserToken, ev)
		}
	}
}

func (s *Supervisor) teamsForRepo(repoName string, matchedTeams []string) []config.TeamConfig {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if cfg == nil {
		return nil
	}
	allowed := make(map[string]struct{}, len(matchedTeams))
	for _, t := range matchedTeams {
		allowed[t] = struct{}{}
	}
	var out []config.TeamConfig
	for _, t := range cfg.Teams {
		if _, ok := allowed[t.InstanceURL]; ok {
			out = append(out, t)
		}
	}
	return out
}

// enrichWithSymbol implements §4.2's "downstream enrichment" note and
// the named C4 pipeline stage: when an Edit/MultiEdit's old_string is
// known, resolve the edited region's line span and enclosing symbol
// against the file on disk before the event is routed. Best-effort --
// an unreadable file or an anchor that no longer matches just leaves
// the event without line/symbol fields, per symbol.Resolve's fail-soft
// contract.
func (s *Supervisor) enrichWithSymbol(ev *events.Event, path string) {
	m, err := symbol.Resolve(path, ev.OldString)
	if err != nil || m == nil {
		return
	}
	start, end := m.StartLine, m.EndLine
	ev.StartLine = &start
	ev.EndLine = &end
	if m.HasEnclosing {
		ev.FunctionName = m.EnclosingName
	}
}

func resolveSubdir(cwd, filePath string, subDirRepos map[string]string) (repo, rel string, ok bool) {
	for sub, repoName := range subDirRepos {
		prefix := filepath.Join(cwd, sub) + string(filepath.Separator)
		if strings.HasPrefix(filePath, prefix) {
			return repoName, strings.TrimPrefix(filePath, prefix), true
		}
	}
	return "", "", false
}

func routingFromMatches(matches []repomatch.Target) (teams []string, primaryRepo string, subDirs map[string]string) {
	seen := make(map[string]struct{})
	for i, m := range matches {
		if _, ok := seen[m.TeamURL]; !ok {
			teams = append(teams, m.TeamURL)
			seen[m.TeamURL] = struct{}{}
		}
		if i == 0 {
			primaryRepo = m.RepoName
		}
		if m.SubDir != "" {
			if subDirs == nil {
				subDirs = make(map[string]string)
			}
			subDirs[m.SubDir] = m.RepoName
		}
	}
	return teams, primaryRepo, subDirs
}

func (s *Supervisor) buildRosters() []repomatch.TeamRoster {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if cfg == nil {
		return nil
	}
	lists := s.store.RepoLists()
	out := make([]repomatch.TeamRoster, 0, len(cfg.Teams))
	for _, t := range cfg.Teams {
		repoSet := make(map[string]struct{})
		if roster, ok := lists[t.InstanceURL]; ok {
			for _, r := range roster.Repos {
				repoSet[r] = struct{}{}
			}
		}
		out = append(out, repomatch.TeamRoster{TeamURL: t.InstanceURL, Repos: repoSet})
	}
	return out
}

// scanForCwd reads a journal file from the start looking for the first
// record carrying a non-empty cwd field, used to seed a brand-new
// TrackedFile before any record has been parsed through the adapter.
func scanForCwd(path, ext string) (string, bool) {
	_ = ext
	records, _, err := journal.Read(path, 0)
	if err != nil {
		return "", false
	}
	for _, rec := range records {
		var probe struct {
			Cwd string `json:"cwd"`
		}
		if err := json.Unmarshal(rec.Line, &probe); err != nil {
			continue
		}
		if probe.Cwd != "" {
			return probe.Cwd, true
		}
	}
	return "", false
}

func (s *Supervisor) flushState() {
	evicted := s.evictConfirmed()
	_ = evicted
	if err := s.store.Save(); err != nil {
		log.Printf("[tracer] state save failed: %v", err)
	}
}

// evictConfirmed advances byte_offset on disk to each file's in-memory
// read head only once the sender reports nothing pending for any of its
// matched teams, per §4.5/§4.8's durability invariant.
func (s *Supervisor) evictConfirmed() int {
	s.filesMu.Lock()
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	s.filesMu.Unlock()

	advanced := 0
	for _, path := range paths {
		tf, ok := s.store.Get(path)
		if !ok {
			continue
		}
		if !s.allTeamsDrained(tf.MatchedTeams) {
			continue
		}
		s.filesMu.Lock()
		fstate, ok := s.files[path]
		s.filesMu.Unlock()
		if !ok {
			continue
		}
		if tf.ByteOffset != fstate.readHead {
			tf.ByteOffset = fstate.readHead
			s.store.Put(path, tf)
			advanced++
		}
	}
	return advanced
}

func (s *Supervisor) allTeamsDrained(teams []string) bool {
	for _, team := range teams {
		if s.currentSender().Stats(team).QueueLength > 0 {
			return false
		}
	}
	return true
}

func (s *Supervisor) onSent(team string, processed int) {
	log.Printf("[sender] %s: acknowledged %d events", team, processed)
}

func (s *Supervisor) onAuthFailure(team string) {
	log.Printf("[tracer] %s: auth rejected, suspending team", team)
	s.currentSender().Suspend(team)
}

func (s *Supervisor) senderConfig() sender.Config {
	cfg := sender.DefaultConfig()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return cfg
	}
	if s.cfg.Tracer.BatchIntervalMS > 0 {
		cfg.BatchIntervalMS = s.cfg.Tracer.BatchIntervalMS
	}
	if s.cfg.Tracer.MaxBatchSize > 0 {
		cfg.MaxBatchSize = s.cfg.Tracer.MaxBatchSize
	}
	return cfg
}

func (s *Supervisor) pollerTeams() []poller.Team {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return nil
	}
	out := make([]poller.Team, 0, len(s.cfg.Teams))
	for _, t := range s.cfg.Teams {
		out = append(out, poller.Team{URL: t.InstanceURL, Token: t.UserToken})
	}
	return out
}

func (s *Supervisor) rosterInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil || s.cfg.Tracer.RepoSyncIntervalMS <= 0 {
		return defaultRosterRefresh
	}
	return time.Duration(s.cfg.Tracer.RepoSyncIntervalMS) * time.Millisecond
}

// refreshRosters fetches each team's repo list and diffs it against the
// cached roster, evicting TrackedFiles for removed repos and triggering
// a directory re-scan for newly added ones (spec §4.8's roster-diff
// rule).
func (s *Supervisor) refreshRosters(ctx context.Context) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if cfg == nil {
		return
	}

	before := reposByTeam(s.store.RepoLists())

	for _, team := range cfg.Teams {
		repos, err := s.fetchRepos(ctx, team)
		if err != nil {
			s.health.RecordFailure("roster:"+team.Name, err)
			continue
		}
		s.health.RecordSuccess("roster:" + team.Name)
		s.store.SetRepoList(team.InstanceURL, store.RepoRoster{Repos: repos, FetchedAt: time.Now()})
	}

	after := reposByTeam(s.store.RepoLists())
	added, removed := diffRepoSets(before, after)

	for _, repo := range removed {
		for path, tf := range s.store.All() {
			if tf.MatchedRepo == repo {
				s.store.Remove(path)
				s.filesMu.Lock()
				delete(s.files, path)
				s.filesMu.Unlock()
			}
		}
	}
	if len(added) > 0 {
		if dir, err := s.agent.WatchDir(); err == nil {
			s.scanExisting(dir)
		}
	}
}

func (s *Supervisor) fetchRepos(ctx context.Context, team config.TeamConfig) ([]string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, rosterFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, team.InstanceURL+"/api/v1/repos", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+team.UserToken)

	resp, err := s.httpCl.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		s.onAuthFailure(team.InstanceURL)
		return nil, fmt.Errorf("tracer: %s rejected the bearer token", team.InstanceURL)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tracer: %s repos returned %s", team.InstanceURL, resp.Status)
	}

	var parsed struct {
		Data struct {
			Repos []struct {
				Name string `json:"name"`
			} `json:"repos"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(parsed.Data.Repos))
	for _, r := range parsed.Data.Repos {
		out = append(out, r.Name)
	}
	return out, nil
}

func reposByTeam(lists map[string]store.RepoRoster) map[string]struct{} {
	out := make(map[string]struct{})
	for _, roster := range lists {
		for _, r := range roster.Repos {
			out[r] = struct{}{}
		}
	}
	return out
}

func diffRepoSets(before, after map[string]struct{}) (added, removed []string) {
	for r := range after {
		if _, ok := before[r]; !ok {
			added = append(added, r)
		}
	}
	for r := range before {
		if _, ok := after[r]; !ok {
			removed = append(removed, r)
		}
	}
	return added, removed
}

func (s *Supervisor) pollTeamStateLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(poller.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.poller.PollOnce(ctx); err != nil {
				log.Printf("[tracer] team-state poll failed: %v", err)
			}
		}
	}
}

// checkReloadFlag implements the Windows reload-flag-file poll that
// replaces SIGHUP (spec §4.8).
func (s *Supervisor) checkReloadFlag() {
	flagPath, err := paths.In(paths.ReloadFile)
	if err != nil {
		return
	}
	if _, err := os.Stat(flagPath); err != nil {
		return
	}
	os.Remove(flagPath)
	if err := s.Reload(); err != nil {
		log.Printf("[tracer] reload failed: %v", err)
	}
}

// signalLoop installs POSIX signal handlers: SIGHUP reloads, SIGTERM/
// SIGINT drain and exit. Windows has no SIGHUP; its reload trigger is
// the flag-file poll in run().
func (s *Supervisor) signalLoop() {
	defer s.wg.Done()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	reload := reloadSignal()
	if reload != nil {
		signal.Notify(sigCh, reload)
	}

	termRequests := 0
	for {
		select {
		case <-s.done:
			signal.Stop(sigCh)
			return
		case sig := <-sigCh:
			if reload != nil && sig == reload {
				if err := s.Reload(); err != nil {
					log.Printf("[tracer] reload failed: %v", err)
				}
				continue
			}
			termRequests++
			if termRequests > 1 {
				log.Printf("[tracer] second termination signal, exiting immediately")
				os.Exit(1)
			}
			go func() {
				if err := s.Shutdown(5 * time.Second); err != nil {
					log.Printf("[tracer] shutdown error: %v", err)
				}
			}()
		}
	}
}

// Reload re-reads config, refreshes rosters, and recreates the sender
// with new batch parameters. Current queues are replaced outright --
// acceptable because reload only happens after the user explicitly
// reconfigures (spec §4.8).
func (s *Supervisor) Reload() error {
	cfg, err := config.LoadWithLocalOverride(s.configPath, s.overridePath)
	if err != nil {
		return fmt.Errorf("tracer: reloading config: %w", err)
	}

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	for _, change := range config.Diff(old, cfg) {
		log.Printf("[tracer] reload: %s", change)
	}

	s.setSender(sender.New(s.senderConfig(), s.onSent, s.onAuthFailure))
	s.poller.SetTeams(s.pollerTeams())
	s.refreshRosters(context.Background())
	return nil
}

// Shutdown drains the sender, persists state, and removes the PID file.
// Idempotent: a second call after the first completes is a no-op.
func (s *Supervisor) Shutdown(drainTimeout time.Duration) error {
	if s.State() == Stopped {
		return nil
	}
	s.setState(Draining)

	select {
	case <-s.done:
	default:
		close(s.done)
	}

	if snd := s.currentSender(); snd != nil {
		if err := snd.FlushAll(drainTimeout); err != nil {
			log.Printf("[tracer] flush_all did not fully complete: %v", err)
		}
	}

	// Unconditional final commit: whatever was parsed in memory becomes
	// durable even if the sender didn't finish draining (best effort;
	// any events not yet acknowledged have already been logged above).
	s.filesMu.Lock()
	for path, fstate := range s.files {
		if tf, ok := s.store.Get(path); ok {
			tf.ByteOffset = fstate.readHead
			s.store.Put(path, tf)
		}
	}
	s.filesMu.Unlock()

	if s.store != nil {
		if err := s.store.Save(); err != nil {
			log.Printf("[tracer] final state save failed: %v", err)
		}
	}

	if s.watcher != nil {
		s.watcher.Close()
	}

	if pidPath, err := paths.In(paths.PIDFile); err == nil {
		if err := paths.RemovePIDIfOwned(pidPath); err != nil {
			log.Printf("[tracer] removing pid file: %v", err)
		}
	}

	s.wg.Wait()
	s.setState(Stopped)
	select {
	case <-s.stoppedCh:
	default:
		close(s.stoppedCh)
	}
	return nil
}
