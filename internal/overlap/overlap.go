// Package overlap implements the overlap probe (C10): a synchronous
// decision function that tells a caller whether an intended edit
// collides with a region a teammate session is actively touching.
package overlap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/overlap-dev/tracer/internal/poller"
	"github.com/overlap-dev/tracer/internal/symbol"
)

// queryTimeout bounds each per-team overlap-query call (spec §5: "2 s
// overlap query").
const queryTimeout = 2 * time.Second

// Decision is the probe's verdict.
type Decision string

const (
	DecisionProceed Decision = "proceed"
	DecisionWarn    Decision = "warn"
	DecisionBlock   Decision = "block"
)

// Tier is overlap severity, ordered line > function > adjacent > file.
type Tier string

const (
	TierLine     Tier = "line"
	TierFunction Tier = "function"
	TierAdjacent Tier = "adjacent"
	TierFile     Tier = "file"
)

const adjacentLineGap = 30

// Overlap is one detected collision with a teammate's active region.
type Overlap struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	RepoName    string `json:"repo_name"`
	FilePath    string `json:"file_path"`
	Tier        Tier   `json:"tier"`
}

// Team is one configured remote to query.
type Team struct {
	InstanceURL string
	Token       string
}

// Request is one probe invocation's input.
type Request struct {
	Cwd       string
	FilePath  string
	OldString string
	// RepoOverride lets the caller supply --repo when cwd isn't a git
	// working tree.
	RepoOverride string
}

// Result is the probe's full output, shaped for all three output modes.
type Result struct {
	Decision     Decision  `json:"decision"`
	Overlaps     []Overlap `json:"overlaps"`
	TeamSessions int       `json:"team_sessions,omitempty"`
	GitHost      string    `json:"git_host,omitempty"`
	Guidance     string    `json:"guidance,omitempty"`
	Warning      string    `json:"warning,omitempty"`
}

// Probe answers overlap queries against a configured team set.
type Probe struct {
	Teams   []Team
	UserIDs map[string]struct{}
	client  *http.Client
}

// New returns a Probe ready to run.
func New(teams []Team, userIDs map[string]struct{}) *Probe {
	return &Probe{
		Teams:   teams,
		UserIDs: userIDs,
		client:  &http.Client{Timeout: queryTimeout},
	}
}

// Run implements spec §4.9's full algorithm.
func (p *Probe) Run(ctx context.Context, req Request) Result {
	var gitInfo *GitInfo
	if req.RepoOverride != "" {
		gitInfo = &GitInfo{RepoName: req.RepoOverride, Host: "none", GitRoot: req.Cwd}
	} else {
		info, ok := ResolveGitInfo(req.Cwd)
		if !ok {
			return Result{Decision: DecisionProceed}
		}
		gitInfo = info
	}

	relPath, ok := relativize(gitInfo.GitRoot, req.FilePath)
	if !ok {
		return Result{Decision: DecisionProceed}
	}

	var startLine, endLine *int
	var functionName string
	if req.OldString != "" {
		if m, err := symbol.Resolve(req.FilePath, req.OldString); err == nil && m != nil {
			startLine = &m.StartLine
			endLine = &m.EndLine
			if m.HasEnclosing {
				functionName = m.EnclosingName
			}
		}
	}

	if res, ok := p.queryTeams(ctx, gitInfo, relPath, startLine, endLine, functionName); ok {
		res.GitHost = gitInfo.Host
		return res
	}

	res := p.localFallback(gitInfo.RepoName, relPath, startLine, endLine, functionName)
	res.GitHost = gitInfo.Host
	return res
}

type overlapQueryRequest struct {
	RepoName     string `json:"repo_name"`
	FilePath     string `json:"file_path"`
	SessionID    string `json:"session_id"`
	StartLine    *int   `json:"start_line,omitempty"`
	EndLine      *int   `json:"end_line,omitempty"`
	FunctionName string `json:"function_name,omitempty"`
}

type overlapQueryResponse struct {
	Data struct {
		Decision string    `json:"decision"`
		Overlaps []Overlap `json:"overlaps"`
		Guidance string    `json:"guidance"`
	} `json:"data"`
}

// queryTeams fans out §4.9 step 4's per-team query in parallel. Returns
// ok=false if every team was unreachable, signaling the caller to fall
// back to the local mirror.
func (p *Probe) queryTeams(ctx context.Context, gitInfo *GitInfo, filePath string, startLine, endLine *int, functionName string) (Result, bool) {
	if len(p.Teams) == 0 {
		return Result{}, false
	}

	var mu sync.Mutex
	var merged []Overlap
	guidance := ""
	anyOK := false

	g, gctx := errgroup.WithContext(ctx)
	for _, team := range p.Teams {
		team := team
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(gctx, queryTimeout)
			defer cancel()

			resp, err := p.queryOne(qctx, team, gitInfo.RepoName, filePath, startLine, endLine, functionName)
			if err != nil {
				return nil // best-effort: one team's failure doesn't fail the group
			}

			mu.Lock()
			defer mu.Unlock()
			anyOK = true
			merged = append(merged, resp.Data.Overlaps...)
			if resp.Data.Guidance != "" {
				guidance = resp.Data.Guidance
			}
			return nil
		})
	}
	_ = g.Wait()

	if !anyOK {
		return Result{}, false
	}

	merged = excludeSelf(merged, p.UserIDs)

	return Result{
		Decision: classify(merged),
		Overlaps: merged,
		Guidance: guidance,
	}, true
}

func (p *Probe) queryOne(ctx context.Context, team Team, repoName, filePath string, startLine, endLine *int, functionName string) (*overlapQueryResponse, error) {
	body, err := json.Marshal(overlapQueryRequest{
		RepoName:     repoName,
		FilePath:     filePath,
		StartLine:    startLine,
		EndLine:      endLine,
		FunctionName: functionName,
	})
	if err != nil {
		return nil, fmt.Errorf("overlap: encoding query: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, team.InstanceURL+"/api/v1/overlap-query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("overlap: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+team.Token)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("overlap: query to %s: %w", team.InstanceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("overlap: %s returned %s", team.InstanceURL, resp.Status)
	}

	var parsed overlapQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("overlap: decoding response from %s: %w", team.InstanceURL, err)
	}
	return &parsed, nil
}

// localFallback implements §4.9 step 5 against the team-state poller's
// local mirror.
func (p *Probe) localFallback(repoName, filePath string, startLine, endLine *int, functionName string) Result {
	snap, err := poller.ReadMirror()
	if err != nil {
		return Result{Decision: DecisionProceed}
	}
	sessions := snap.FreshSessions(time.Now())
	if len(sessions) == 0 {
		return Result{Decision: DecisionProceed}
	}

	var found []Overlap
	for _, sess := range sessions {
		if sess.RepoName != repoName {
			continue
		}
		if _, excluded := p.UserIDs[sess.UserID]; excluded {
			continue
		}
		for _, region := range sess.Regions {
			if region.FilePath != filePath {
				continue
			}
			tier, ok := classifyRegion(region, startLine, endLine, functionName)
			if !ok {
				continue
			}
			found = append(found, Overlap{
				SessionID:   sess.SessionID,
				UserID:      sess.UserID,
				DisplayName: sess.DisplayName,
				RepoName:    sess.RepoName,
				FilePath:    filePath,
				Tier:        tier,
			})
		}
	}

	return Result{Decision: classify(found), Overlaps: found, TeamSessions: len(sessions)}
}

// classifyRegion implements §4.9 step 5's tier rules for one candidate
// region against the target span.
func classifyRegion(region poller.Region, startLine, endLine *int, functionName string) (Tier, bool) {
	if region.StartLine != nil && region.EndLine != nil && startLine != nil && endLine != nil {
		if *startLine <= *region.EndLine && *endLine >= *region.StartLine {
			return TierLine, true
		}
		gap := lineGap(*startLine, *endLine, *region.StartLine, *region.EndLine)
		if gap <= adjacentLineGap {
			return TierAdjacent, true
		}
	}
	if functionName != "" && region.FunctionName != "" && functionName == region.FunctionName {
		return TierFunction, true
	}
	// Same file, no finer signal -- but only surface this if we had no
	// numeric-line basis to compare at all, matching the "file: same
	// file, no finer signal" fallback rule.
	if startLine == nil || region.StartLine == nil {
		return TierFile, true
	}
	return "", false
}

func lineGap(aStart, aEnd, bStart, bEnd int) int {
	if aEnd < bStart {
		return bStart - aEnd
	}
	if bEnd < aStart {
		return aStart - bEnd
	}
	return 0
}

// classify derives the overall decision from a set of overlaps: block if
// any is line/function tier, warn if any overlap at all, else proceed.
func classify(overlaps []Overlap) Decision {
	if len(overlaps) == 0 {
		return DecisionProceed
	}
	for _, o := range overlaps {
		if o.Tier == TierLine || o.Tier == TierFunction {
			return DecisionBlock
		}
	}
	return DecisionWarn
}

func excludeSelf(overlaps []Overlap, userIDs map[string]struct{}) []Overlap {
	if len(userIDs) == 0 {
		return overlaps
	}
	out := overlaps[:0]
	for _, o := range overlaps {
		if _, excluded := userIDs[o.UserID]; excluded {
			continue
		}
		out = append(out, o)
	}
	return out
}

// relativize normalizes filePath to be relative to gitRoot; returns
// ok=false if it escapes the root (spec §4.9 step 2, §8 boundary case).
func relativize(gitRoot, filePath string) (string, bool) {
	abs := filePath
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(gitRoot, filePath)
	}
	rel, err := filepath.Rel(gitRoot, abs)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}
