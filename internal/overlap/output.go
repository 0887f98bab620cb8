package overlap

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/overlap-dev/tracer/internal/theme"
)

// hookOutput is the editor-hook JSON shape: a deny decision sets
// hookSpecificOutput.permissionDecision so the calling editor can block
// the tool call in-process.
type hookOutput struct {
	HookSpecificOutput hookSpecificOutput `json:"hookSpecificOutput"`
}

type hookSpecificOutput struct {
	PermissionDecision string `json:"permissionDecision,omitempty"`
	AdditionalContext  string `json:"additionalContext,omitempty"`
}

// WriteHook renders hook mode: JSON with permissionDecision=deny on
// block, always carrying a human-readable additionalContext.
func WriteHook(w io.Writer, res Result) error {
	out := hookOutput{
		HookSpecificOutput: hookSpecificOutput{
			AdditionalContext: humanSummary(res),
		},
	}
	if res.Decision == DecisionBlock {
		out.HookSpecificOutput.PermissionDecision = "deny"
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// WriteMachine renders machine mode: bare JSON over the Result.
func WriteMachine(w io.Writer, res Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// WriteHuman renders human mode: a colored decision line plus an
// overlap table, using the probe's theme palette.
func WriteHuman(w io.Writer, res Result) error {
	headline := theme.DecisionStyle(string(res.Decision)).Render(fmt.Sprintf("overlap: %s", res.Decision))
	fmt.Fprintln(w, headline)

	if res.GitHost != "" && res.GitHost != "none" {
		fmt.Fprintln(w, theme.DimStyle.Render(fmt.Sprintf("host: %s", res.GitHost)))
	}

	if len(res.Overlaps) == 0 {
		fmt.Fprintln(w, theme.DimStyle.Render("no active teammate overlap"))
		return nil
	}

	for _, o := range res.Overlaps {
		badge := theme.TierBadge(string(o.Tier))
		line := fmt.Sprintf("  [%s] %s touching %s (%s)", badge, displayUser(o), o.FilePath, o.RepoName)
		fmt.Fprintln(w, line)
	}

	if res.Guidance != "" {
		fmt.Fprintln(w, theme.DimStyle.Render(res.Guidance))
	}
	if res.Warning != "" {
		fmt.Fprintln(w, color.YellowString("warning: %s", res.Warning))
	}
	return nil
}

func displayUser(o Overlap) string {
	if o.DisplayName != "" {
		return o.DisplayName
	}
	return o.UserID
}

func humanSummary(res Result) string {
	if len(res.Overlaps) == 0 {
		return "no active teammate overlap"
	}
	o := res.Overlaps[0]
	return fmt.Sprintf("%s is already editing %s (tier: %s)", displayUser(o), o.FilePath, o.Tier)
}

// ExitCode returns the probe's process exit code per spec §6: 0 unless
// strict mode was requested and the decision is block.
func ExitCode(res Result, strict bool) int {
	if strict && res.Decision == DecisionBlock {
		return 2
	}
	return 0
}
