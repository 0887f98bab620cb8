// Package theme provides the Lip Gloss color palette and reusable
// styles for the overlap probe's human-output mode. Adapted from the
// teacher tui's internal/theme/theme.go -- same leaf-package, no-
// internal-imports shape, recolored for decisions and overlap tiers
// instead of model/activity badges.
package theme

import "github.com/charmbracelet/lipgloss"

// Decision colors.
var (
	ColorProceed = lipgloss.Color("#22c55e")
	ColorWarn    = lipgloss.Color("#d97706")
	ColorBlock   = lipgloss.Color("#dc2626")
)

// Overlap tier colors, ordered line > function > adjacent > file per the
// glossary's severity ordering.
var (
	ColorTierLine     = lipgloss.Color("#dc2626")
	ColorTierFunction = lipgloss.Color("#d97706")
	ColorTierAdjacent = lipgloss.Color("#eab308")
	ColorTierFile     = lipgloss.Color("#9ca3af")
)

// UI chrome colors, reused from the teacher's palette verbatim.
var (
	ColorBorder = lipgloss.Color("#4b5563")
	ColorDimmed = lipgloss.Color("#6b7280")
	ColorBright = lipgloss.Color("#f9fafb")
)

// DecisionColor returns the color for a decision string.
func DecisionColor(decision string) lipgloss.Color {
	switch decision {
	case "block":
		return ColorBlock
	case "warn":
		return ColorWarn
	default:
		return ColorProceed
	}
}

// TierColor returns the color for an overlap tier string.
func TierColor(tier string) lipgloss.Color {
	switch tier {
	case "line":
		return ColorTierLine
	case "function":
		return ColorTierFunction
	case "adjacent":
		return ColorTierAdjacent
	default:
		return ColorTierFile
	}
}

// DecisionStyle returns a bold style in the decision's color, used for
// the probe's headline.
func DecisionStyle(decision string) lipgloss.Style {
	return lipgloss.NewStyle().Bold(true).Foreground(DecisionColor(decision))
}

// TierBadge renders a short tier label in its tier color.
func TierBadge(tier string) string {
	return lipgloss.NewStyle().Foreground(TierColor(tier)).Render(tier)
}

// DimStyle renders secondary text (paths, timestamps) in the muted
// chrome color.
var DimStyle = lipgloss.NewStyle().Foreground(ColorDimmed)

// BorderStyle is a normal-border frame in the chrome border color. The
// probe's human-mode writer does not use it.
var BorderStyle = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(ColorBorder)
