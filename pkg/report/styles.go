// Package report renders runs for the terminal: a styled step list, run
// tables and step outputs as markdown.
package report

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/colaisr/research-flow-sub000/pkg/runctx"
	"github.com/colaisr/research-flow-sub000/pkg/store"
)

// Step status glyphs; meaning does not rely on color alone.
const (
	GlyphPassed  = "✓"
	GlyphFailed  = "✗"
	GlyphSkipped = "⏭"
	GlyphPending = "○"
)

var (
	colorGreen  = lipgloss.Color("42")
	colorRed    = lipgloss.Color("196")
	colorYellow = lipgloss.Color("214")
	colorCyan   = lipgloss.Color("51")
	colorDim    = lipgloss.Color("240")
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	stepPassed = lipgloss.NewStyle().
			Foreground(colorGreen)

	stepFailed = lipgloss.NewStyle().
			Foreground(colorRed)

	stepSkipped = lipgloss.NewStyle().
			Faint(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	statePassedStyle = lipgloss.NewStyle().
				Foreground(colorGreen).
				Bold(true)

	stateFailedStyle = lipgloss.NewStyle().
				Foreground(colorRed).
				Bold(true)

	stateRunningStyle = lipgloss.NewStyle().
				Foreground(colorYellow)
)

// stepGlyph returns the styled glyph for a step status.
func stepGlyph(s runctx.Status) string {
	switch s {
	case runctx.StatusSuccess:
		return stepPassed.Render(GlyphPassed)
	case runctx.StatusError:
		return stepFailed.Render(GlyphFailed)
	case runctx.StatusSkipped:
		return stepSkipped.Render(GlyphSkipped)
	default:
		return GlyphPending
	}
}

// StateBadge renders a run state.
func StateBadge(s store.RunState) string {
	switch s {
	case store.StateSucceeded:
		return statePassedStyle.Render(string(s))
	case store.StateFailed, store.StateModelFailure:
		return stateFailedStyle.Render(string(s))
	default:
		return stateRunningStyle.Render(string(s))
	}
}
