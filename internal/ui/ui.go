// Package ui provides terminal output styling for the marcaje CLI.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "28", Dark: "78"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "160", Dark: "203"})
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "130", Dark: "214"})
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "26", Dark: "75"})
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "244", Dark: "242"})

	colorEnabled = termenv.EnvColorProfile() != termenv.Ascii
)

func render(s lipgloss.Style, text string) string {
	if !colorEnabled {
		return text
	}
	return s.Render(text)
}

// RenderPass styles success markers.
func RenderPass(text string) string { return render(passStyle, text) }

// RenderFail styles failure markers.
func RenderFail(text string) string { return render(failStyle, text) }

// RenderWarn styles warnings.
func RenderWarn(text string) string { return render(warnStyle, text) }

// RenderAccent styles informational highlights.
func RenderAccent(text string) string { return render(accentStyle, text) }

// RenderMuted styles secondary detail.
func RenderMuted(text string) string { return render(mutedStyle, text) }
