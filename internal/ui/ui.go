// Package ui provides terminal rendering helpers for the dq CLI.
//
// Styling is disabled automatically when the terminal does not support
// color (or NO_COLOR is set), so command output stays pipe-friendly.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Enabled controls whether Render* functions apply styling. Detected from
// the environment at startup; tests and --no-color flags may override it.
var Enabled = termenv.EnvColorProfile() != termenv.Ascii

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true)
)

func render(style lipgloss.Style, s string) string {
	if !Enabled {
		return s
	}
	return style.Render(s)
}

// RenderAccent highlights s in the accent color.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderPass renders s as a success indicator.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn renders s as a warning indicator.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderFail renders s as a failure indicator.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderMuted renders s de-emphasized.
func RenderMuted(s string) string { return render(mutedStyle, s) }

// RenderHeader renders s as a section or column header.
func RenderHeader(s string) string { return render(headerStyle, s) }

// RenderStatus colors a record status string: queued states muted, active
// states accented, failed states red.
func RenderStatus(status string) string {
	switch status {
	case "pending", "pending_retry":
		return render(mutedStyle, status)
	case "in_flight":
		return render(accentStyle, status)
	case "failed":
		return render(failStyle, status)
	case "completed":
		return render(passStyle, status)
	default:
		return status
	}
}
