// Package style provides consistent terminal styling for CLI output using
// Lipgloss.
package style

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	// Bold emphasizes headers and key values.
	Bold = lipgloss.NewStyle().Bold(true)

	// Dim de-emphasizes hints and secondary detail.
	Dim = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#8a8a8a", Dark: "#6c6c6c"})

	ok   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"})
	warn = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"})
	fail = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"})
)

// PassIcon renders the check-passed marker.
func PassIcon() string { return ok.Render("✓") }

// WarnIcon renders the non-critical-issue marker.
func WarnIcon() string { return warn.Render("⚠") }

// FailIcon renders the check-failed marker.
func FailIcon() string { return fail.Render("✗") }

// RunningDot renders the "service is up" marker.
func RunningDot() string { return ok.Render("●") }

// StoppedDot renders the "service is down" marker.
func StoppedDot() string { return Dim.Render("○") }
