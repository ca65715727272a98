package ui

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor = lipgloss.Color("39")
	successColor = lipgloss.Color("82")
	warningColor = lipgloss.Color("214")
	errorColor   = lipgloss.Color("196")
	dimColor     = lipgloss.Color("240")
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Underline(true)

	thinkingStyle = lipgloss.NewStyle().
			Foreground(dimColor).
			Italic(true)

	toolCallStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true)

	toolNameStyle = lipgloss.NewStyle().
			Foreground(primaryColor)

	dimStyle = lipgloss.NewStyle().
			Foreground(dimColor)

	successStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(primaryColor)

	keyStyle = lipgloss.NewStyle().
			Foreground(dimColor).
			Width(22)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)
)

const (
	iconToolCall = "⚡"
	iconSuccess  = "✓"
	iconError    = "✗"
	iconInfo     = "ℹ"
	iconWarning  = "⚠"
	iconSubagent = "↳"
	iconIndent   = "│"
)
