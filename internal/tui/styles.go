package tui

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor = lipgloss.Color("39")
	successColor = lipgloss.Color("82")
	errorColor   = lipgloss.Color("196")
	dimColor     = lipgloss.Color("240")
	userColor    = lipgloss.Color("255")
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")).
			Background(lipgloss.Color("236")).
			Padding(0, 1)

	headerTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(primaryColor)

	headerDimStyle = lipgloss.NewStyle().Foreground(dimColor)

	stateActiveStyle = lipgloss.NewStyle().Foreground(primaryColor)
	stateDoneStyle   = lipgloss.NewStyle().Foreground(successColor)
	stateFailedStyle = lipgloss.NewStyle().Foreground(errorColor)

	footerStyle = lipgloss.NewStyle().
			Foreground(dimColor).
			Padding(0, 1)

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(userColor)

	transitionStyle = lipgloss.NewStyle().Foreground(dimColor).Italic(true)
	errorStyle      = lipgloss.NewStyle().Foreground(errorColor)
)
