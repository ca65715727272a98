package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/abdul-hamid-achik/codingbuddy/internal/session"
)

func (m Model) View() string {
	if !m.ready {
		return m.spinner.View() + " loading session " + m.sessionID + "..."
	}
	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m Model) renderHeader() string {
	left := headerTitleStyle.Render("codingbuddy") + headerDimStyle.Render(fmt.Sprintf(" [%s]", m.sessionID))
	right := m.renderState()

	gap := max(m.width-lipgloss.Width(left)-lipgloss.Width(right)-2, 0)
	return headerStyle.Width(m.width).Render(left + strings.Repeat(" ", gap) + right)
}

func (m Model) renderState() string {
	switch m.state {
	case "":
		return headerDimStyle.Render("waiting")
	case session.StatusCompleted:
		return stateDoneStyle.Render(string(m.state))
	case session.StatusFailed:
		return stateFailedStyle.Render(string(m.state))
	case session.StatusIdle, session.StatusPaused:
		return headerDimStyle.Render(string(m.state))
	default:
		return m.spinner.View() + stateActiveStyle.Render(string(m.state))
	}
}

func (m Model) renderFooter() string {
	help := "q quit  ↑/↓ scroll  f follow"
	if m.follow {
		help += " (on)"
	}
	if m.err != nil {
		help = errorStyle.Render("journal: "+m.err.Error()) + "  " + help
	}
	return footerStyle.Width(m.width).Render(help)
}
