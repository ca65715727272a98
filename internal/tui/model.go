// Package tui is a full-screen viewer that follows a session's journal as
// another process writes it.
package tui

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/session"
	"github.com/abdul-hamid-achik/codingbuddy/internal/ui"
)

// DefaultPollInterval is how often the journal is re-read.
const DefaultPollInterval = 500 * time.Millisecond

const (
	headerHeight = 1
	footerHeight = 1
)

// Source reads a session's journal. *journal.Store implements it.
type Source interface {
	LoadEvents(ctx context.Context, sessionID string) ([]journal.Envelope, error)
	LoadSession(ctx context.Context, id string) (*session.Session, error)
}

// Model follows one session. It is driven by bubbletea and never blocks in
// Update; journal reads happen in commands.
type Model struct {
	ctx       context.Context
	source    Source
	sessionID string
	interval  time.Duration

	viewport viewport.Model
	spinner  spinner.Model
	markdown *glamour.TermRenderer
	render   *ui.Output
	buf      *bytes.Buffer

	lines   []string
	lastSeq uint64
	state   session.Status
	err     error
	follow  bool
	ready   bool
	width   int
}

// NewModel builds a viewer for sessionID. useColors styles event lines.
func NewModel(ctx context.Context, source Source, sessionID string, useColors bool) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = stateActiveStyle

	buf := &bytes.Buffer{}
	md, err := glamour.NewTermRenderer(glamour.WithStandardStyle("dark"), glamour.WithWordWrap(100))
	if err != nil || !useColors {
		md = nil
	}
	return Model{
		ctx:       ctx,
		source:    source,
		sessionID: sessionID,
		interval:  DefaultPollInterval,
		spinner:   sp,
		markdown:  md,
		render:    ui.NewWriterOutput(buf, useColors),
		buf:       buf,
		follow:    true,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll())
}

// poll reads events after lastSeq. It captures lastSeq by value, so only
// one poll is ever in flight.
func (m Model) poll() tea.Cmd {
	ctx, source, id, after := m.ctx, m.source, m.sessionID, m.lastSeq
	return func() tea.Msg {
		sess, err := source.LoadSession(ctx, id)
		if err != nil {
			return errMsg{err}
		}
		events, err := source.LoadEvents(ctx, id)
		if err != nil {
			return errMsg{err}
		}
		var fresh []journal.Envelope
		for _, ev := range events {
			if ev.SeqNo > after {
				fresh = append(fresh, ev)
			}
		}
		return eventsMsg{events: fresh, state: sess.Status}
	}
}

func (m Model) schedule() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return pollMsg{} })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "f":
			m.follow = !m.follow
			if m.follow {
				m.viewport.GotoBottom()
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		m.follow = m.viewport.AtBottom()
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		height := max(msg.Height-headerHeight-footerHeight, 1)
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case pollMsg:
		return m, m.poll()

	case eventsMsg:
		m.err = nil
		m.state = msg.state
		for _, ev := range msg.events {
			m.lines = append(m.lines, m.renderEvent(ev)...)
			m.lastSeq = ev.SeqNo
		}
		if len(msg.events) > 0 {
			m.refresh()
		}
		return m, m.schedule()

	case errMsg:
		m.err = msg.err
		return m, m.schedule()
	}
	return m, nil
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if m.follow {
		m.viewport.GotoBottom()
	}
}

// renderEvent turns one envelope into display lines. Turns and state
// changes are drawn here; everything else goes through the stream renderer.
func (m Model) renderEvent(ev journal.Envelope) []string {
	switch k := ev.Kind.(type) {
	case journal.TurnAdded:
		if k.Role == "user" {
			return []string{"", userStyle.Render("> " + k.Content)}
		}
		return []string{m.renderMarkdown(k.Content)}
	case journal.SessionStateChanged:
		return []string{transitionStyle.Render(string(k.From) + " -> " + string(k.To))}
	}
	m.buf.Reset()
	m.render.Event(ev)
	out := strings.TrimRight(m.buf.String(), "\n")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

func (m Model) renderMarkdown(content string) string {
	if m.markdown == nil {
		return content
	}
	rendered, err := m.markdown.Render(content)
	if err != nil {
		return content
	}
	return strings.Trim(rendered, "\n")
}

// Lines returns the rendered transcript.
func (m Model) Lines() []string { return append([]string(nil), m.lines...) }

// State returns the last session status read from the journal.
func (m Model) State() session.Status { return m.state }

// Err returns the last journal read error, cleared by the next success.
func (m Model) Err() error { return m.err }
