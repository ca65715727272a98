package tui

import (
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/session"
)

// eventsMsg carries events newer than the last one shown.
type eventsMsg struct {
	events []journal.Envelope
	state  session.Status
}

// errMsg reports a failed journal read. Polling continues.
type errMsg struct{ err error }

// pollMsg asks for the next journal read.
type pollMsg struct{}
