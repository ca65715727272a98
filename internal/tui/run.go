package tui

import (
	"context"
	"errors"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
)

// IsTTYAvailable reports whether stdin and stdout are terminals.
func IsTTYAvailable() bool {
	for _, f := range []*os.File{os.Stdin, os.Stdout} {
		info, err := f.Stat()
		if err != nil || info.Mode()&os.ModeCharDevice == 0 {
			return false
		}
	}
	return true
}

// Run shows sessionID full-screen until the user quits or ctx ends.
func Run(ctx context.Context, source Source, sessionID string) error {
	if !IsTTYAvailable() {
		return fmt.Errorf("watch requires a terminal")
	}
	model := NewModel(ctx, source, sessionID, os.Getenv("NO_COLOR") == "")
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	logging.Debug("watch started", logging.SessionID(sessionID))
	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
