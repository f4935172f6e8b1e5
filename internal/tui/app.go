package tui

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
)

// Run starts the TUI on sess until the user quits. sess must already be
// initialized with events as its handler.
func Run(sess Session, events *Events, opts Options) error {
	m := NewModel(sess, events, opts)
	p := tea.NewProgram(m, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running TUI: %v\n", err)
		return err
	}
	events.Close()

	return nil
}
