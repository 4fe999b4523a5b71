// Package tui is the terminal front end: a bubbletea program with a history
// list, a transcript pane, a record toggle and a command prompt.
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"
)

// UI owns the program and doubles as the scribe's Presenter.
type UI struct {
	*Presenter

	in        io.Reader
	out       io.Writer
	altScreen bool
	log       *slog.Logger
}

type Option func(*UI)

// WithAltScreen runs the program in the terminal's alternate screen.
func WithAltScreen() Option {
	return func(u *UI) { u.altScreen = true }
}

func New(in io.Reader, out io.Writer, logger *slog.Logger, opts ...Option) *UI {
	if logger == nil {
		logger = slog.Default()
	}
	u := &UI{
		Presenter: &Presenter{},
		in:        in,
		out:       out,
		log:       logger.With(slog.String("component", "tui")),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Run blocks until the user quits or ctx ends. Quitting stops an active
// recording first.
func (u *UI) Run(ctx context.Context, ctrl Controller) error {
	opts := []tea.ProgramOption{
		tea.WithContext(ctx),
		tea.WithInput(u.in),
		tea.WithOutput(u.out),
		// Signals belong to the runtime.
		tea.WithoutSignalHandler(),
	}
	if u.altScreen {
		opts = append(opts, tea.WithAltScreen())
	}
	prog := tea.NewProgram(NewModel(ctx, ctrl), opts...)
	go u.attach(prog)

	_, err := prog.Run()
	u.detach()
	if err != nil && ctx.Err() == nil && !errors.Is(err, tea.ErrProgramKilled) {
		u.log.Error("tui stopped", slog.String("error", err.Error()))
		return fmt.Errorf("run tui: %w", err)
	}
	return nil
}
