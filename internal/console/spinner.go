package console

import (
	"context"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

type doneMsg struct{ err error }

// spinModel shows a spinner next to a message until the work finishes.
type spinModel struct {
	spinner spinner.Model
	message string
	done    bool
}

func (m spinModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m spinModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case doneMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m spinModel) View() string {
	if m.done {
		return ""
	}
	return m.spinner.View() + " " + m.message + "\n"
}

// Spin runs fn while showing a spinner with msg. Without a terminal it
// writes a single wait event instead. It returns fn's error.
func (o *Output) Spin(ctx context.Context, label, msg string, fn func(context.Context) error) error {
	if !o.Interactive() {
		o.Event(label, KindWait, msg)
		return fn(ctx)
	}

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = o.r.NewStyle().Foreground(primaryColor)

	p := tea.NewProgram(spinModel{spinner: s, message: o.prefix(label) + msg},
		tea.WithOutput(o.w),
		tea.WithInput(nil),
		tea.WithoutSignalHandler(),
		tea.WithContext(ctx),
	)

	errc := make(chan error, 1)
	go func() {
		err := fn(ctx)
		errc <- err
		p.Send(doneMsg{err: err})
	}()

	// The program stops on its own when ctx is cancelled; fn's result is
	// what matters either way.
	_, _ = p.Run()
	return <-errc
}
