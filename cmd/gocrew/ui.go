package main

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	keyStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// ui styles output only when it goes to a terminal, so piped output and
// tests see plain text.
type ui struct {
	color bool
}

func newUI(w io.Writer) ui {
	f, ok := w.(*os.File)
	if !ok || os.Getenv("NO_COLOR") != "" {
		return ui{}
	}
	return ui{color: isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())}
}

func (u ui) render(s lipgloss.Style, text string) string {
	if !u.color {
		return text
	}
	return s.Render(text)
}

func (u ui) mark(err error) string {
	if err != nil {
		return u.render(failStyle, "✗")
	}
	return u.render(okStyle, "✓")
}
