package util

import (
	"path/filepath"

	"github.com/charmbracelet/lipgloss"

	"sftp-sync/internal/status"
)

// Prefix starts every line the CLI prints about a sync.
const Prefix = "[SFTP] -> "

var (
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	sendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

// Reporter prints results for a person at a terminal. Status changes are
// only shown when Verbose is set.
type Reporter struct {
	printer *SafePrinter
	verbose bool
}

func NewReporter(p *SafePrinter, verbose bool) *Reporter {
	if p == nil {
		p = Default
	}
	return &Reporter{printer: p, verbose: verbose}
}

func (r *Reporter) SetStatus(file string, s status.Status) {
	if !r.verbose {
		return
	}
	label := s.String()
	switch s {
	case status.OK:
		label = okStyle.Render(label)
	case status.Error:
		label = errorStyle.Render(label)
	case status.Sending:
		label = sendingStyle.Render(label)
	default:
		label = dimStyle.Render(label)
	}
	r.printer.Printf("%s%s %s\n", Prefix, dimStyle.Render(filepath.Base(file)), label)
}

func (r *Reporter) Report(success bool, msg string) {
	if success {
		r.printer.Println(Prefix + okStyle.Render(msg))
		return
	}
	r.printer.Println(Prefix + errorStyle.Render(msg))
}
