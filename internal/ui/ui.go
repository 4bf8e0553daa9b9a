// Package ui renders styled terminal output for the shiftd CLI.
//
// Styling is applied only when stdout is a terminal and NO_COLOR is unset.
package ui

import (
	"os"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

var colorEnabled atomic.Bool

func init() {
	colorEnabled.Store(os.Getenv("NO_COLOR") == "" && term.IsTerminal(int(os.Stdout.Fd())))
}

// SetColor forces styling on or off.
func SetColor(enabled bool) {
	colorEnabled.Store(enabled)
}

// IsTerminal reports whether fd is a terminal.
func IsTerminal(fd uintptr) bool {
	return term.IsTerminal(int(fd))
}

func render(style lipgloss.Style, s string) string {
	if !colorEnabled.Load() {
		return s
	}
	return style.Render(s)
}

func RenderPass(s string) string   { return render(passStyle, s) }
func RenderWarn(s string) string   { return render(warnStyle, s) }
func RenderFail(s string) string   { return render(failStyle, s) }
func RenderAccent(s string) string { return render(accentStyle, s) }
func RenderMuted(s string) string  { return render(mutedStyle, s) }
func RenderHeader(s string) string { return render(headerStyle, s) }

// Table lays out rows in left-aligned columns separated by two spaces.
// Cells may already be styled; widths ignore escape sequences.
func Table(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if w := lipgloss.Width(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	line := func(cells []string, style func(string) string) {
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			pad := widths[i] - lipgloss.Width(cell)
			if style != nil {
				cell = style(cell)
			}
			b.WriteString(cell)
			if i < len(widths)-1 {
				b.WriteString(strings.Repeat(" ", pad+2))
			}
		}
		b.WriteString("\n")
	}

	line(headers, RenderHeader)
	for _, row := range rows {
		line(row, nil)
	}
	return b.String()
}
