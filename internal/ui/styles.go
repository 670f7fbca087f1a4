// Package ui renders terminal output for the docsync CLI.
package ui

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Ayu-ish palette that reads on light and dark terminals.
var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"}
)

var (
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	BoldStyle   = lipgloss.NewStyle().Bold(true)
)

// Init picks the color profile. Color is off when noColor is set, when
// NO_COLOR is set, or when stdout is not a terminal.
func Init(noColor bool) {
	if noColor || os.Getenv("NO_COLOR") != "" || !IsTerminal(os.Stdout) {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func RenderPass(s string) string   { return PassStyle.Render(s) }
func RenderWarn(s string) string   { return WarnStyle.Render(s) }
func RenderFail(s string) string   { return FailStyle.Render(s) }
func RenderAccent(s string) string { return AccentStyle.Render(s) }
func RenderMuted(s string) string  { return MutedStyle.Render(s) }
func RenderBold(s string) string   { return BoldStyle.Render(s) }

// FormatBytes renders a size the way `ls -h` would.
func FormatBytes(n int64) string {
	switch {
	case n < 0:
		return "n/a"
	case n >= 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	case n >= 1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	}
	return fmt.Sprintf("%d bytes", n)
}

// RenderFields lays out key/value pairs in aligned columns, keys sorted.
func RenderFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	width := 0
	for k := range fields {
		keys = append(keys, k)
		width = max(width, lipgloss.Width(k))
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(MutedStyle.Width(width + 2).Render(k + ":"))
		sb.WriteString(fields[k])
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Confirm asks a yes/no question on the terminal. Without a terminal it
// returns false so destructive commands need an explicit --yes.
func Confirm(title, description string) (bool, error) {
	if !IsTerminal(os.Stdin) {
		return false, nil
	}
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	return ok, nil
}
