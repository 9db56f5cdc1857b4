package ui

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const (
	envNoColor = "NO_COLOR"
	envCI      = "CI"
	envTerm    = "TERM"
)

// ConfigureColorProfile picks a lipgloss color profile for stdout: the
// terminal's real profile when attached to a TTY, plain ASCII when
// piped, under CI, or when NO_COLOR is set. Adapted from the teacher's
// cmd/ployz/ui interactivity detection, narrowed from a full
// interactive-prompt gate down to just the color decision avenactl's
// table/message output needs.
func ConfigureColorProfile() {
	if !stdoutIsTerminal() || envTruthy(envNoColor) || envTruthy(envCI) || strings.EqualFold(strings.TrimSpace(os.Getenv(envTerm)), "dumb") {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.ColorProfile())
}

func stdoutIsTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func envTruthy(key string) bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
