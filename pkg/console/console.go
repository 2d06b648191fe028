// Package console provides styled terminal output for the broker CLI.
//
// All helpers return plain text when stderr is not a terminal so logs stay
// machine-readable. Styling uses adaptive lipgloss colors that work on both
// light and dark backgrounds. Console output is for humans on stderr only;
// tool results never pass through this package.
package console

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Adaptive colors; light variants are darker for visibility on light
// backgrounds, dark variants follow common dark-theme palettes.
var (
	colorError   = lipgloss.AdaptiveColor{Light: "#D73737", Dark: "#FF5555"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#B8860B", Dark: "#FFB86C"}
	colorSuccess = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#50FA7B"}
	colorInfo    = lipgloss.AdaptiveColor{Light: "#00669E", Dark: "#8BE9FD"}
)

var (
	errorStyle   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning)
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess)
	infoStyle    = lipgloss.NewStyle().Foreground(colorInfo)
)

func isTTY() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func applyStyle(style lipgloss.Style, text string) string {
	if isTTY() {
		return style.Render(text)
	}
	return text
}

// FormatErrorMessage formats an error message with styling.
func FormatErrorMessage(message string) string {
	return applyStyle(errorStyle, "✗ "+message)
}

// FormatWarningMessage formats a warning message with styling.
func FormatWarningMessage(message string) string {
	return applyStyle(warningStyle, "! "+message)
}

// FormatSuccessMessage formats a success message with styling.
func FormatSuccessMessage(message string) string {
	return applyStyle(successStyle, "✓ "+message)
}

// FormatInfoMessage formats an informational message with styling.
func FormatInfoMessage(message string) string {
	return applyStyle(infoStyle, message)
}

// LogVerbose prints a message to stderr when verbose mode is enabled.
func LogVerbose(verbose bool, message string) {
	if verbose {
		fmt.Fprintln(os.Stderr, FormatInfoMessage(message))
	}
}
