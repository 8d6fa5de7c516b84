package monitor

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor = lipgloss.Color("#7D56F4")
	subtleColor  = lipgloss.Color("#626262")
	errorColor   = lipgloss.Color("#FF5F5F")
	okColor      = lipgloss.Color("#43BF6D")

	titleStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true)

	subtleStyle = lipgloss.NewStyle().
			Foreground(subtleColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	readingStyle = lipgloss.NewStyle().
			Foreground(okColor).
			Bold(true)

	pausedStyle = lipgloss.NewStyle().
			Foreground(subtleColor).
			Bold(true)

	viewportStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor)
)
