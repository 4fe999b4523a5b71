package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorRed     = lipgloss.Color("#FF0000")
	colorGreen   = lipgloss.Color("#00FF00")
	colorYellow  = lipgloss.Color("#FFFF00")
	colorCyan    = lipgloss.Color("#00FFFF")
	colorGray    = lipgloss.Color("#666666")
	colorDimGray = lipgloss.Color("#444444")
	colorWhite   = lipgloss.Color("#FFFFFF")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	recordingDotStyle = lipgloss.NewStyle().
				Foreground(colorRed).
				Bold(true)

	idleDotStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorWhite)

	selectedStyle = lipgloss.NewStyle().
			Foreground(colorCyan).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	promptStyle = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)

	footerDescStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	dividerStyle = lipgloss.NewStyle().
			Foreground(colorDimGray)
)
