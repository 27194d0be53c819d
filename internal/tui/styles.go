package tui

import "github.com/charmbracelet/lipgloss"

// Terminal palette (256-color).
const (
	colorAccent = lipgloss.Color("212")
	colorMuted  = lipgloss.Color("245")
	colorFaint  = lipgloss.Color("241")
	colorBar    = lipgloss.Color("236")
	colorGood   = lipgloss.Color("78")
	colorWarn   = lipgloss.Color("214")
	colorBad    = lipgloss.Color("196")
	colorHeader = lipgloss.Color("111")
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	subtitleStyle = lipgloss.NewStyle().Foreground(colorMuted)
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorHeader)
	dimStyle      = lipgloss.NewStyle().Foreground(colorFaint)
	helpStyle     = dimStyle

	// lock and stage health
	freeStyle = lipgloss.NewStyle().Foreground(colorGood)
	heldStyle = lipgloss.NewStyle().Foreground(colorWarn)
	failStyle = lipgloss.NewStyle().Foreground(colorBad)

	statusBarStyle = lipgloss.NewStyle().Foreground(colorFaint).Background(colorBar).Padding(0, 1)
)
