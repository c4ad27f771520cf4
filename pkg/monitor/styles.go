package monitor

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/tether/internal/models"
)

var (
	// Base colors
	primaryColor = lipgloss.Color("212")
	mutedColor   = lipgloss.Color("241")
	successColor = lipgloss.Color("42")
	warningColor = lipgloss.Color("214")
	errorColor   = lipgloss.Color("196")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	// Text styles
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	subtleStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	helpStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)
	flashStyle   = lipgloss.NewStyle().Foreground(warningColor)
	syncingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))

	stateStyles = map[models.SyncState]lipgloss.Style{
		models.StateIdle:    lipgloss.NewStyle().Foreground(successColor).Bold(true),
		models.StateSyncing: syncingStyle.Bold(true),
		models.StateError:   lipgloss.NewStyle().Foreground(errorColor).Bold(true),
		models.StateOffline: lipgloss.NewStyle().Foreground(mutedColor).Bold(true),
	}
)
