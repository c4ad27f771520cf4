package monitor

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/tether/internal/models"
	"github.com/marcus/tether/internal/output"
)

func (m Model) renderView() string {
	sections := []string{
		titleStyle.Render("tether monitor"),
		m.renderStatus(),
	}
	if len(m.snap.Conflicts) > 0 {
		sections = append(sections, m.renderConflicts())
	}
	sections = append(sections, m.renderQueue(), m.renderFooter())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderStatus() string {
	state := string(m.snap.State)
	if style, ok := stateStyles[m.snap.State]; ok {
		state = style.Render(state)
	}
	if m.snap.State == models.StateSyncing {
		state = m.spinner.View() + " " + state
	}

	last := "never"
	if m.snap.LastSyncedAt != nil {
		last = output.FormatTimeAgo(*m.snap.LastSyncedAt)
	}

	lines := []string{
		fmt.Sprintf("State:     %s", state),
		fmt.Sprintf("Synced:    %s", last),
		fmt.Sprintf("Pending:   %d", m.snap.PendingChanges),
		fmt.Sprintf("Conflicts: %d", len(m.snap.Conflicts)),
	}
	if m.snap.Error != "" {
		lines = append(lines, errorStyle.Render("Error:     "+m.snap.Error))
	}
	return m.panel("STATUS", strings.Join(lines, "\n"))
}

func (m Model) renderConflicts() string {
	lines := make([]string, 0, len(m.snap.Conflicts)+1)
	for _, c := range m.snap.Conflicts {
		lines = append(lines, output.FormatConflictShort(c))
	}
	lines = append(lines, subtleStyle.Render("resolve with: tether conflicts resolve <id> --use local|remote"))
	return m.panel("CONFLICTS", strings.Join(lines, "\n"))
}

func (m Model) renderQueue() string {
	if m.Err != nil {
		return m.panel("QUEUE", errorStyle.Render(m.Err.Error()))
	}
	if len(m.queue) == 0 {
		return m.panel("QUEUE", subtleStyle.Render("nothing to push"))
	}
	rows := m.queue
	more := 0
	if len(rows) > maxQueueRows {
		more = len(rows) - maxQueueRows
		rows = rows[:maxQueueRows]
	}
	lines := make([]string, 0, len(rows)+1)
	for _, c := range rows {
		lines = append(lines, output.FormatChange(c))
	}
	if more > 0 {
		lines = append(lines, subtleStyle.Render(fmt.Sprintf("… %d more", more)))
	}
	return m.panel("QUEUE", strings.Join(lines, "\n"))
}

func (m Model) renderFooter() string {
	var parts []string
	for _, b := range []key.Binding{keys.Sync, keys.Refresh, keys.Quit} {
		h := b.Help()
		parts = append(parts, fmt.Sprintf("%s %s", h.Key, h.Desc))
	}
	footer := helpStyle.Render(strings.Join(parts, " • "))
	if m.closed {
		footer += subtleStyle.Render("  (engine stopped)")
	}
	if m.flash != "" {
		footer += "  " + flashStyle.Render(m.flash)
	}
	return footer
}

func (m Model) panel(title, body string) string {
	style := panelStyle
	if m.Width > 4 {
		style = style.Width(m.Width - 2)
	}
	return style.Render(panelTitleStyle.Render(title) + "\n" + body)
}
