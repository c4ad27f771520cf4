// Package output provides styled terminal output helpers (success, error,
// warning, record and conflict formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/marcus/tether/internal/conflict"
	"github.com/marcus/tether/internal/models"
	"github.com/marcus/tether/internal/status"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	localStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
	remoteStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	stateStyles  = map[models.SyncState]lipgloss.Style{
		models.StateIdle:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.StateSyncing: lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.StateError:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		models.StateOffline: lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
	}
	opStyles = map[models.Operation]lipgloss.Style{
		models.OpCreate: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.OpUpdate: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.OpDelete: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// Stdout is where the print helpers write. Tests swap it.
var Stdout io.Writer = os.Stdout

// Success prints a success message
func Success(format string, args ...any) {
	fmt.Fprintln(Stdout, successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...any) {
	fmt.Fprintln(Stdout, errorStyle.Render("ERROR: "+fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...any) {
	fmt.Fprintln(Stdout, warningStyle.Render("Warning: "+fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...any) {
	fmt.Fprintf(Stdout, format+"\n", args...)
}

// JSON outputs data as JSON
func JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(Stdout, string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound     = "not_found"
	ErrCodeInvalidInput = "invalid_input"
	ErrCodeConflict     = "conflict"
	ErrCodeDatabase     = "database_error"
	ErrCodeSync         = "sync_error"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
	fmt.Fprintln(Stdout, string(data))
}

// FormatState formats a sync state with color
func FormatState(s models.SyncState) string {
	style, ok := stateStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(string(s))
}

// FormatOperation formats a queued operation with color
func FormatOperation(op models.Operation) string {
	style, ok := opStyles[op]
	if !ok {
		return string(op)
	}
	return style.Render(fmt.Sprintf("%-6s", op))
}

// FormatTimeAgo formats a time as a human-readable "ago" string.
func FormatTimeAgo(t time.Time) string {
	return FormatTimeSince(t, time.Now())
}

// FormatTimeSince is FormatTimeAgo relative to now.
func FormatTimeSince(t, now time.Time) string {
	if now.Sub(t) < time.Minute {
		return "just now"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// FormatRecordShort formats a record in one line.
func FormatRecordShort(r models.Record) string {
	parts := []string{
		titleStyle.Render(r.Key().String()),
		subtleStyle.Render(humanize.Bytes(uint64(len(r.Data)))),
		FormatMark(r.Mark),
	}
	if r.Deleted {
		parts = append(parts, errorStyle.Render("[deleted]"))
	}
	return strings.Join(parts, "  ")
}

// FormatMark formats a record's sync mark, e.g. "[synced r-1]" or "[pending]".
func FormatMark(m models.Mark) string {
	if m.IsSynced() {
		return successStyle.Render(fmt.Sprintf("[synced %s]", m.RemoteID()))
	}
	return warningStyle.Render("[pending]")
}

// FormatRecordLong formats a record with its payload.
func FormatRecordLong(r models.Record) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(r.Key().String()))
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Status: %s\n", FormatMark(r.Mark))
	if id := r.Mark.RemoteID(); id != "" {
		fmt.Fprintf(&sb, "Remote ID: %s\n", id)
	}
	fmt.Fprintf(&sb, "Created: %s | Updated: %s\n",
		r.CreatedAt.Local().Format(time.DateTime), r.UpdatedAt.Local().Format(time.DateTime))
	if r.Mark.IsSynced() {
		fmt.Fprintf(&sb, "Synced: %s\n", FormatTimeAgo(r.Mark.SyncedAt()))
	}
	if r.Deleted {
		sb.WriteString(errorStyle.Render("Deleted (waiting to sync)"))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(IndentString(prettyJSON(r.Data), 2))
	sb.WriteString("\n")
	return sb.String()
}

// FormatChange formats a queued change in one line.
func FormatChange(c models.QueuedChange) string {
	parts := []string{
		subtleStyle.Render(fmt.Sprintf("#%d", c.ID)),
		FormatOperation(c.Operation),
		titleStyle.Render(c.Key().String()),
	}
	if c.EntityID != "" {
		parts = append(parts, subtleStyle.Render("→ "+c.EntityID))
	}
	if c.RetryCount > 0 {
		parts = append(parts, warningStyle.Render(fmt.Sprintf("retries=%d", c.RetryCount)))
	}
	if c.LastError != "" {
		parts = append(parts, errorStyle.Render(c.LastError))
	}
	return strings.Join(parts, "  ")
}

// ShortID shortens a conflict id for display.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// FormatConflictShort formats a conflict in one line.
func FormatConflictShort(c models.Conflict) string {
	return strings.Join([]string{
		titleStyle.Render(ShortID(c.ID)),
		c.Key().String(),
		localStyle.Render("local " + c.LocalUpdatedAt.Local().Format(time.DateTime)),
		remoteStyle.Render("remote " + c.RemoteUpdatedAt.Local().Format(time.DateTime)),
		subtleStyle.Render("detected " + FormatTimeAgo(c.DetectedAt)),
	}, "  ")
}

// FormatConflictDiff renders the local/remote payload diff of c. Local-only
// lines are prefixed with "-", remote-only lines with "+".
func FormatConflictDiff(c models.Conflict) string {
	var sb strings.Builder
	sb.WriteString(localStyle.Render("--- local"))
	sb.WriteString("\n")
	sb.WriteString(remoteStyle.Render("+++ remote"))
	sb.WriteString("\n")
	for _, l := range conflict.Diff(c) {
		switch l.Kind {
		case conflict.LineLocal:
			sb.WriteString(localStyle.Render("- " + l.Text))
		case conflict.LineRemote:
			sb.WriteString(remoteStyle.Render("+ " + l.Text))
		default:
			sb.WriteString("  " + l.Text)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// FormatStatus renders a status snapshot for `tether sync --status`.
func FormatStatus(s status.Snapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "State:     %s\n", FormatState(s.State))
	last := "never"
	if s.LastSyncedAt != nil {
		last = FormatTimeAgo(*s.LastSyncedAt)
	}
	fmt.Fprintf(&sb, "Synced:    %s\n", last)
	fmt.Fprintf(&sb, "Pending:   %d\n", s.PendingChanges)
	fmt.Fprintf(&sb, "Conflicts: %d\n", len(s.Conflicts))
	if s.Error != "" {
		fmt.Fprintf(&sb, "Error:     %s\n", errorStyle.Render(s.Error))
	}
	return sb.String()
}

// FormatHistoryEntry formats one sync history row.
func FormatHistoryEntry(h models.HistoryEntry) string {
	dir := localStyle.Render("↑ push")
	if h.Direction == "pull" {
		dir = remoteStyle.Render("↓ pull")
	}
	line := fmt.Sprintf("%s  %s  %s  %s",
		subtleStyle.Render(h.Timestamp.Local().Format(time.DateTime)),
		dir, FormatOperation(h.Operation),
		models.Key{Type: h.EntityType, LocalID: h.LocalID}.String())
	if h.DeviceID != "" && h.Direction == "pull" {
		line += subtleStyle.Render("  from " + ShortID(h.DeviceID))
	}
	return line
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nCONFLICTS:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// IndentString indents each line in a string by the specified number of spaces
func IndentString(s string, spaces int) string {
	if s == "" {
		return ""
	}
	indent := strings.Repeat(" ", spaces)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = indent + line
	}
	return strings.Join(lines, "\n")
}

func prettyJSON(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(data)
	}
	return string(out)
}
