package output

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"github.com/marcus/tether/internal/models"
)

// IsTerminal reports whether stdout is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// termWidth is the stdout width, then $COLUMNS, then 80.
func termWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	if n, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && n > 0 {
		return n
	}
	return 80
}

// RenderConflict renders c through glamour, wrapped at width columns, or at
// the terminal width when width is zero.
func RenderConflict(c models.Conflict, width int) (string, error) {
	if width <= 0 {
		width = termWidth()
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(width, 20)),
	)
	if err != nil {
		return "", fmt.Errorf("markdown renderer: %w", err)
	}
	out, err := r.Render(ConflictMarkdown(c))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(out, "\n"), nil
}

// ConflictMarkdown describes c with both versions in JSON code blocks.
func ConflictMarkdown(c models.Conflict) string {
	stamp := func(t time.Time) string { return t.Local().Format(time.DateTime) }

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Conflict %s\n\n- **Entity:** `%s`\n", ShortID(c.ID), c.Key())
	if c.EntityID != "" {
		fmt.Fprintf(&sb, "- **Remote ID:** `%s`\n", c.EntityID)
	}
	fmt.Fprintf(&sb, "- **Detected:** %s\n", stamp(c.DetectedAt))
	for _, side := range []struct {
		name    string
		updated time.Time
		data    []byte
		deleted bool
	}{
		{"Local", c.LocalUpdatedAt, c.LocalData, c.LocalDeleted},
		{"Remote", c.RemoteUpdatedAt, c.RemoteData, c.RemoteDeleted},
	} {
		if side.deleted {
			fmt.Fprintf(&sb, "\n## %s (deleted %s)\n", side.name, stamp(side.updated))
			continue
		}
		fmt.Fprintf(&sb, "\n## %s (updated %s)\n\n```json\n%s\n```\n", side.name, stamp(side.updated), prettyJSON(side.data))
	}
	return sb.String()
}
