package conflict

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/marcus/tether/internal/models"
)

// LineKind says which side a diff line belongs to.
type LineKind int

const (
	LineSame LineKind = iota
	LineLocal
	LineRemote
)

// DiffLine is one line of a human-readable conflict diff.
type DiffLine struct {
	Kind LineKind
	Text string
}

// Diff renders a line diff between the local and remote payloads of c for
// display. It is never used to resolve anything.
func Diff(c models.Conflict) []DiffLine {
	local := prettyJSON(c.LocalData)
	remote := prettyJSON(c.RemoteData)

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(local, remote)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	var out []DiffLine
	for _, d := range diffs {
		kind := LineSame
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			kind = LineLocal
		case diffmatchpatch.DiffInsert:
			kind = LineRemote
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			out = append(out, DiffLine{Kind: kind, Text: line})
		}
	}
	return out
}

// prettyJSON indents valid JSON so diffs are per-field; other payloads are
// returned as-is.
func prettyJSON(data json.RawMessage) string {
	if len(data) == 0 {
		return "\n"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return string(data) + "\n"
	}
	buf.WriteByte('\n')
	return buf.String()
}
