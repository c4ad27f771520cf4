// Package suggest finds likely intended names for mistyped config keys and
// entity types using Levenshtein distance.
package suggest

import (
	"sort"
	"strings"
)

// levenshtein calculates the edit distance between two strings
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(
				prev[j]+1,      // deletion
				cur[j-1]+1,     // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// Closest returns up to three names from valid that are near unknown, best
// first. Matching ignores case and a "sync." prefix so "interval" finds
// "sync.interval".
func Closest(unknown string, valid []string) []string {
	unknown = normalize(unknown)

	type scored struct {
		name  string
		score int
	}
	var candidates []scored
	for _, v := range valid {
		n := normalize(v)
		dist := levenshtein(unknown, n)
		if strings.HasPrefix(n, unknown) && unknown != "" {
			dist = 0
		}
		// within 3 edits or half the length
		if dist <= max(3, len(unknown)/2) {
			candidates = append(candidates, scored{v, dist})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score < candidates[j].score
	})

	var result []string
	for i := 0; i < len(candidates) && i < 3; i++ {
		result = append(result, candidates[i].name)
	}
	return result
}

// CommonKeyAliases maps names people often try to the config key they meant.
var CommonKeyAliases = map[string]string{
	"server":   "server_url",
	"url":      "server_url",
	"host":     "server_url",
	"key":      "api_key",
	"token":    "api_key",
	"dir":      "data_dir",
	"log":      "log_file",
	"level":    "log_level",
	"retries":  "sync.max_retries",
	"health":   "sync.health_interval",
	"autopull": "sync.pull",
}

// Hint returns a "did you mean" suffix for unknown, or "" when nothing in
// valid is close.
func Hint(unknown string, valid []string) string {
	matches := Closest(unknown, valid)
	if len(matches) == 0 {
		return ""
	}
	return " (did you mean " + strings.Join(matches, " or ") + "?)"
}

// KeyHint is Hint for config keys. Aliases win over edit distance.
func KeyHint(unknown string, keys []string) string {
	if alias, ok := CommonKeyAliases[strings.ToLower(strings.TrimSpace(unknown))]; ok {
		return " (did you mean " + alias + "?)"
	}
	return Hint(unknown, keys)
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimLeft(s, "-")
	return strings.TrimPrefix(s, "sync.")
}
