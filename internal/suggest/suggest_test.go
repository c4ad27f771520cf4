package suggest

import "testing"

var keys = []string{"server_url", "api_key", "data_dir", "log_file", "log_level", "sync.interval", "sync.max_retries", "sync.timeout", "sync.pull", "sync.health_interval"}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"project", "projcet", 2},
		{"same", "same", 0},
	}
	for _, tt := range tests {
		if got := levenshtein(tt.a, tt.b); got != tt.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestClosest(t *testing.T) {
	got := Closest("server_ur", keys)
	if len(got) == 0 || got[0] != "server_url" {
		t.Fatalf("Closest(server_ur) = %v", got)
	}

	got = Closest("interval", keys)
	if len(got) == 0 || got[0] != "sync.interval" {
		t.Fatalf("Closest(interval) = %v, want sync.interval first", got)
	}

	if got := Closest("zzzzzzzzzzzz", keys); len(got) != 0 {
		t.Errorf("Closest(zzzz…) = %v, want none", got)
	}

	if got := Closest("l", keys); len(got) > 3 {
		t.Errorf("Closest returned %d results, want at most 3", len(got))
	}
}

func TestKeyHint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"token", " (did you mean api_key?)"},
		{"URL", " (did you mean server_url?)"},
		{"sync.timeot", " (did you mean sync.timeout?)"},
		{"zz", ""},
	}
	for _, tt := range tests {
		if got := KeyHint(tt.in, keys); got != tt.want {
			t.Errorf("KeyHint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHintIgnoresKeyAliases(t *testing.T) {
	types := []string{"project", "message", "attachment"}
	if got := Hint("key", types); got != "" {
		t.Errorf("Hint(key) = %q, want none", got)
	}
	if got := Hint("mesage", types); got != " (did you mean message?)" {
		t.Errorf("Hint(mesage) = %q", got)
	}
}
