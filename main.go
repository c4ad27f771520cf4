// Command tether is the offline-first client: local records, the outbound
// queue, sync and conflict resolution.
package main

import (
	"runtime/debug"

	"github.com/marcus/tether/cmd"
)

// Version is stamped by release builds with -ldflags "-X main.Version=...".
var Version = "dev"

// resolveVersion prefers the stamped version, then the module version from
// `go install pkg@vX`, then devel+<short rev>[+dirty] from VCS build info.
func resolveVersion(stamped string, info *debug.BuildInfo) string {
	if stamped != "dev" && stamped != "" {
		return stamped
	}
	if info == nil {
		return stamped
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	rev := settings["vcs.revision"]
	if rev == "" {
		return stamped
	}
	v := "devel+" + rev[:min(len(rev), 12)]
	if settings["vcs.modified"] == "true" {
		v += "+dirty"
	}
	return v
}

func main() {
	info, _ := debug.ReadBuildInfo()
	cmd.SetVersion(resolveVersion(Version, info))
	cmd.Execute()
}
