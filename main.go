package main

import (
	"runtime/debug"

	"github.com/mercatus/mercsync/cmd"
)

// Version can be linked in at build time:
//
//	go build -ldflags "-X main.Version=v1.2.3"
var Version = "dev"

// resolveVersion falls back to module build info when no version was linked
// in: the module version for `go install ...@vX.Y.Z` builds, or the VCS
// revision for builds from a checkout.
func resolveVersion() string {
	if Version != "dev" {
		return Version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Version
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
		return Version
	}
	if len(rev) > 8 {
		rev = rev[:8]
	}
	v := Version + "-" + rev
	if settings["vcs.modified"] == "true" {
		v += "-dirty"
	}
	return v
}

func main() {
	cmd.SetVersion(resolveVersion())
	cmd.Execute()
}
