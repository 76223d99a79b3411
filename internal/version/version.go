// Package version reports the build version of the dps150 tools.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// These variables can be set at build time via ldflags:
//
//	go build -ldflags="-X github.com/muurk/dps150/internal/version.Version=v1.2.3 \
//	                   -X github.com/muurk/dps150/internal/version.Commit=abc123"
//
// Otherwise they are filled from the module and VCS build info, falling back
// to "dev" and "unknown".
var (
	// Version is the semantic version of the application
	Version = ""
	// Commit is the short git commit hash
	Commit = ""
	// BuildTime is the commit time reported by VCS build info
	BuildTime = ""
)

func init() {
	if Version == "" || Commit == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			fromBuildInfo(info)
		}
	}
	if Version == "" {
		Version = "dev"
	}
	if Commit == "" {
		Commit = "unknown"
	}
}

// fromBuildInfo fills unset variables from Go's build info. go install of a
// tagged release sets the main module version; a local build from git only
// carries VCS settings.
func fromBuildInfo(info *debug.BuildInfo) {
	var revision, modified, vcsTime string
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value
		case "vcs.time":
			vcsTime = s.Value
		}
	}

	if Commit == "" && revision != "" {
		Commit = revision
		if len(Commit) > 7 {
			Commit = Commit[:7]
		}
		if modified == "true" {
			Commit += "-dirty"
		}
	}

	if BuildTime == "" && vcsTime != "" {
		BuildTime = vcsTime
	}

	if Version == "" {
		switch {
		case info.Main.Version != "" && info.Main.Version != "(devel)":
			Version = info.Main.Version
		case vcsTime != "":
			if t, err := time.Parse(time.RFC3339, vcsTime); err == nil {
				Version = "dev-" + t.UTC().Format("20060102")
			}
		}
	}
}

// Short returns the version alone
func Short() string {
	return Version
}

// Full returns the full version string including commit
func Full() string {
	return fmt.Sprintf("%s (commit: %s)", Version, Commit)
}

// Info is the machine-readable form printed by "dps150 version --json".
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the current build information
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}
