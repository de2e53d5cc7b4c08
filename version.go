package medabe

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/hengadev/medabe/internal/monitoring"
)

// Version of the medabe engine
const Version = "0.4.0"

// Build information, set with -ldflags "-X github.com/hengadev/medabe.GitCommit=...".
// When unset, FullVersionInfo falls back to the VCS stamp recorded by the Go toolchain.
var (
	GitCommit string
	BuildDate string
	BuildUser string
)

func init() {
	monitoring.ServiceVersion = Version
}

// VersionDetails describes the running build.
type VersionDetails struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
	BuildUser string `json:"build_user,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
}

// FullVersionInfo returns the build details of this binary.
func FullVersionInfo() VersionDetails {
	d := VersionDetails{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		BuildUser: BuildUser,
		GoVersion: runtime.Version(),
	}
	if d.GitCommit != "" {
		return d
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return d
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			d.GitCommit = s.Value
		case "vcs.time":
			if d.BuildDate == "" {
				d.BuildDate = s.Value
			}
		case "vcs.modified":
			d.Modified = s.Value == "true"
		}
	}
	return d
}

// VersionInfo is the one line printed by "medabe version".
func VersionInfo() string {
	return "medabe " + FullVersionInfo().String()
}

func (v VersionDetails) String() string {
	if v.GitCommit == "" {
		return "v" + v.Version
	}
	commit := v.GitCommit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if v.Modified {
		commit += "-dirty"
	}
	if v.BuildDate == "" {
		return fmt.Sprintf("v%s (commit: %s)", v.Version, commit)
	}
	return fmt.Sprintf("v%s (commit: %s, built: %s)", v.Version, commit, v.BuildDate)
}
