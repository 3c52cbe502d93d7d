// Package version exposes the build metadata stamped into the binary.
//
// Release builds override the package variables with ldflags, e.g.
// -X github.com/anycrawl/anycrawl-api/internal/version.Version=1.2.0
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version of the build.
	Version = "0.0.0-dev"
	// Commit is the VCS revision the binary was built from.
	Commit = "unknown"
	// Date is the build timestamp, RFC3339.
	Date = "unknown"
	// Dirty is "true" when the working tree had local changes at build time.
	Dirty = "false"
)

// Info is the resolved build metadata, ready for logs and the health payload.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	Dirty     bool   `json:"dirty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get resolves the stamped variables together with the runtime facts.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		Dirty:     Dirty == "true",
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String renders the full one-line form used in startup logs.
func (i Info) String() string {
	commit := i.Commit
	if i.Dirty {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (%s) built %s", i.Version, commit, i.Date)
}

// Short renders just the version, with a dirty marker when applicable.
func (i Info) Short() string {
	if i.Dirty {
		return i.Version + "-dirty"
	}
	return i.Version
}
