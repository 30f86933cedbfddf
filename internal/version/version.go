package version

import "fmt"

// Set at build time with -ldflags "-X github.com/skypass/fleetwatch/internal/version.Version=..."
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Info is the build metadata reported by the status endpoint.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Get returns the current build metadata.
func Get() Info {
	return Info{Version: Version, Commit: Commit, BuildDate: BuildDate}
}

// String formats the version for banners and the CLI.
func (i Info) String() string {
	if i.Version == "dev" {
		return fmt.Sprintf("dev (commit: %s)", i.Commit)
	}
	return fmt.Sprintf("%s (commit: %s, built %s)", i.Version, i.Commit, i.BuildDate)
}

// UserAgent is sent on outbound probe requests.
func UserAgent() string {
	return "fleetwatch/" + Version
}
