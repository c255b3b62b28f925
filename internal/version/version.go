// Package version carries build metadata injected at link time.
package version

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Name is the program name used in output and HTTP user agents.
const Name = "ikev2-provision"

// Build-time metadata injected via -ldflags.
// Defaults are used for local/dev builds.
var (
	AppVersion = "dev"
	GitCommit  = "unknown"
	BuildTime  = "unknown"
)

// Info describes the running binary build metadata.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Current returns the build metadata for this binary.
func Current() Info {
	return Info{
		Version:   orDefault(AppVersion, "dev"),
		Commit:    orDefault(GitCommit, "unknown"),
		BuildTime: orDefault(BuildTime, "unknown"),
	}
}

// String returns a human-readable version string.
func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", Name,
		orDefault(i.Version, "dev"), orDefault(i.Commit, "unknown"), orDefault(i.BuildTime, "unknown"))
}

// UserAgent returns the value sent to address echo services.
func (i Info) UserAgent() string {
	return Name + "/" + orDefault(i.Version, "dev")
}

// JSON returns the metadata encoded as JSON.
func (i Info) JSON() ([]byte, error) {
	return json.Marshal(i)
}

func orDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
