// Package version exposes the build stamp injected through -ldflags.
package version

import (
	"fmt"
	"runtime"
)

// Set at build time:
//
//	go build -ldflags "-X .../version.Version=v1.2.0 -X .../version.CommitHash=$(git rev-parse --short HEAD)"
var (
	Version    = "dev"
	CommitHash = "unknown"
)

// Info is the resolved build stamp plus the runtime it was compiled for
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the build stamp of the running binary
func Get() Info {
	return Info{
		Version:    Version,
		CommitHash: CommitHash,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

func (i Info) String() string {
	return fmt.Sprintf("pocketflow %s (commit %s)", i.Version, i.CommitHash)
}
