// Package version carries the build metadata of the ratelimiter binaries,
// populated with -ldflags at build time, plus a per-process instance id.
package version

import (
	"fmt"
	"os"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

// Build metadata, set with
//
//	-ldflags "-X ratelimiter/internal/version.Version=v1.2.0 -X ratelimiter/internal/version.GitCommit=... -X ratelimiter/internal/version.BuildDate=..."
var (
	Version   = "unknown" // release tag such as "v1.2.0", or a commit hash for dev builds
	BuildDate = "unknown" // ISO 8601 UTC
	GitCommit = "unknown"
)

// Info is the metadata reported in logs, telemetry resources and User-Agents.
type Info struct {
	Version    string `json:"version"`
	GitCommit  string `json:"git_commit"`
	BuildDate  string `json:"build_date"`
	InstanceID string `json:"instance_id"`
	Hostname   string `json:"hostname"`
}

var (
	once sync.Once
	info Info
)

// GetInfo returns the process's build metadata. The instance ID and hostname
// are computed on the first call.
func GetInfo() Info {
	once.Do(func() {
		info = Info{
			Version:    Version,
			GitCommit:  GitCommit,
			BuildDate:  BuildDate,
			InstanceID: uuid.New().String(),
			Hostname:   getHostname(),
		}
	})
	return info
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

// Semver parses Version. It returns nil for builds stamped with something
// other than a semantic version, such as a bare commit hash.
func (i Info) Semver() *semver.Version {
	v, err := semver.NewVersion(i.Version)
	if err != nil {
		return nil
	}
	return v
}

// IsRelease reports whether the build carries a semantic version without a
// pre-release suffix.
func (i Info) IsRelease() bool {
	v := i.Semver()
	return v != nil && v.Prerelease() == ""
}

// Normalized returns Version without a leading "v" when it is a semantic
// version, and Version unchanged otherwise.
func (i Info) Normalized() string {
	if v := i.Semver(); v != nil {
		return v.String()
	}
	return i.Version
}

// String formats version info for CLI display.
func (i Info) String() string {
	return fmt.Sprintf("ratelimiter version %s (commit: %s, built: %s)", i.Version, i.GitCommit, i.BuildDate)
}

// UserAgent is the User-Agent sent by the service's own HTTP clients.
func (i Info) UserAgent(component string) string {
	return fmt.Sprintf("ratelimiter-%s/%s", component, i.Normalized())
}
