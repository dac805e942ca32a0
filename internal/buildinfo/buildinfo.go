// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
	Changelog = "" // commits since last release tag, semicolon-separated
)

// startTime records when the process started.
var startTime = time.Now()

// BuildInfo returns compile-time and platform metadata. This is the
// static information appropriate for "ksid version" output.
func BuildInfo() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

// RuntimeInfo returns build metadata plus runtime state (uptime, etc.).
func RuntimeInfo() map[string]string {
	info := BuildInfo()
	info["uptime"] = Uptime().String()
	return info
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("ksid %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}

// UserAgent returns an HTTP User-Agent string for outbound provider
// calls made by the completion queue.
func UserAgent() string {
	return fmt.Sprintf("ksid/%s (+https://github.com/ksi-run/ksid)", Version)
}

// versionStatus classifies the build as dev or release, used by CLI
// output that wants a human label rather than the raw version string.
func versionStatus() string {
	if Version == "dev" {
		return "dev"
	}
	if strings.HasSuffix(Version, "-dirty") {
		return "dev, dirty"
	}
	if strings.Contains(Version, "-") {
		return "dev"
	}
	return "release"
}

// Summary returns a compact multi-line build summary for "ksid version".
func Summary() string {
	line := fmt.Sprintf("%s (%s, %s) | %s@%s | built %s",
		Version, versionStatus(), runtime.GOARCH, GitCommit, GitBranch, BuildTime)
	if Changelog != "" {
		line += "\nChanges since last release: " + Changelog
	}
	return line
}
