// Package version holds build-time version information.
package version

import "runtime"

// These variables are set at build time via -ldflags.
var (
	// Version is the semantic version of the build.
	Version = "dev"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// GitCommit is the git commit hash of the build.
	GitCommit = "unknown"

	// GoVersion is the Go toolchain version used for the build.
	GoVersion = runtime.Version()
)
