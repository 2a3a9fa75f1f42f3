// Package version provides the FerrisDB version string.
// The version is set at build time via -ldflags.
package version

// Version is the current FerrisDB version.
// Override at build time: go build -ldflags "-X github.com/ferrisdb/ferrisdb/internal/version.Version=0.2.0"
var Version = "0.1.0"

// BuildTime is the build timestamp.
// Override at build time: go build -ldflags "-X github.com/ferrisdb/ferrisdb/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var BuildTime = "unknown"
