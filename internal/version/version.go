// Package version holds build-time identity, overridable via -ldflags.
package version

var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)
