// Package version holds build-time metadata, overridden via -ldflags.
package version

var (
	// Version is the semantic version or git tag of this build.
	Version = "dev"
	// Commit is the git commit SHA of this build.
	Commit = "unknown"
)
