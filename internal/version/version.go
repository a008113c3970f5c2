// Package version holds build-time version metadata, overridable via
// -ldflags at release build.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "2026-08-30"
)

// String returns the full human-readable version line.
func String() string {
	return fmt.Sprintf("unosim %s (commit: %s, built: %s)", Version, Commit, Date)
}
