// Package version carries the build identity stamped into release
// binaries via -ldflags.
package version

import "fmt"

var (
	// Version is the release this binary reports. Populated by the build
	// system; the fallback tracks the latest tag for ad-hoc builds.
	Version = "v1.4.0"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)

// Human returns the one-line form printed by --version.
func Human(binary string) string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s)", binary, Version, Commit, Date)
}
