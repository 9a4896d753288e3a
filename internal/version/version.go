// Package version provides build-time version information.
package version

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String returns "version (commit)" for log and CLI output.
func String() string {
	return Version + " (" + Commit + ")"
}
