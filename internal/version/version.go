// Package version holds the build-time version variables for the vfl binary.
// The zero values ("dev", "none", "unknown") are used for local builds and are
// replaced via -ldflags at release time.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns the formatted version string printed by vfl version.
func Info() string {
	return fmt.Sprintf(
		"vfl version %s\ncommit: %s\nbuilt: %s\n",
		Version,
		Commit,
		Date,
	)
}

// UserAgent is appended to every AWS SDK request so CloudTrail entries made by
// this tool can be told apart from console or CLI activity.
func UserAgent() string {
	return "vfl/" + Version
}
