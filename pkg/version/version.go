package version

import "fmt"

var (
	// Version is set at build time via -ldflags if desired.
	Version = "v0.0.0"
	// Commit is the git SHA if provided at build time.
	Commit = ""
)

// String renders the version with the short commit when one is present.
func String() string {
	if Commit == "" {
		return Version
	}
	c := Commit
	if len(c) > 8 {
		c = c[:8]
	}
	return fmt.Sprintf("%s (%s)", Version, c)
}
