package version

import "fmt"

// Set via -ldflags "-X github.com/ongoingai/llmtrace/internal/version.Version=...".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, Date)
}
