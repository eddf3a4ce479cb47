// Command goingest ingests agency response files.
package main

import (
	"fmt"
	"os"

	"github.com/3leaps/goingest/internal/cmd"
	"github.com/3leaps/goingest/internal/observability"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	if err := cmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		observability.Sync()
		os.Exit(cmd.ExitCode(err))
	}
}
