// Command scanpilot plans, validates and supervises security tool scans.
package main

import "github.com/anstrom/scanpilot/cmd/cli"

// Build information, set through -ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
