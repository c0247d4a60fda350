// Package main is the entry point for the Gatehouse decision service.
package main

import (
	"fmt"
	"os"
)

// Version information set at build time.
var (
	version = "0.1.0"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	cmd := NewRootCmd()
	cmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
