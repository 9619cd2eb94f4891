// Package main is the entry point for poolctl.
// poolctl is the terminal tool for managing work pools and submitting jobs.
package main

import (
	"os"

	"poolplane/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
