// Package main provides the entry point for the adw CLI.
package main

import (
	"os"

	"github.com/randalmurphal/adw/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
