// Package main provides the entry point for the opensprint CLI.
package main

import (
	"os"

	"github.com/opensprint/opensprint/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
