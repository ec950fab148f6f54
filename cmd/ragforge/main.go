// Package main provides the entry point for the ragforge CLI.
package main

import (
	"os"

	"github.com/ragforge/ragforge/cmd/ragforge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
