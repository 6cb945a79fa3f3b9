// Package main provides the entry point for the viberag CLI.
package main

import (
	"os"

	"github.com/viberag/viberag/cmd/viberag-daemon/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
