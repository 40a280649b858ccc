// Package main provides the entry point for the gsindex CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/gsindex/cmd/gsindex/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
