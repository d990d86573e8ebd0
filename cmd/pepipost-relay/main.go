/*
Package main provides the CLI entry point for pepipost-relay.
*/
package main

import (
	"os"

	"github.com/shineum/pepipost-relay/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
