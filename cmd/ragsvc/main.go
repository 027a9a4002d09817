// Package main provides the entry point for the ragsvc server.
package main

import (
	"os"

	"github.com/dyd1976jp/rag5-simplified-001/cmd/ragsvc/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
