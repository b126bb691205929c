// Package main provides the entry point for the oracle CLI.
package main

import (
	"os"

	"github.com/oraclecore/oracle/cmd/oracle/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
