// Package main is the entry point for the fragcache server.
package main

import (
	"os"

	"github.com/jmylchreest/fragcache/cmd/fragcache/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
