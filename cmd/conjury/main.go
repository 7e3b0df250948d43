package main

import (
	"os"

	"github.com/conjury/conjury/cmd/conjury/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
