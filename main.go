package main

import (
	"os"

	"github.com/revulnera/revulnera/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
