package main

import (
	"os"

	"github.com/stratadb/strata/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
