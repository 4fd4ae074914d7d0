package main

import (
	"os"

	"github.com/nemordp/nemordp/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
