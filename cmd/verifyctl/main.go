package main

import (
	"os"

	"github.com/verisol/verify-api/cmd/verifyctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
