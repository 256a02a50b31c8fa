package main

import (
	"os"

	"github.com/marmos91/blockcdp/cmd/blockcdpctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
