package main

import (
	"os"

	"github.com/marmos91/blockcdp/cmd/blockcdpd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
