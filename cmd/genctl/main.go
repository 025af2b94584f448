package main

import (
	"fmt"
	"os"

	"genjob-orchestrator/cmd/genctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
