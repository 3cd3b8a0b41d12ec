package main

import (
	"fmt"
	"os"

	"bubbles/internal/agent"
)

func main() {
	cmd := agent.NewCommand()

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
