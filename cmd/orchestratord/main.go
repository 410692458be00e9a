package main

import (
	"os"

	"github.com/vibe-kanban/orchestrator/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
