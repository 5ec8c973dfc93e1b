package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "vigilance",
		Short: "VigilanceAI driver wellness backend",
		Long: `VigilanceAI - driver wellness monitoring backend.

Commands:
  serve     Run the monitor with the HTTP/WebSocket API
  simulate  Print simulated snapshots and evaluator verdicts as JSON lines`,
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(simulateCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
