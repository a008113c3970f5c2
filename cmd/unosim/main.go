// UnoSim — sandboxed Arduino UNO sketch execution over WebSocket.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "unosim",
	Short: "UnoSim — sandboxed Arduino UNO sketch runtime.",
	Long: `UnoSim compiles Arduino sketches against a mock UNO hardware layer,
runs them in an isolated sandbox, and streams pin state and baud-paced
serial output to browser clients over WebSocket.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
