// Kibanda runs a chat assistant whose every turn executes inside a
// sandboxed agent, one isolated workspace per room.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kibanda",
	Short: "Kibanda runs a chat assistant inside per-room sandboxes.",
	Long: `Kibanda routes chat messages from rooms to a sandboxed agent. Each room
gets its own workspace, session and IPC channel; agents schedule tasks and
message rooms through files, and the host decides what they may do.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, mountsCmd, tasksCmd, roomsCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
