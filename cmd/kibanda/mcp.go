package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kibanda/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the room's IPC tools over MCP stdio (run inside the sandbox)",
	Long: `Runs an MCP server on stdin/stdout for the agent inside a sandbox.
Tool calls become request files in the room's IPC directory
(KIBANDA_IPC_DIR) and return once the host has answered.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		// stdout carries the protocol; logs go to stderr.
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

		cfg := mcpserver.ConfigFromEnv()
		cfg.Version = version
		srv, err := mcpserver.New(cfg, logger)
		if err != nil {
			return err
		}
		return srv.ServeStdio()
	},
}
