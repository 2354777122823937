package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/teranos/cellsync/cmd/cellsync/commands"
	"github.com/teranos/cellsync/logger"
)

var rootCmd = &cobra.Command{
	Use:   "cellsync",
	Short: "cellsync - Merkle-tree sync for per-group message logs",
	Long: `cellsync - Merkle-tree sync for per-group message logs.

Every node keeps an append-only log of cell writes per group, stamped with a
hybrid logical clock. Peers compare Merkle roots over those logs and exchange
only the records the other side is missing.

Available commands:
  server - Run a node: accept sync sessions and sync with configured peers
  sync   - Run one sync pass against a peer
  put    - Write a cell value
  status - Show per-group Merkle roots and counts
  am     - Manage cellsync configuration ("I am")
  db     - Inspect the local database
  version

Examples:
  cellsync server -v                          # Run a node with info logging
  cellsync put --group g1 --dataset todos --row r1 --column title --value hi
  cellsync sync --peer ws://10.0.0.2:877      # Sync every local group once
  cellsync status --group g1                  # Show one group's root`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if cmd.Name() == "server" && verbosity == 0 {
			verbosity = logger.VerbosityInfo
		}
		logger.SetLevel(logger.VerbosityToLevel(verbosity))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.SyncCmd)
	rootCmd.AddCommand(commands.PutCmd)
	rootCmd.AddCommand(commands.DeleteCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
