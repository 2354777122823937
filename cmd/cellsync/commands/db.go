package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/cellsync/am"
	"github.com/teranos/cellsync/db"
	"github.com/teranos/cellsync/errors"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect the local database",
	Long: `db: Inspect the local cellsync database

Examples:
  cellsync db stats                # Per-group message counts and checkpoints`,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-group message counts and checkpoint positions",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	ctx := background(cmd)
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	schema, err := db.SchemaVersion(ctx, database)
	if err != nil {
		return err
	}
	stats, err := db.Stats(ctx, database)
	if err != nil {
		return err
	}

	pterm.Info.Printf("Database: %s (schema %s)\n", cfg.GetDatabasePath(), schema)
	if len(stats) == 0 {
		pterm.Info.Println("No messages stored")
		return nil
	}

	data := pterm.TableData{{"Group", "Messages", "Max seq", "Merkle base", "Behind"}}
	var total int64
	for _, s := range stats {
		behind := "no checkpoint"
		if s.Checkpoint {
			behind = fmt.Sprint(s.MaxSeq - s.MerkleBase)
		}
		data = append(data, []string{s.GroupID, fmt.Sprint(s.Messages), fmt.Sprint(s.MaxSeq), fmt.Sprint(s.MerkleBase), behind})
		total += s.Messages
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	pterm.Info.Printf("%d messages in %d groups\n", total, len(stats))
	return nil
}
