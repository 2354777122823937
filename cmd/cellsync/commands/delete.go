package commands

import (
	"github.com/spf13/cobra"

	"github.com/teranos/cellsync/record"
)

// DeleteCmd marks a row deleted
var DeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Mark a row deleted",
	Long: `Mark a row deleted by writing its tombstone cell (column "tombstone",
value 1). The tombstone replicates like any other write; earlier cells of
the row stay in the log.

Examples:
  cellsync delete --group g1 --dataset todos --row r1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeCells(background(cmd), deleteLocal, []record.Record{record.Tombstone(deleteGroup, deleteDataset, deleteRow)})
	},
}

var (
	deleteGroup   string
	deleteDataset string
	deleteRow     string
	deleteLocal   bool
)

func init() {
	DeleteCmd.Flags().StringVarP(&deleteGroup, "group", "g", "", "Group id")
	DeleteCmd.Flags().StringVar(&deleteDataset, "dataset", "", "Dataset name")
	DeleteCmd.Flags().StringVar(&deleteRow, "row", "", "Row id")
	DeleteCmd.Flags().BoolVar(&deleteLocal, "local", false, "Write the database directly instead of the running server")
	for _, f := range []string{"group", "dataset", "row"} {
		_ = DeleteCmd.MarkFlagRequired(f)
	}
}
