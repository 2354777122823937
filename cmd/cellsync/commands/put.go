package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/cellsync/am"
	"github.com/teranos/cellsync/errors"
	"github.com/teranos/cellsync/record"
)

// PutCmd writes cell values
var PutCmd = &cobra.Command{
	Use:   "put",
	Short: "Write cell values",
	Long: `Write cell values, each stamped with this node's hybrid logical clock.

The write goes through the local server when one is running, so its indexes
stay current. With --local, or when no server answers, the database is
written directly.

Several columns of one row are written with repeated --set flags, each as
its own record. A column may name its type as column:type=value; otherwise
--type applies. --row-auto generates a random row id, which inserts a new row.

Examples:
  cellsync put --group g1 --dataset todos --row r1 --column title --value "buy milk"
  cellsync put --group g1 --dataset todos --row r1 --column done --value true --type bool
  cellsync put --group g1 --dataset todos --row-auto --set title="buy milk" --set done:bool=false`,
	RunE: runPut,
}

var (
	putGroup   string
	putDataset string
	putRow     string
	putRowAuto bool
	putColumn  string
	putValue   string
	putType    string
	putSets    []string
	putLocal   bool
)

func init() {
	PutCmd.Flags().StringVarP(&putGroup, "group", "g", "", "Group id")
	PutCmd.Flags().StringVar(&putDataset, "dataset", "", "Dataset name")
	PutCmd.Flags().StringVar(&putRow, "row", "", "Row id")
	PutCmd.Flags().BoolVar(&putRowAuto, "row-auto", false, "Generate a random row id")
	PutCmd.Flags().StringVar(&putColumn, "column", "", "Column name")
	PutCmd.Flags().StringVar(&putValue, "value", "", "Value payload")
	PutCmd.Flags().StringVar(&putType, "type", "string", "Value type: string, number, bool or null")
	PutCmd.Flags().StringArrayVar(&putSets, "set", nil, "Column assignment column[:type]=value (repeatable)")
	PutCmd.Flags().BoolVar(&putLocal, "local", false, "Write the database directly instead of the running server")
	_ = PutCmd.MarkFlagRequired("group")
	_ = PutCmd.MarkFlagRequired("dataset")
	PutCmd.MarkFlagsOneRequired("row", "row-auto")
	PutCmd.MarkFlagsMutuallyExclusive("row", "row-auto")
	PutCmd.MarkFlagsOneRequired("column", "set")
	PutCmd.MarkFlagsMutuallyExclusive("column", "set")
}

func runPut(cmd *cobra.Command, args []string) error {
	row := putRow
	if putRowAuto {
		row = uuid.NewString()
	}
	cells, err := buildCells(putGroup, putDataset, row, putColumn, putValue, putType, putSets)
	if err != nil {
		return err
	}
	return writeCells(background(cmd), putLocal, cells)
}

// buildCells returns the unstamped records for one row. Without sets it is
// the single column/value pair.
func buildCells(group, dataset, row, column, payload, typeName string, sets []string) ([]record.Record, error) {
	defType, err := record.ParseValueType(typeName)
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		value, err := record.ParseValue(defType, payload)
		if err != nil {
			return nil, err
		}
		return []record.Record{{GroupID: group, Dataset: dataset, Row: row, Column: column, Value: value}}, nil
	}

	cells := make([]record.Record, 0, len(sets))
	seen := make(map[string]bool, len(sets))
	for _, set := range sets {
		name, payload, ok := strings.Cut(set, "=")
		if !ok {
			return nil, errors.NewInvalidRequestError("--set %q: want column=value", set)
		}
		typ := defType
		if col, t, typed := strings.Cut(name, ":"); typed {
			if typ, err = record.ParseValueType(t); err != nil {
				return nil, errors.Wrapf(err, "--set %q", set)
			}
			name = col
		}
		if name == "" {
			return nil, errors.NewInvalidRequestError("--set %q: empty column", set)
		}
		if seen[name] {
			return nil, errors.NewInvalidRequestError("--set: column %s given twice", name)
		}
		seen[name] = true

		value, err := record.ParseValue(typ, payload)
		if err != nil {
			return nil, errors.Wrapf(err, "--set %q", set)
		}
		cells = append(cells, record.Record{GroupID: group, Dataset: dataset, Row: row, Column: name, Value: value})
	}
	return cells, nil
}

// writeCells stores cells in order, through the server unless local is set
// or no server answers.
func writeCells(ctx context.Context, local bool, cells []record.Record) error {
	port := 0
	if !local {
		cfg, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load configuration")
		}
		port = cfg.GetServerPort()
	}

	var n *node
	defer func() {
		if n != nil {
			n.Close()
		}
	}()
	for _, rec := range cells {
		if !local {
			stored, err := putViaServer(ctx, port, rec)
			if err == nil {
				printPut(stored, "server")
				continue
			}
			if !errors.Is(err, errServerDown) {
				return err
			}
			local = true
		}

		if n == nil {
			var err error
			if n, err = openNode(ctx); err != nil {
				return err
			}
		}
		stored, err := n.coord.Put(ctx, rec)
		if err != nil {
			return err
		}
		printPut(stored, "local")
	}
	return nil
}

var errServerDown = errors.New("no server answering")

// putViaServer posts rec to the node's own HTTP API. Failing to connect
// is reported as errServerDown so the caller can write locally.
func putViaServer(ctx context.Context, port int, rec record.Record) (record.Record, error) {
	body, err := json.Marshal(struct {
		GroupID string       `json:"group_id"`
		Dataset string       `json:"dataset"`
		Row     string       `json:"row"`
		Column  string       `json:"column"`
		Value   record.Value `json:"value"`
	}{rec.GroupID, rec.Dataset, rec.Row, rec.Column, rec.Value})
	if err != nil {
		return rec, errors.Wrap(err, "encode record")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	url := fmt.Sprintf("http://localhost:%d/api/messages", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return rec, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return rec, errors.Mark(errors.Wrap(err, url), errServerDown)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return rec, errors.Newf("server rejected write (HTTP %d): %s", resp.StatusCode, e.Error)
	}
	var stored record.Record
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return rec, errors.Wrap(err, "decode response")
	}
	return stored, nil
}

func printPut(r record.Record, via string) {
	pterm.Success.Printf("%s/%s/%s.%s = %s\n", r.GroupID, r.Dataset, r.Row, r.Column, r.Value)
	pterm.Info.Printf("Key %s (%s)\n", r.Timestamp, via)
}
