package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/cellsync/errors"
	"github.com/teranos/cellsync/server"
	"github.com/teranos/cellsync/sync"
)

// SyncCmd runs one sync pass as initiator
var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync with a peer once",
	Long: `Run one sync pass against a peer and exit.

--peer takes a configured peer name or a URL. Without --group every group in
sync.groups is synced, or every local group when that list is empty.

Examples:
  cellsync sync --peer laptop
  cellsync sync --peer ws://10.0.0.2:877 --group g1 --group g2`,
	RunE: runSync,
}

var (
	syncPeer   string
	syncGroups []string
)

func init() {
	SyncCmd.Flags().StringVar(&syncPeer, "peer", "", "Peer name from sync.peers, or a peer URL")
	SyncCmd.Flags().StringSliceVarP(&syncGroups, "group", "g", nil, "Group to sync (repeatable)")
	_ = SyncCmd.MarkFlagRequired("peer")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(background(cmd), os.Interrupt)
	defer stop()

	n, err := openNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close()

	name, url, err := resolvePeer(n.cfg.Sync.Peers, syncPeer)
	if err != nil {
		return err
	}

	groups := syncGroups
	if len(groups) == 0 {
		groups = n.cfg.Sync.Groups
	}
	if len(groups) == 0 {
		if groups, err = n.coord.Groups(ctx); err != nil {
			return err
		}
	}
	if len(groups) == 0 {
		pterm.Info.Println("No groups to sync")
		return nil
	}

	dial := func(ctx context.Context) (sync.Conn, error) { return server.Dial(ctx, nil, url) }
	reports := n.coord.SyncAll(ctx, name, dial, groups)
	printReports(reports)

	var failed int
	for _, r := range reports {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return errors.Newf("%d of %d groups failed to sync with %s", failed, len(reports), name)
	}
	return nil
}

// resolvePeer accepts a configured peer name or a URL. Viper lowercases
// map keys, so names are matched case-insensitively.
func resolvePeer(peers map[string]string, peer string) (name, url string, err error) {
	if strings.Contains(peer, "://") {
		return peer, peer, nil
	}
	name = strings.ToLower(peer)
	if url, ok := peers[name]; ok {
		return name, url, nil
	}
	return "", "", errors.NewInvalidRequestError("unknown peer %q", peer)
}

func printReports(reports []*sync.Report) {
	data := pterm.TableData{{"Group", "State", "Sent", "Received", "Round-trips", "Duration", "Error"}}
	for _, r := range reports {
		data = append(data, []string{
			r.Group,
			r.State.String(),
			fmt.Sprint(r.Sent),
			fmt.Sprint(r.Received),
			fmt.Sprint(r.RoundTrips),
			r.Duration.Round(time.Millisecond).String(),
			r.Error,
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	for _, r := range reports {
		for _, c := range r.Conflicts {
			pterm.Warning.Printf("%s: %v\n", r.Group, c)
		}
		for _, s := range r.Skipped {
			pterm.Warning.Printf("%s: skipped %s: %v\n", r.Group, s.Key, s.Err)
		}
	}
}
