package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/cellsync/am"
	"github.com/teranos/cellsync/logger"
	"github.com/teranos/cellsync/server"
	"github.com/teranos/cellsync/version"
)

// ServerCmd runs a cellsync node
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   "Run a cellsync node",
	Long: `Run a cellsync node.

The node accepts sync sessions on /ws/sync, takes local writes on
/api/messages and, when sync.interval_seconds is above zero, syncs every
configured peer on that interval. Changes to the highest-precedence config
file reload peers and groups without a restart.`,
	RunE: runServer,
}

var serverPort int

func init() {
	ServerCmd.Flags().IntVarP(&serverPort, "port", "p", 0, "Listen port (overrides server.port)")
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := openNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close()

	port := n.cfg.GetServerPort()
	if serverPort != 0 {
		port = serverPort
	}

	opts := []server.Option{server.WithLogger(logger.Named("server"))}
	if files := am.ActiveConfigFiles(); len(files) > 0 {
		watched := files[len(files)-1]
		watcher, err := am.NewConfigWatcher(watched)
		if err != nil {
			logger.Logger.Warnw("Config reload disabled", "path", watched, logger.FieldError, err)
		} else {
			am.SetGlobalWatcher(watcher)
			opts = append(opts, server.WithConfigWatcher(watcher))
		}
	}

	printStartupBanner(n, port)
	srv := server.New(n.coord, n.clock, n.cfg, opts...)
	return srv.Start(ctx, port)
}

func printStartupBanner(n *node, port int) {
	info := version.Get()
	pterm.DefaultHeader.WithFullWidth().Printf("cellsync %s", info.Version)
	pterm.Println()
	pterm.Info.Printf("Name:     %s\n", n.coord.Config().Name)
	pterm.Info.Printf("Node:     %s\n", n.clock.Node())
	pterm.Info.Printf("Database: %s\n", n.cfg.GetDatabasePath())
	pterm.Info.Printf("Listen:   :%d (protocol %s)\n", port, info.Protocol)
	if len(n.cfg.Sync.Peers) == 0 {
		pterm.Warning.Println("No peers configured; this node only answers inbound sessions")
	} else {
		pterm.Info.Printf("Peers:    %d, every %s\n", len(n.cfg.Sync.Peers), n.cfg.SyncInterval())
	}
	pterm.Println()
}

// background is the context for commands that do not wait on signals.
func background(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
