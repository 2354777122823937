package commands

import (
	"context"
	"database/sql"

	"github.com/teranos/cellsync/am"
	"github.com/teranos/cellsync/db"
	"github.com/teranos/cellsync/errors"
	"github.com/teranos/cellsync/hlc"
	"github.com/teranos/cellsync/logger"
	"github.com/teranos/cellsync/store"
	"github.com/teranos/cellsync/sync"
)

// node is everything a command needs to read or write the local replica.
type node struct {
	cfg   *am.Config
	db    *sql.DB
	store *store.SQLStore
	clock *hlc.Clock
	coord *sync.Coordinator
}

func (n *node) Close() error {
	return n.db.Close()
}

// openNode loads and validates configuration, opens the database and
// builds a coordinator on top of it. The node id comes from sync.node_id
// when set, otherwise from the id persisted in the database.
func openNode(ctx context.Context) (*node, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return nil, err
	}

	st := store.NewSQLStore(database, logger.Named("store"))
	nodeID := cfg.Sync.NodeID
	if nodeID == "" {
		if nodeID, err = st.NodeID(ctx); err != nil {
			database.Close()
			return nil, errors.Wrap(err, "failed to read node id")
		}
	}
	clock := hlc.NewClock(nodeID)

	syncCfg, err := cfg.CoordinatorConfig()
	if err != nil {
		database.Close()
		return nil, err
	}
	coord, err := sync.NewCoordinator(st, clock,
		sync.WithConfig(syncCfg),
		sync.WithLogger(logger.Named("sync")),
	)
	if err != nil {
		database.Close()
		return nil, errors.Wrap(err, "failed to create coordinator")
	}

	return &node{cfg: cfg, db: database, store: st, clock: clock, coord: coord}, nil
}

// openDatabase opens the database at path and applies pending migrations.
func openDatabase(path string) (*sql.DB, error) {
	database, err := db.OpenWithMigrations(path, logger.Named("db"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %s", path)
	}
	return database, nil
}
