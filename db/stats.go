package db

import (
	"context"
	"database/sql"

	"github.com/teranos/cellsync/errors"
)

// GroupStats summarizes one group's stored messages and checkpoint.
type GroupStats struct {
	GroupID    string
	Messages   int64
	MaxSeq     int64
	MerkleBase int64
	Checkpoint bool
}

// Stats reports per-group message counts alongside checkpoint positions.
func Stats(ctx context.Context, db *sql.DB) ([]GroupStats, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT m.group_id, COUNT(*), MAX(m.rowid),
		       COALESCE(mm.merkle_base, 0), mm.group_id IS NOT NULL
		FROM messages m
		LEFT JOIN messages_merkles mm ON mm.group_id = m.group_id
		GROUP BY m.group_id
		ORDER BY m.group_id`)
	if err != nil {
		if IsDatabaseClosed(err) {
			return nil, errors.Mark(errors.Wrap(err, "query stats"), ErrDatabaseClosed)
		}
		return nil, errors.Wrap(err, "query stats")
	}
	defer rows.Close()

	var out []GroupStats
	for rows.Next() {
		var s GroupStats
		if err := rows.Scan(&s.GroupID, &s.Messages, &s.MaxSeq, &s.MerkleBase, &s.Checkpoint); err != nil {
			return nil, errors.Wrap(err, "scan stats")
		}
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "iterate stats")
}
