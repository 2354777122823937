package store

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/cellsync/errors"
	"github.com/teranos/cellsync/hlc"
	"github.com/teranos/cellsync/record"
)

// SQLStore implements Store on the messages and messages_merkles tables.
// The rowid of messages is the log position.
type SQLStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps a migrated database.
func NewSQLStore(db *sql.DB, logger *zap.SugaredLogger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SQLStore{db: db, logger: logger}
}

// DB exposes the underlying handle for stats and shutdown.
func (s *SQLStore) DB() *sql.DB { return s.db }

const selectColumns = `rowid, timestamp, group_id, dataset, row, "column", value_type, value`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (int64, record.Record, error) {
	var (
		seq       int64
		ts        string
		r         record.Record
		valueType uint8
		payload   sql.NullString
	)
	if err := row.Scan(&seq, &ts, &r.GroupID, &r.Dataset, &r.Row, &r.Column, &valueType, &payload); err != nil {
		return 0, record.Record{}, err
	}

	var err error
	if r.Timestamp, err = hlc.Parse(ts); err != nil {
		return 0, record.Record{}, errors.Wrapf(err, "stored timestamp at seq %d", seq)
	}
	if r.Value, err = record.ParseValue(record.ValueType(valueType), payload.String); err != nil {
		return 0, record.Record{}, errors.Wrapf(err, "stored value at seq %d", seq)
	}
	return seq, r, nil
}

func payloadOf(v record.Value) sql.NullString {
	if v.IsNull() {
		return sql.NullString{}
	}
	return sql.NullString{String: v.Payload(), Valid: true}
}

func (s *SQLStore) Get(ctx context.Context, group string, key hlc.Timestamp) (record.Record, error) {
	_, r, err := s.get(ctx, s.db, group, key)
	return r, err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) get(ctx context.Context, q queryRower, group string, key hlc.Timestamp) (int64, record.Record, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM messages WHERE timestamp = ? AND group_id = ?`,
		key.String(), group)

	seq, r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, record.Record{}, errors.Wrapf(errors.ErrNotFound, "record %s in group %s", key, group)
	}
	if err != nil && !errors.Is(err, errors.ErrInvalidRequest) {
		return 0, record.Record{}, errors.WrapStore(err, "get record")
	}
	return seq, r, err
}

func (s *SQLStore) InsertIfAbsent(ctx context.Context, r record.Record) (bool, int64, error) {
	if err := r.Validate(); err != nil {
		return false, 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, errors.WrapStore(err, "begin insert")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (timestamp, group_id, dataset, row, "column", value_type, value)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp.String(), r.GroupID, r.Dataset, r.Row, r.Column, uint8(r.Value.Type()), payloadOf(r.Value))
	if err != nil {
		return false, 0, errors.WrapStore(err, "insert record")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, 0, errors.WrapStore(err, "insert record")
	}

	if affected == 1 {
		seq, err := res.LastInsertId()
		if err != nil {
			return false, 0, errors.WrapStore(err, "insert record")
		}
		if err := tx.Commit(); err != nil {
			return false, 0, errors.WrapStore(err, "commit record")
		}
		return true, seq, nil
	}

	seq, existing, err := s.get(ctx, tx, r.GroupID, r.Timestamp)
	if err != nil {
		return false, 0, err
	}
	if !existing.SameContent(r) {
		return false, seq, errors.Wrapf(errors.ErrConflict, "record %s in group %s already holds %s.%s.%s=%s",
			r.Timestamp, r.GroupID, existing.Dataset, existing.Row, existing.Column, existing.Value)
	}
	return false, seq, nil
}

func (s *SQLStore) ScanAfter(ctx context.Context, group string, base int64, fn func(int64, record.Record) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM messages WHERE group_id = ? AND rowid > ? ORDER BY rowid`,
		group, base)
	if err != nil {
		return errors.WrapStore(err, "scan records")
	}
	defer rows.Close()

	for rows.Next() {
		seq, r, err := scanRecord(rows)
		if err != nil {
			return errors.WrapStore(err, "scan record")
		}
		if err := fn(seq, r); err != nil {
			return err
		}
	}
	return errors.WrapStore(rows.Err(), "scan records")
}

func (s *SQLStore) Range(ctx context.Context, group string, from, to hlc.Timestamp) ([]record.Record, error) {
	query := `SELECT ` + selectColumns + ` FROM messages WHERE group_id = ? AND timestamp >= ?`
	args := []any{group, from.String()}
	if to != (hlc.Timestamp{}) {
		query += ` AND timestamp < ?`
		args = append(args, to.String())
	}
	query += ` ORDER BY timestamp`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapStore(err, "range records")
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		_, r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.WrapStore(err, "range record")
		}
		out = append(out, r)
	}
	return out, errors.WrapStore(rows.Err(), "range records")
}

func (s *SQLStore) MaxSeq(ctx context.Context, group string) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(rowid) FROM messages WHERE group_id = ?`, group).Scan(&seq); err != nil {
		return 0, errors.WrapStore(err, "max seq")
	}
	return seq.Int64, nil
}

func (s *SQLStore) Groups(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT group_id FROM messages ORDER BY group_id`)
	if err != nil {
		return nil, errors.WrapStore(err, "list groups")
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, errors.WrapStore(err, "scan group")
		}
		groups = append(groups, g)
	}
	return groups, errors.WrapStore(rows.Err(), "list groups")
}

func (s *SQLStore) LoadSnapshot(ctx context.Context, group string) (*Snapshot, error) {
	snap := Snapshot{GroupID: group}
	err := s.db.QueryRowContext(ctx,
		`SELECT merkle, merkle_base FROM messages_merkles WHERE group_id = ?`, group,
	).Scan(&snap.Merkle, &snap.MerkleBase)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapStore(err, "load snapshot")
	}
	return &snap, nil
}

func (s *SQLStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.GroupID == "" {
		return errors.NewInvalidRequestError("snapshot without group")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages_merkles (group_id, merkle, merkle_base, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(group_id) DO UPDATE SET
			merkle = excluded.merkle,
			merkle_base = excluded.merkle_base,
			updated_at = excluded.updated_at`,
		snap.GroupID, snap.Merkle, snap.MerkleBase)
	if err != nil {
		return errors.WrapStore(err, "save snapshot")
	}
	s.logger.Debugw("Saved snapshot", "group", snap.GroupID, "merkle_base", snap.MerkleBase, "bytes", len(snap.Merkle))
	return nil
}

// NodeID returns this replica's node id, creating and persisting one on
// first use.
func (s *SQLStore) NodeID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM node_meta WHERE key = 'node_id'`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", errors.WrapStore(err, "read node id")
	}

	id = hlc.NewNodeID()
	// A concurrent first start may win the insert; reread to agree on one id
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO node_meta (key, value) VALUES ('node_id', ?)`, id); err != nil {
		return "", errors.WrapStore(err, "store node id")
	}
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM node_meta WHERE key = 'node_id'`).Scan(&id); err != nil {
		return "", errors.WrapStore(err, "read node id")
	}
	s.logger.Infow("Generated node id", "node_id", id)
	return id, nil
}
