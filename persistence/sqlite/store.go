package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sankem/flowtx/model"
	"github.com/sankem/flowtx/persistence"
)

var _ persistence.Storage = (*sqliteStorage)(nil)

type sqliteStorage struct {
	db *sql.DB
}

// NewSqliteStorage opens (or creates) the database at path and initializes
// the schema.
func NewSqliteStorage(path string) (*sqliteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	s := &sqliteStorage{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStorage) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS transactions (
			tx_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			external_id TEXT,
			tx_type TEXT NOT NULL,
			status TEXT NOT NULL,
			node_group TEXT,
			output TEXT,
			progress TEXT,
			completion_time INTEGER,
			sequence_of_update INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			state BLOB
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status, updated_at);
		CREATE INDEX IF NOT EXISTS idx_transactions_owner_ext ON transactions(owner, external_id);`,
	)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *sqliteStorage) InsertOrUpdate(ctx context.Context, rec persistence.Record, state []byte) error {
	output, err := marshalMap(rec.Output)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	progress, err := marshalMap(rec.Progress)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (tx_id, owner, external_id, tx_type, status, node_group, output, progress, completion_time, sequence_of_update, updated_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tx_id) DO UPDATE SET
			status = excluded.status,
			output = excluded.output,
			progress = excluded.progress,
			completion_time = excluded.completion_time,
			sequence_of_update = excluded.sequence_of_update,
			updated_at = excluded.updated_at,
			state = excluded.state`,
		rec.TxId,
		rec.Owner,
		rec.ExternalId,
		rec.Type,
		string(rec.Status),
		rec.NodeGroup,
		output,
		progress,
		rec.CompletionTime.UnixMilli(),
		rec.SequenceOfUpdate,
		time.Now().UnixMilli(),
		state,
	)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *sqliteStorage) SelectByTxId(ctx context.Context, txId string) (*persistence.Record, []byte, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tx_id, owner, external_id, tx_type, status, node_group, output, progress, completion_time, sequence_of_update, updated_at, state
		FROM transactions WHERE tx_id = ?`, txId)
	rec, state, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, persistence.ErrNotFound
		}
		return nil, nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return rec, state, nil
}

func (s *sqliteStorage) SelectByOwnerAndExternalId(ctx context.Context, owner string, externalId string) (*persistence.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tx_id, owner, external_id, tx_type, status, node_group, output, progress, completion_time, sequence_of_update, updated_at, state
		FROM transactions WHERE owner = ? AND external_id = ?
		ORDER BY updated_at DESC LIMIT 1`, owner, externalId)
	rec, _, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return rec, nil
}

func (s *sqliteStorage) List(ctx context.Context, filter persistence.ListFilter) ([]persistence.Record, error) {
	query := `
		SELECT tx_id, owner, external_id, tx_type, status, node_group, output, progress, completion_time, sequence_of_update, updated_at, state
		FROM transactions WHERE 1=1`
	args := make([]any, 0, 5)
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Owner != "" {
		query += " AND owner = ?"
		args = append(args, filter.Owner)
	}
	if !filter.Since.IsZero() {
		query += " AND updated_at >= ?"
		args = append(args, filter.Since.UnixMilli())
	}
	if !filter.Until.IsZero() {
		query += " AND updated_at <= ?"
		args = append(args, filter.Until.UnixMilli())
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	defer rows.Close()
	var result []persistence.Record
	for rows.Next() {
		rec, _, err := scanRecord(rows)
		if err != nil {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		result = append(result, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return result, nil
}

func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func marshalMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalMap(col sql.NullString) (map[string]any, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(col.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func scanRecord(row scanner) (*persistence.Record, []byte, error) {
	var rec persistence.Record
	var status string
	var externalId sql.NullString
	var nodeGroup sql.NullString
	var output sql.NullString
	var progress sql.NullString
	var completionMillis sql.NullInt64
	var updatedMillis int64
	var state []byte
	err := row.Scan(&rec.TxId, &rec.Owner, &externalId, &rec.Type, &status, &nodeGroup, &output, &progress, &completionMillis, &rec.SequenceOfUpdate, &updatedMillis, &state)
	if err != nil {
		return nil, nil, err
	}
	rec.ExternalId = externalId.String
	rec.NodeGroup = nodeGroup.String
	rec.Status = model.Status(status)
	if rec.Output, err = unmarshalMap(output); err != nil {
		return nil, nil, err
	}
	if rec.Progress, err = unmarshalMap(progress); err != nil {
		return nil, nil, err
	}
	if completionMillis.Valid && completionMillis.Int64 > 0 {
		rec.CompletionTime = time.UnixMilli(completionMillis.Int64)
	}
	rec.UpdatedAt = time.UnixMilli(updatedMillis)
	return &rec, state, nil
}
