package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chanflow/chanflow/graph"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a graph.Checkpointer backed by a single SQLite file,
// using the CGo-free modernc.org/sqlite driver. Designed for development,
// single-process workflows, and prototyping before migrating to MySQL.
//
// Uses WAL mode so readers never block on a writer.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if absent) a SQLite-backed checkpointer at
// path. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			step_number INTEGER NOT NULL,
			parent_checkpoint_id TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			executed_nodes TEXT NOT NULL DEFAULT '[]',
			tags TEXT NOT NULL DEFAULT '{}',
			channel_states TEXT NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			seq INTEGER
		)
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, seq)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_checkpoints_idempotency ON checkpoints(idempotency_key) WHERE idempotency_key != ''",
	} {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("sqlite store is closed")
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, data graph.CheckpointData) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	if data.CheckpointID == "" {
		return "", graph.CheckpointError("", "checkpoint data must carry a CheckpointID", nil)
	}

	if data.IdempotencyKey != "" {
		var existingID string
		err := s.db.QueryRowContext(ctx, `SELECT checkpoint_id FROM checkpoints WHERE idempotency_key = ?`, data.IdempotencyKey).Scan(&existingID)
		if err == nil {
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", graph.CheckpointError(data.CheckpointID, "failed to check idempotency key", err)
		}
	}

	statesJSON, err := json.Marshal(data.ChannelStates)
	if err != nil {
		return "", graph.CheckpointError(data.CheckpointID, "failed to marshal channel states", err)
	}
	nodesJSON, _ := json.Marshal(data.ExecutedNodes)
	tagsJSON, _ := json.Marshal(data.Tags)

	var seq sql.NullInt64
	err = s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM checkpoints WHERE thread_id = ?`, data.ThreadID).Scan(&seq)
	if err != nil && err != sql.ErrNoRows {
		return "", graph.CheckpointError(data.CheckpointID, "failed to compute sequence", err)
	}
	nextSeq := seq.Int64 + 1

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints
			(checkpoint_id, thread_id, step_number, parent_checkpoint_id, source, executed_nodes, tags, channel_states, idempotency_key, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		data.CheckpointID, data.ThreadID, data.StepNumber, data.ParentCheckpointID, data.Source,
		string(nodesJSON), string(tagsJSON), string(statesJSON), data.IdempotencyKey,
		data.CreatedAt.Format(time.RFC3339Nano), nextSeq,
	)
	if err != nil {
		return "", graph.CheckpointError(data.CheckpointID, "failed to insert checkpoint", err)
	}
	return data.CheckpointID, nil
}

func (s *SQLiteStore) scanRow(row *sql.Row) (graph.CheckpointData, error) {
	var (
		cd           graph.CheckpointData
		nodesJSON    string
		tagsJSON     string
		statesJSON   string
		createdAtStr string
	)
	err := row.Scan(
		&cd.CheckpointID, &cd.ThreadID, &cd.StepNumber, &cd.ParentCheckpointID, &cd.Source,
		&nodesJSON, &tagsJSON, &statesJSON, &cd.IdempotencyKey, &createdAtStr,
	)
	if err == sql.ErrNoRows {
		return graph.CheckpointData{}, ErrNotFound
	}
	if err != nil {
		return graph.CheckpointData{}, graph.CheckpointError("", "failed to scan checkpoint row", err)
	}
	_ = json.Unmarshal([]byte(nodesJSON), &cd.ExecutedNodes)
	_ = json.Unmarshal([]byte(tagsJSON), &cd.Tags)
	if err := json.Unmarshal([]byte(statesJSON), &cd.ChannelStates); err != nil {
		return graph.CheckpointData{}, graph.CheckpointError(cd.CheckpointID, "failed to unmarshal channel states", err)
	}
	cd.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	return cd, nil
}

func (s *SQLiteStore) Load(ctx context.Context, checkpointID string) (graph.CheckpointData, error) {
	if err := s.checkOpen(); err != nil {
		return graph.CheckpointData{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, thread_id, step_number, parent_checkpoint_id, source, executed_nodes, tags, channel_states, idempotency_key, created_at
		FROM checkpoints WHERE checkpoint_id = ?
	`, checkpointID)
	return s.scanRow(row)
}

func (s *SQLiteStore) LoadLatest(ctx context.Context, threadID string) (graph.CheckpointData, error) {
	if err := s.checkOpen(); err != nil {
		return graph.CheckpointData{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, thread_id, step_number, parent_checkpoint_id, source, executed_nodes, tags, channel_states, idempotency_key, created_at
		FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT 1
	`, threadID)
	return s.scanRow(row)
}

func (s *SQLiteStore) LoadByThread(ctx context.Context, threadID string) ([]graph.CheckpointData, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT checkpoint_id, thread_id, step_number, parent_checkpoint_id, source, executed_nodes, tags, channel_states, idempotency_key, created_at
		FROM checkpoints WHERE thread_id = ? ORDER BY seq ASC
	`, threadID)
	if err != nil {
		return nil, graph.CheckpointError("", "failed to query thread checkpoints", err)
	}
	defer func() { _ = rows.Close() }()

	var out []graph.CheckpointData
	for rows.Next() {
		var (
			cd           graph.CheckpointData
			nodesJSON    string
			tagsJSON     string
			statesJSON   string
			createdAtStr string
		)
		if err := rows.Scan(&cd.CheckpointID, &cd.ThreadID, &cd.StepNumber, &cd.ParentCheckpointID, &cd.Source,
			&nodesJSON, &tagsJSON, &statesJSON, &cd.IdempotencyKey, &createdAtStr); err != nil {
			return nil, graph.CheckpointError("", "failed to scan checkpoint row", err)
		}
		_ = json.Unmarshal([]byte(nodesJSON), &cd.ExecutedNodes)
		_ = json.Unmarshal([]byte(tagsJSON), &cd.Tags)
		_ = json.Unmarshal([]byte(statesJSON), &cd.ChannelStates)
		cd.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, cd)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) List(ctx context.Context, threadID string, limit int) ([]graph.CheckpointMetadata, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `
		SELECT checkpoint_id, thread_id, step_number, parent_checkpoint_id, source, executed_nodes, tags, created_at
		FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, graph.CheckpointError("", "failed to list checkpoints", err)
	}
	defer func() { _ = rows.Close() }()

	var out []graph.CheckpointMetadata
	for rows.Next() {
		var (
			md           graph.CheckpointMetadata
			nodesJSON    string
			tagsJSON     string
			createdAtStr string
		)
		if err := rows.Scan(&md.CheckpointID, &md.ThreadID, &md.StepNumber, &md.ParentCheckpointID, &md.Source, &nodesJSON, &tagsJSON, &createdAtStr); err != nil {
			return nil, graph.CheckpointError("", "failed to scan checkpoint metadata", err)
		}
		_ = json.Unmarshal([]byte(nodesJSON), &md.ExecutedNodes)
		_ = json.Unmarshal([]byte(tagsJSON), &md.Tags)
		md.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, md)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, checkpointID string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE checkpoint_id = ?`, checkpointID)
	if err != nil {
		return false, graph.CheckpointError(checkpointID, "failed to delete checkpoint", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) DeleteByThread(ctx context.Context, threadID string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID)
	if err != nil {
		return 0, graph.CheckpointError("", "failed to delete thread checkpoints", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Exists(ctx context.Context, checkpointID string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints WHERE checkpoint_id = ?`, checkpointID).Scan(&count)
	if err != nil {
		return false, graph.CheckpointError(checkpointID, "failed to check existence", err)
	}
	return count > 0, nil
}

// Close closes the underlying database connection. Safe to call more than
// once.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

var _ graph.Checkpointer = (*SQLiteStore)(nil)
