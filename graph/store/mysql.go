package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chanflow/chanflow/graph"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a graph.Checkpointer backed by MySQL/MariaDB. Designed for
// production deployments needing durable, multi-process checkpoint storage:
// distributed workers sharing a thread's checkpoint lineage, long-running
// graphs that survive process restarts, and audit trails.
//
// Uses a connection pool; callers provide their own DSN.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore opens a MySQL-backed checkpointer.
//
// The DSN format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Example:
//
//	store, err := NewMySQLStore("user:pass@tcp(127.0.0.1:3306)/chanflow?parseTime=true")
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id VARCHAR(255) PRIMARY KEY,
			thread_id VARCHAR(255) NOT NULL,
			step_number INT NOT NULL,
			parent_checkpoint_id VARCHAR(255) NOT NULL DEFAULT '',
			source VARCHAR(255) NOT NULL DEFAULT '',
			executed_nodes JSON NOT NULL,
			tags JSON NOT NULL,
			channel_states JSON NOT NULL,
			idempotency_key VARCHAR(255) NOT NULL DEFAULT '',
			created_at TIMESTAMP(6) NOT NULL,
			seq BIGINT NOT NULL,
			INDEX idx_checkpoints_thread (thread_id, seq),
			UNIQUE KEY uniq_idempotency (idempotency_key)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return nil
}

func (m *MySQLStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("mysql store is closed")
	}
	return nil
}

func (m *MySQLStore) Save(ctx context.Context, data graph.CheckpointData) (string, error) {
	if err := m.checkOpen(); err != nil {
		return "", err
	}
	if data.CheckpointID == "" {
		return "", graph.CheckpointError("", "checkpoint data must carry a CheckpointID", nil)
	}

	if data.IdempotencyKey != "" {
		var existingID string
		err := m.db.QueryRowContext(ctx, `SELECT checkpoint_id FROM checkpoints WHERE idempotency_key = ?`, data.IdempotencyKey).Scan(&existingID)
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
	err = m.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM checkpoints WHERE thread_id = ?`, data.ThreadID).Scan(&seq)
	if err != nil && err != sql.ErrNoRows {
		return "", graph.CheckpointError(data.CheckpointID, "failed to compute sequence", err)
	}
	nextSeq := seq.Int64 + 1

	idempotencyKey := data.IdempotencyKey
	if idempotencyKey == "" {
		// MySQL's unique key treats multiple rows of "" as duplicates under
		// some collations; give every checkpoint-without-a-key a distinct
		// placeholder so saves never collide on an empty key.
		idempotencyKey = "none:" + data.CheckpointID
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO checkpoints
			(checkpoint_id, thread_id, step_number, parent_checkpoint_id, source, executed_nodes, tags, channel_states, idempotency_key, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		data.CheckpointID, data.ThreadID, data.StepNumber, data.ParentCheckpointID, data.Source,
		string(nodesJSON), string(tagsJSON), string(statesJSON), idempotencyKey,
		data.CreatedAt.Format(time.RFC3339Nano), nextSeq,
	)
	if err != nil {
		return "", graph.CheckpointError(data.CheckpointID, "failed to insert checkpoint", err)
	}
	return data.CheckpointID, nil
}

func (m *MySQLStore) scanRow(row *sql.Row) (graph.CheckpointData, error) {
	var (
		cd             graph.CheckpointData
		nodesJSON      string
		tagsJSON       string
		statesJSON     string
		createdAtStr   string
		idempotencyKey string
	)
	err := row.Scan(
		&cd.CheckpointID, &cd.ThreadID, &cd.StepNumber, &cd.ParentCheckpointID, &cd.Source,
		&nodesJSON, &tagsJSON, &statesJSON, &idempotencyKey, &createdAtStr,
	)
	if err == sql.ErrNoRows {
		return graph.CheckpointData{}, ErrNotFound
	}
	if err != nil {
		return graph.CheckpointData{}, graph.CheckpointError("", "failed to scan checkpoint row", err)
	}
	cd.IdempotencyKey = stripPlaceholderKey(idempotencyKey)
	_ = json.Unmarshal([]byte(nodesJSON), &cd.ExecutedNodes)
	_ = json.Unmarshal([]byte(tagsJSON), &cd.Tags)
	if err := json.Unmarshal([]byte(statesJSON), &cd.ChannelStates); err != nil {
		return graph.CheckpointData{}, graph.CheckpointError(cd.CheckpointID, "failed to unmarshal channel states", err)
	}
	cd.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	return cd, nil
}

// stripPlaceholderKey undoes the "none:<id>" substitution Save applies to
// checkpoints that were not given a real idempotency key.
func stripPlaceholderKey(key string) string {
	const prefix = "none:"
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return ""
	}
	return key
}

func (m *MySQLStore) Load(ctx context.Context, checkpointID string) (graph.CheckpointData, error) {
	if err := m.checkOpen(); err != nil {
		return graph.CheckpointData{}, err
	}
	row := m.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, thread_id, step_number, parent_checkpoint_id, source, executed_nodes, tags, channel_states, idempotency_key, created_at
		FROM checkpoints WHERE checkpoint_id = ?
	`, checkpointID)
	return m.scanRow(row)
}

func (m *MySQLStore) LoadLatest(ctx context.Context, threadID string) (graph.CheckpointData, error) {
	if err := m.checkOpen(); err != nil {
		return graph.CheckpointData{}, err
	}
	row := m.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, thread_id, step_number, parent_checkpoint_id, source, executed_nodes, tags, channel_states, idempotency_key, created_at
		FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT 1
	`, threadID)
	return m.scanRow(row)
}

func (m *MySQLStore) LoadByThread(ctx context.Context, threadID string) ([]graph.CheckpointData, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, `
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
			cd             graph.CheckpointData
			nodesJSON      string
			tagsJSON       string
			statesJSON     string
			createdAtStr   string
			idempotencyKey string
		)
		if err := rows.Scan(&cd.CheckpointID, &cd.ThreadID, &cd.StepNumber, &cd.ParentCheckpointID, &cd.Source,
			&nodesJSON, &tagsJSON, &statesJSON, &idempotencyKey, &createdAtStr); err != nil {
			return nil, graph.CheckpointError("", "failed to scan checkpoint row", err)
		}
		cd.IdempotencyKey = stripPlaceholderKey(idempotencyKey)
		_ = json.Unmarshal([]byte(nodesJSON), &cd.ExecutedNodes)
		_ = json.Unmarshal([]byte(tagsJSON), &cd.Tags)
		_ = json.Unmarshal([]byte(statesJSON), &cd.ChannelStates)
		cd.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, cd)
	}
	return out, rows.Err()
}

func (m *MySQLStore) List(ctx context.Context, threadID string, limit int) ([]graph.CheckpointMetadata, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	query := `
		SELECT checkpoint_id, thread_id, step_number, parent_checkpoint_id, source, executed_nodes, tags, created_at
		FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := m.db.QueryContext(ctx, query, threadID)
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

func (m *MySQLStore) Delete(ctx context.Context, checkpointID string) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	res, err := m.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE checkpoint_id = ?`, checkpointID)
	if err != nil {
		return false, graph.CheckpointError(checkpointID, "failed to delete checkpoint", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (m *MySQLStore) DeleteByThread(ctx context.Context, threadID string) (int, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	res, err := m.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID)
	if err != nil {
		return 0, graph.CheckpointError("", "failed to delete thread checkpoints", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (m *MySQLStore) Exists(ctx context.Context, checkpointID string) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	var count int
	err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints WHERE checkpoint_id = ?`, checkpointID).Scan(&count)
	if err != nil {
		return false, graph.CheckpointError(checkpointID, "failed to check existence", err)
	}
	return count > 0, nil
}

// Close closes the underlying connection pool. Safe to call more than once.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}

// Stats returns connection pool statistics, useful for monitoring.
func (m *MySQLStore) Stats() sql.DBStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db.Stats()
}

var _ graph.Checkpointer = (*MySQLStore)(nil)
