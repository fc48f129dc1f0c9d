// Package history is an optional append-only archive of terminal
// executions and decided proposals. It is write-only during operation and
// never consulted for recovery; scheduler state stays in memory.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/taskmesh/taskmesh/internal/consensus"
	"github.com/taskmesh/taskmesh/internal/task"
	_ "modernc.org/sqlite"
)

// Store archives terminal records for later inspection.
type Store interface {
	ArchiveExecution(ctx context.Context, exec *task.Execution) error
	ArchiveProposal(ctx context.Context, snap consensus.ProposalSnapshot) error
	ListExecutions(ctx context.Context, limit int) ([]ExecutionRow, error)
	Close() error
}

// ExecutionRow is one archived execution.
type ExecutionRow struct {
	ExecutionID string
	TaskID      string
	AgentID     string
	Status      string
	Attempt     int
	Error       string
	StartedAt   string
	EndedAt     string
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the archive at dbPath. Parent
// directories are created as needed; WAL mode and a busy timeout keep the
// writer from stalling the sweeps.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing archive schema: %w", err)
	}
	return store, nil
}

// NewMemoryStore creates an in-memory archive for tests. The shared cache
// lets multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("opening memory archive: %w", err)
	}
	// A single connection keeps the shared-cache in-memory DB alive.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing archive schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		execution_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		agent_id TEXT,
		status TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		error TEXT,
		output TEXT,
		started_at DATETIME,
		ended_at DATETIME,
		archived_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_executions_task_id ON executions(task_id);

	CREATE TABLE IF NOT EXISTS proposals (
		proposal_id TEXT PRIMARY KEY,
		proposer TEXT NOT NULL,
		type TEXT NOT NULL,
		rule TEXT NOT NULL,
		status TEXT NOT NULL,
		yes_votes INTEGER NOT NULL,
		no_votes INTEGER NOT NULL,
		created_at DATETIME,
		decided_at DATETIME,
		archived_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// ArchiveExecution appends one terminal execution. Idempotent on
// execution ID.
func (s *SQLiteStore) ArchiveExecution(ctx context.Context, exec *task.Execution) error {
	output := ""
	if exec.Output != nil {
		if b, err := json.Marshal(exec.Output); err == nil {
			output = string(b)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (execution_id, task_id, agent_id, status, attempt, error, output, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO NOTHING
	`, exec.ID, exec.TaskID, exec.AgentID, string(exec.Status), exec.Attempt, exec.Error, output, exec.StartedAt, exec.EndedAt)
	if err != nil {
		return fmt.Errorf("archiving execution %s: %w", exec.ID, err)
	}
	return nil
}

// ArchiveProposal appends one decided proposal. Idempotent on proposal ID.
func (s *SQLiteStore) ArchiveProposal(ctx context.Context, snap consensus.ProposalSnapshot) error {
	yes, no := 0, 0
	for _, v := range snap.Votes {
		if v {
			yes++
		} else {
			no++
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposals (proposal_id, proposer, type, rule, status, yes_votes, no_votes, created_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(proposal_id) DO NOTHING
	`, snap.ID, snap.Proposer, snap.Type, string(snap.Rule), string(snap.Status), yes, no, snap.CreatedAt, snap.DecidedAt)
	if err != nil {
		return fmt.Errorf("archiving proposal %s: %w", snap.ID, err)
	}
	return nil
}

// ListExecutions returns the most recently archived executions.
func (s *SQLiteStore) ListExecutions(ctx context.Context, limit int) ([]ExecutionRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, task_id, COALESCE(agent_id, ''), status, attempt, COALESCE(error, ''),
		       COALESCE(started_at, ''), COALESCE(ended_at, '')
		FROM executions
		ORDER BY archived_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRow
	for rows.Next() {
		var r ExecutionRow
		if err := rows.Scan(&r.ExecutionID, &r.TaskID, &r.AgentID, &r.Status, &r.Attempt, &r.Error, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
