package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"propwatch/internal/domain"
)

// SQLiteStore keeps actions and runs in a SQLite database. Records are
// stored as JSON bodies with the columns needed for ordering and lookups.
type SQLiteStore struct {
	db      *sql.DB
	maxRuns int
}

// NewSQLiteStore opens (or creates) the database at dbPath and migrates it.
func NewSQLiteStore(dbPath string, maxRuns int) (*SQLiteStore, error) {
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// One writer keeps SQLITE_BUSY away and makes ":memory:" a single database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}
	return &SQLiteStore{db: db, maxRuns: maxRuns}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS actions (
			id         TEXT PRIMARY KEY,
			case_key   TEXT NOT NULL,
			status     TEXT NOT NULL,
			agent_id   TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			body       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS actions_case ON actions (case_key, status);
		CREATE TABLE IF NOT EXISTS runs (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT NOT NULL UNIQUE,
			agent_id   TEXT NOT NULL,
			status     TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			body       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS runs_agent ON runs (agent_id, started_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveAction(ctx context.Context, a *domain.QueuedAction) error {
	if a == nil || a.ID == "" {
		return domain.NewDomainError("SQLiteStore.SaveAction", domain.ErrInvalidInput, "action id is required")
	}
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO actions (id, case_key, status, agent_id, created_at, updated_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			case_key = excluded.case_key,
			status = excluded.status,
			agent_id = excluded.agent_id,
			updated_at = excluded.updated_at,
			body = excluded.body`,
		a.ID, a.CaseKey, string(a.Status), a.SourceAgentID,
		a.CreatedAt.UnixNano(), a.UpdatedAt.UnixNano(), string(body),
	)
	if err != nil {
		return domain.WrapOp("SQLiteStore.SaveAction", err)
	}
	return nil
}

func (s *SQLiteStore) ListActions(ctx context.Context) ([]*domain.QueuedAction, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT body FROM actions ORDER BY created_at, id")
	if err != nil {
		return nil, domain.WrapOp("SQLiteStore.ListActions", err)
	}
	defer rows.Close()

	var out []*domain.QueuedAction
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var a domain.QueuedAction
		if err := json.Unmarshal([]byte(body), &a); err != nil {
			return nil, fmt.Errorf("unmarshal action: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendRun(ctx context.Context, r *domain.RunResult) error {
	if r == nil {
		return domain.NewDomainError("SQLiteStore.AppendRun", domain.ErrInvalidInput, "run is nil")
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapOp("SQLiteStore.AppendRun", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO runs (run_id, agent_id, status, started_at, body) VALUES (?, ?, ?, ?, ?)",
		r.RunID, r.AgentID, string(r.Status), r.StartedAt.UnixNano(), string(body),
	); err != nil {
		return domain.WrapOp("SQLiteStore.AppendRun", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM runs WHERE agent_id = ? AND seq NOT IN (
			SELECT seq FROM runs WHERE agent_id = ? ORDER BY seq DESC LIMIT ?
		)`, r.AgentID, r.AgentID, s.maxRuns,
	); err != nil {
		return domain.WrapOp("SQLiteStore.AppendRun", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListRuns(ctx context.Context, agentID string, limit int) ([]*domain.RunResult, error) {
	if limit <= 0 {
		limit = -1
	}
	query := "SELECT body FROM runs ORDER BY started_at DESC, run_id DESC LIMIT ?"
	args := []any{limit}
	if agentID != "" {
		query = "SELECT body FROM runs WHERE agent_id = ? ORDER BY started_at DESC, run_id DESC LIMIT ?"
		args = []any{agentID, limit}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.WrapOp("SQLiteStore.ListRuns", err)
	}
	defer rows.Close()

	var out []*domain.RunResult
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r domain.RunResult
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("unmarshal run: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
