package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/halbert/dispatch/repositories"
	"github.com/halbert/dispatch/services/monitor"
)

const stateID = "default"

// StateStore keeps the monitor state in a local SQLite file.
type StateStore struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ repositories.StateStore = (*StateStore)(nil)

// Open opens (creating if needed) the database at path.
func Open(path string, logger *zap.Logger) (*StateStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	s := &StateStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *StateStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS monitor_state (
			id TEXT PRIMARY KEY,
			document TEXT NOT NULL,
			saved_at DATETIME NOT NULL
		)
	`)
	return err
}

func (s *StateStore) Load(ctx context.Context) (*monitor.State, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM monitor_state WHERE id = ?`, stateID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repositories.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load monitor state: %w", err)
	}

	var state monitor.State
	if err := json.Unmarshal([]byte(doc), &state); err != nil {
		return nil, fmt.Errorf("failed to decode monitor state: %w", err)
	}
	return &state, nil
}

func (s *StateStore) Save(ctx context.Context, state *monitor.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode monitor state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO monitor_state (id, document, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET document = excluded.document, saved_at = excluded.saved_at
	`, stateID, string(data), state.SavedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save monitor state: %w", err)
	}

	s.logger.Debug("monitor state saved", zap.Int("models", len(state.Metrics)))
	return nil
}

func (s *StateStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite health check failed: %w", err)
	}
	return nil
}

func (s *StateStore) Close() error {
	return s.db.Close()
}
