package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/halbert/dispatch/repositories"
	"github.com/halbert/dispatch/services/monitor"
)

// DefaultStateID is the row the monitor state is stored under.
const DefaultStateID = "default"

// StateRepository implements repositories.StateStore on a single JSONB row
type StateRepository struct {
	db     *DB
	id     string
	logger *zap.Logger
}

// NewStateRepository creates a new state repository
func NewStateRepository(db *DB, id string, logger *zap.Logger) *StateRepository {
	if id == "" {
		id = DefaultStateID
	}
	return &StateRepository{
		db:     db,
		id:     id,
		logger: logger,
	}
}

var _ repositories.StateStore = (*StateRepository)(nil)

// Load retrieves the stored state
func (r *StateRepository) Load(ctx context.Context) (*monitor.State, error) {
	query := `
		SELECT document
		FROM monitor_state
		WHERE id = $1
	`

	var raw []byte
	err := r.db.QueryRowContext(ctx, query, r.id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repositories.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load monitor state: %w", err)
	}

	var state monitor.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to decode monitor state: %w", err)
	}

	return &state, nil
}

// Save upserts the state document
func (r *StateRepository) Save(ctx context.Context, state *monitor.State) error {
	query := `
		INSERT INTO monitor_state (id, document, saved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET document = EXCLUDED.document, saved_at = EXCLUDED.saved_at
	`

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode monitor state: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, r.id, raw, state.SavedAt); err != nil {
		return fmt.Errorf("failed to save monitor state: %w", err)
	}

	r.logger.Debug("monitor state saved",
		zap.String("id", r.id),
		zap.Int("models", len(state.Metrics)),
		zap.Int("alerts", len(state.Alerts)))
	return nil
}

// HealthCheck pings the database
func (r *StateRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// Close closes the underlying pool
func (r *StateRepository) Close() error {
	return r.db.Close()
}
