package repositories

import (
	"context"
	"errors"

	"github.com/halbert/dispatch/services/monitor"
)

// ErrStateNotFound is returned by StateStore.Load when nothing has been saved yet.
var ErrStateNotFound = errors.New("monitor state not found")

// StateStore persists the performance monitor's state document
type StateStore interface {
	// Load returns the last saved state, or ErrStateNotFound
	Load(ctx context.Context) (*monitor.State, error)

	// Save replaces the stored state
	Save(ctx context.Context, state *monitor.State) error

	// HealthCheck reports whether the store is reachable
	HealthCheck(ctx context.Context) error

	// Close releases the store's connections
	Close() error
}
