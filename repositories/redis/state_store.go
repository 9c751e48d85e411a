package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/halbert/dispatch/repositories"
	"github.com/halbert/dispatch/services/monitor"
)

// DefaultKey is the key the monitor state is stored under.
const DefaultKey = "dispatch:monitor:state"

// StateStore keeps the monitor state as one JSON value. A zero ttl keeps
// it until overwritten.
type StateStore struct {
	client *goredis.Client
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

var _ repositories.StateStore = (*StateStore)(nil)

// NewStateStore wraps an existing client.
func NewStateStore(client *goredis.Client, key string, ttl time.Duration, logger *zap.Logger) *StateStore {
	if key == "" {
		key = DefaultKey
	}
	return &StateStore{client: client, key: key, ttl: ttl, logger: logger}
}

// Connect dials addr and verifies the connection.
func Connect(ctx context.Context, opts *goredis.Options) (*goredis.Client, error) {
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func (s *StateStore) Load(ctx context.Context) (*monitor.State, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, repositories.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load monitor state: %w", err)
	}

	var state monitor.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode monitor state: %w", err)
	}
	return &state, nil
}

func (s *StateStore) Save(ctx context.Context, state *monitor.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode monitor state: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save monitor state: %w", err)
	}

	s.logger.Debug("monitor state saved", zap.String("key", s.key), zap.Int("bytes", len(data)))
	return nil
}

func (s *StateStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

func (s *StateStore) Close() error {
	return s.client.Close()
}
