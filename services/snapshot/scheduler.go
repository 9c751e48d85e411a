// Package snapshot persists performance monitor state: restored once at
// startup, saved on a cron schedule, and saved again at shutdown.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/halbert/dispatch/repositories"
	"github.com/halbert/dispatch/services"
	"github.com/halbert/dispatch/services/monitor"
)

// DefaultSpec saves every five minutes.
const DefaultSpec = "@every 5m"

const defaultSaveTimeout = 10 * time.Second

// Snapshotter is the part of the monitor the scheduler persists.
type Snapshotter interface {
	Snapshot() *monitor.State
	Restore(state *monitor.State)
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSpec reports whether spec is a usable schedule.
func ValidateSpec(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid snapshot schedule %q: %w", spec, err)
	}
	return nil
}

// Scheduler owns the save schedule. Store failures never stop the monitor;
// they are logged and returned as alert persistence errors.
type Scheduler struct {
	source      Snapshotter
	store       repositories.StateStore
	spec        string
	saveTimeout time.Duration
	logger      *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	started bool
}

// NewScheduler creates a Scheduler. An empty spec means DefaultSpec.
func NewScheduler(source Snapshotter, store repositories.StateStore, spec string, logger *zap.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSpec
	}
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		source:      source,
		store:       store,
		spec:        spec,
		saveTimeout: defaultSaveTimeout,
		logger:      logger,
	}, nil
}

// Load restores the monitor from the store. Nothing saved yet is not an error.
func (s *Scheduler) Load(ctx context.Context) error {
	state, err := s.store.Load(ctx)
	if errors.Is(err, repositories.ErrStateNotFound) {
		s.logger.Info("no saved monitor state, starting empty")
		return nil
	}
	if err != nil {
		werr := services.WrapPersistence("failed to load monitor state", err)
		s.logger.Warn("monitor state load failed, continuing in memory", zap.Error(werr))
		return werr
	}

	s.source.Restore(state)
	s.logger.Info("monitor state restored",
		zap.Int("models", len(state.Metrics)),
		zap.Int("alerts", len(state.Alerts)),
		zap.Time("saved_at", state.SavedAt))
	return nil
}

// Save writes the current monitor state.
func (s *Scheduler) Save(ctx context.Context) error {
	state := s.source.Snapshot()
	if err := s.store.Save(ctx, state); err != nil {
		werr := services.WrapPersistence("failed to save monitor state", err)
		s.logger.Warn("monitor state save failed", zap.Error(werr))
		return werr
	}
	return nil
}

// Start restores saved state and begins periodic saves.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("snapshot scheduler already started")
	}

	_ = s.Load(ctx)

	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.spec, s.tick); err != nil {
		return fmt.Errorf("schedule snapshots: %w", err)
	}
	c.Start()

	s.cron = c
	s.started = true
	s.logger.Info("snapshot scheduler started", zap.String("schedule", s.spec))
	return nil
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
	defer cancel()
	if err := s.Save(ctx); err == nil {
		s.logger.Debug("periodic monitor snapshot saved")
	}
}

// Stop halts the schedule, waits for a running save, and saves once more.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("snapshot scheduler not started")
	}
	s.started = false
	c := s.cron
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.Save(ctx); err != nil {
		return err
	}
	s.logger.Info("final monitor snapshot saved")
	return nil
}
