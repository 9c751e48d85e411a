package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/halbert/dispatch/services/monitor"
)

// Sink delivers an alert to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, alert monitor.Alert) error
}

// Config holds configuration for the Dispatcher
type Config struct {
	BufferSize  int           // Size of the alert buffer channel
	WorkerCount int           // Number of concurrent workers
	SendTimeout time.Duration // Upper bound for a single sink delivery
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:  1000,
		WorkerCount: 2,
		SendTimeout: 5 * time.Second,
	}
}

// Dispatcher fans alerts out to sinks on background workers. It satisfies
// monitor.AlertSink: Publish never blocks, and alerts are dropped when the
// buffer is full.
type Dispatcher struct {
	sinks       []Sink
	logger      *zap.Logger
	alertChan   chan monitor.Alert
	workerCount int
	bufferSize  int
	sendTimeout time.Duration
	wg          sync.WaitGroup
	started     bool
	stopped     bool
	mu          sync.Mutex

	dropped   int64
	delivered int64
	failed    int64
}

// NewDispatcher creates a Dispatcher delivering to sinks.
func NewDispatcher(logger *zap.Logger, config Config, sinks ...Sink) *Dispatcher {
	d := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = d.BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = d.WorkerCount
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = d.SendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		sinks:       sinks,
		logger:      logger,
		alertChan:   make(chan monitor.Alert, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
		sendTimeout: config.SendTimeout,
	}
}

// Start starts the background workers
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("alert dispatcher already started")
	}

	for i := 0; i < d.workerCount; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	d.started = true
	d.logger.Info("started alert dispatcher",
		zap.Int("worker_count", d.workerCount),
		zap.Int("buffer_size", d.bufferSize),
		zap.Int("sinks", len(d.sinks)))

	return nil
}

// Stop drains queued alerts and waits for the workers, up to timeout.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return fmt.Errorf("alert dispatcher not started")
	}
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.alertChan)
	d.mu.Unlock()

	d.logger.Info("stopping alert dispatcher", zap.Int("pending_alerts", len(d.alertChan)))

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("alert dispatcher stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("alert dispatcher stop timeout after %v", timeout)
	}
}

// Publish queues alert for delivery without blocking.
func (d *Dispatcher) Publish(alert monitor.Alert) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started || d.stopped {
		d.dropped++
		d.logger.Warn("alert dispatcher not running, dropping alert", zap.String("alert_id", alert.ID))
		return
	}

	select {
	case d.alertChan <- alert:
	default:
		d.dropped++
		d.logger.Warn("alert channel full, dropping alert",
			zap.String("alert_id", alert.ID),
			zap.String("model_id", alert.ModelID),
			zap.String("severity", string(alert.Severity)))
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	d.logger.Debug("alert worker started", zap.Int("worker_id", id))

	for alert := range d.alertChan {
		d.deliver(id, alert)
	}

	d.logger.Debug("alert worker stopped", zap.Int("worker_id", id))
}

// deliver sends alert to every sink; one failing sink does not stop the others.
func (d *Dispatcher) deliver(workerID int, alert monitor.Alert) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
		err := sink.Send(ctx, alert)
		cancel()

		d.mu.Lock()
		if err != nil {
			d.failed++
		} else {
			d.delivered++
		}
		d.mu.Unlock()

		if err != nil {
			d.logger.Error("failed to deliver alert",
				zap.Int("worker_id", workerID),
				zap.String("sink", sink.Name()),
				zap.String("alert_id", alert.ID),
				zap.Error(err))
		}
	}
}

// Stats represents alert dispatcher statistics
type Stats struct {
	BufferSize    int   `json:"buffer_size"`
	PendingAlerts int   `json:"pending_alerts"`
	WorkerCount   int   `json:"worker_count"`
	Started       bool  `json:"started"`
	Delivered     int64 `json:"delivered"`
	Failed        int64 `json:"failed"`
	Dropped       int64 `json:"dropped"`
}

// GetStats returns statistics about the dispatcher
func (d *Dispatcher) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	return Stats{
		BufferSize:    d.bufferSize,
		PendingAlerts: len(d.alertChan),
		WorkerCount:   d.workerCount,
		Started:       d.started && !d.stopped,
		Delivered:     d.delivered,
		Failed:        d.failed,
		Dropped:       d.dropped,
	}
}
