package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/halbert/dispatch/services/monitor"
)

// LogSink writes alerts to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, a monitor.Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", a.ID),
		zap.String("severity", string(a.Severity)),
		zap.String("model_id", a.ModelID),
		zap.String("metric", a.Metric),
		zap.Float64("value", a.Value),
		zap.Float64("threshold", a.Threshold),
		zap.String("recommendation", a.Recommendation),
	}
	switch a.Severity {
	case monitor.SeverityError, monitor.SeverityCritical:
		s.logger.Error(a.Message, fields...)
	case monitor.SeverityInfo:
		s.logger.Info(a.Message, fields...)
	default:
		s.logger.Warn(a.Message, fields...)
	}
	return nil
}

// Publisher is the subset of *nats.Conn the NATS sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL
	URL string

	// Subject is the base subject; alerts go to <subject>.<severity>
	Subject string

	// ConnectTimeout is the connection timeout
	ConnectTimeout time.Duration
}

const defaultSubject = "dispatch.alerts"

// NATSSink publishes alerts as JSON on <subject>.<severity>.
type NATSSink struct {
	pub     Publisher
	conn    *nats.Conn
	subject string
}

// NewNATSSink connects to NATS and returns a sink publishing to it.
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("dispatchd"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	s := NewNATSSinkWithPublisher(conn, cfg.Subject)
	s.conn = conn
	return s, nil
}

// NewNATSSinkWithPublisher builds a sink over an existing publisher.
func NewNATSSinkWithPublisher(pub Publisher, subject string) *NATSSink {
	if subject == "" {
		subject = defaultSubject
	}
	return &NATSSink{pub: pub, subject: subject}
}

func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject an alert of the given severity is sent to.
func (s *NATSSink) Subject(sev monitor.Severity) string {
	return fmt.Sprintf("%s.%s", s.subject, sev)
}

func (s *NATSSink) Send(ctx context.Context, a monitor.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := s.pub.Publish(s.Subject(a.Severity), data); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// Close drains and closes the connection when the sink owns one.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
