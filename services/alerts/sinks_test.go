package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/halbert/dispatch/services/monitor"
)

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func TestLogSink_LevelsBySeverity(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))

	tests := []struct {
		severity monitor.Severity
		level    zapcore.Level
	}{
		{monitor.SeverityInfo, zapcore.InfoLevel},
		{monitor.SeverityWarning, zapcore.WarnLevel},
		{monitor.SeverityError, zapcore.ErrorLevel},
		{monitor.SeverityCritical, zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		a := testAlert("x")
		a.Severity = tt.severity
		require.NoError(t, sink.Send(context.Background(), a))
	}

	entries := logs.All()
	require.Len(t, entries, len(tests))
	for i, tt := range tests {
		assert.Equal(t, tt.level, entries[i].Level, string(tt.severity))
		assert.Equal(t, "High latency", entries[i].Message)
	}
}

func TestNATSSink_PublishesBySeverity(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewNATSSinkWithPublisher(pub, "")

	a := testAlert("alert-1")
	a.Severity = monitor.SeverityCritical
	require.NoError(t, sink.Send(context.Background(), a))

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "dispatch.alerts.critical", pub.subjects[0])

	var decoded monitor.Alert
	require.NoError(t, json.Unmarshal(pub.payloads[0], &decoded))
	assert.Equal(t, "alert-1", decoded.ID)
	assert.Equal(t, monitor.SeverityCritical, decoded.Severity)

	assert.NoError(t, sink.Close())
}

func TestNATSSink_Errors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	sink := NewNATSSinkWithPublisher(pub, "ops.halbert")

	assert.Equal(t, "ops.halbert.warning", sink.Subject(monitor.SeverityWarning))
	assert.Error(t, sink.Send(context.Background(), testAlert("1")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sink.Send(ctx, testAlert("2")), context.Canceled)
}
