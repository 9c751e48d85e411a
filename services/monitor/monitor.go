package monitor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultSampleCap   = 1000
	defaultAlertLimit  = 100
	defaultDedupWindow = 5 * time.Minute
)

// Recommendation actions attached to alerts and status reports.
const (
	ActionLatency     = "Consider switching to a smaller/faster model"
	ActionReliability = "Check model configuration and system resources"
	ActionQuality     = "Consider switching to a larger/better model"
)

// Thresholds configures alerting and recommendations.
type Thresholds struct {
	LatencyP95Ms      float64
	ErrorRate         float64
	ErrorRateCritical float64
	QualityMin        float64
}

// DefaultThresholds returns the stock alert thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LatencyP95Ms:      5000,
		ErrorRate:         0.1,
		ErrorRateCritical: 0.2,
		QualityMin:        0.7,
	}
}

// AlertSink receives every newly created alert. Publish must not block.
type AlertSink interface {
	Publish(alert Alert)
}

// Observer is notified of every recorded sample, e.g. to export metrics.
type Observer interface {
	ObserveRequest(modelID, provider string, latencyMs float64, success bool)
	ObserveQuality(modelID string, score float64)
	ObserveLevel(modelID string, level Level)
	ObserveAlert(alert Alert)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithThresholds overrides the default thresholds.
func WithThresholds(t Thresholds) Option {
	return func(m *Monitor) { m.thresholds = t }
}

// WithSampleCap sets the ring buffer capacity per metric.
func WithSampleCap(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.sampleCap = n
		}
	}
}

// WithDedupWindow sets the window during which repeated alerts are suppressed.
func WithDedupWindow(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.dedupWindow = d
		}
	}
}

// WithAlertSink forwards new alerts to sink.
func WithAlertSink(sink AlertSink) Option {
	return func(m *Monitor) { m.sink = sink }
}

// WithObserver registers an observer for recorded samples.
func WithObserver(o Observer) Option {
	return func(m *Monitor) { m.observer = o }
}

// Monitor tracks per-model latency, quality, error and memory samples and
// raises deduplicated alerts. It never calls back into routing.
type Monitor struct {
	mu     sync.RWMutex
	models map[string]*modelMetrics

	alerts *alertLog

	thresholds  Thresholds
	sampleCap   int
	dedupWindow time.Duration
	now         func() time.Time

	sink     AlertSink
	observer Observer
	logger   *zap.Logger
}

// New creates a Monitor.
func New(logger *zap.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Monitor{
		models:      make(map[string]*modelMetrics),
		thresholds:  DefaultThresholds(),
		sampleCap:   defaultSampleCap,
		dedupWindow: defaultDedupWindow,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.alerts = newAlertLog(defaultAlertLimit, m.dedupWindow)

	return m
}

// RecordRequest records one completed request. memoryMB may be nil.
func (m *Monitor) RecordRequest(modelID, provider string, latencyMs float64, success bool, memoryMB *float64) {
	now := m.now()
	mm := m.getOrCreate(modelID, provider, now)

	mm.mu.Lock()
	mm.totalRequests++
	if !success {
		mm.failedRequests++
	}
	mm.latency.Push(latencyMs)
	if memoryMB != nil {
		mm.memory.Push(*memoryMB)
	}
	mm.update(now)
	summary := mm.summary()
	mm.mu.Unlock()

	if m.observer != nil {
		m.observer.ObserveRequest(modelID, provider, latencyMs, success)
		m.observer.ObserveLevel(modelID, summary.Level)
	}

	m.checkAlerts(summary, now)

	m.logger.Debug("recorded request",
		zap.String("model_id", modelID),
		zap.Float64("latency_ms", latencyMs),
		zap.Bool("success", success),
	)
}

// RecordQuality records a quality score for a model that already has
// request metrics. Unknown models are ignored with a warning.
func (m *Monitor) RecordQuality(modelID string, score float64) {
	m.mu.RLock()
	mm, ok := m.models[modelID]
	m.mu.RUnlock()

	if !ok {
		m.logger.Warn("no metrics for model, quality score ignored", zap.String("model_id", modelID))
		return
	}

	now := m.now()
	mm.mu.Lock()
	mm.quality.Push(score)
	mm.update(now)
	summary := mm.summary()
	mm.mu.Unlock()

	if m.observer != nil {
		m.observer.ObserveQuality(modelID, score)
		m.observer.ObserveLevel(modelID, summary.Level)
	}

	m.checkAlerts(summary, now)
}

func (m *Monitor) getOrCreate(modelID, provider string, now time.Time) *modelMetrics {
	m.mu.RLock()
	mm, ok := m.models[modelID]
	m.mu.RUnlock()
	if ok {
		return mm
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if mm, ok = m.models[modelID]; ok {
		return mm
	}
	mm = newModelMetrics(modelID, provider, m.sampleCap, now)
	m.models[modelID] = mm
	return mm
}

func (m *Monitor) checkAlerts(s ModelSummary, now time.Time) {
	t := m.thresholds

	if s.P95LatencyMs > t.LatencyP95Ms {
		m.createAlert(SeverityWarning, fmt.Sprintf("High P95 latency for %s", s.ModelID),
			s.ModelID, MetricLatencyP95, s.P95LatencyMs, t.LatencyP95Ms, ActionLatency, now)
	}

	if s.ErrorRate > t.ErrorRate {
		severity := SeverityWarning
		if s.ErrorRate > t.ErrorRateCritical {
			severity = SeverityError
		}
		m.createAlert(severity, fmt.Sprintf("High error rate for %s", s.ModelID),
			s.ModelID, MetricErrorRate, s.ErrorRate, t.ErrorRate, ActionReliability, now)
	}

	if s.AvgQuality > 0 && s.AvgQuality < t.QualityMin {
		m.createAlert(SeverityWarning, fmt.Sprintf("Low quality for %s", s.ModelID),
			s.ModelID, MetricQuality, s.AvgQuality, t.QualityMin, ActionQuality, now)
	}
}

func (m *Monitor) createAlert(severity Severity, message, modelID, metric string, value, threshold float64, recommendation string, now time.Time) {
	alert := Alert{
		ID:             uuid.NewString(),
		Severity:       severity,
		Message:        message,
		ModelID:        modelID,
		Metric:         metric,
		Value:          value,
		Threshold:      threshold,
		Timestamp:      now,
		Recommendation: recommendation,
	}

	if !m.alerts.add(alert) {
		return
	}

	m.logger.Warn("performance alert",
		zap.String("model_id", modelID),
		zap.String("metric", metric),
		zap.String("severity", string(severity)),
		zap.Float64("value", value),
		zap.Float64("threshold", threshold),
	)

	if m.observer != nil {
		m.observer.ObserveAlert(alert)
	}
	if m.sink != nil {
		m.sink.Publish(alert)
	}
}

// GetPerformanceLevel returns the level for modelID, or false if unknown.
func (m *Monitor) GetPerformanceLevel(modelID string) (Level, bool) {
	s, ok := m.GetModelMetrics(modelID)
	if !ok {
		return "", false
	}
	return s.Level, true
}

// GetModelMetrics returns the full derived statistics for one model.
func (m *Monitor) GetModelMetrics(modelID string) (ModelSummary, bool) {
	m.mu.RLock()
	mm, ok := m.models[modelID]
	m.mu.RUnlock()
	if !ok {
		return ModelSummary{}, false
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.summary(), true
}

func (m *Monitor) summaries() []ModelSummary {
	m.mu.RLock()
	entries := make([]*modelMetrics, 0, len(m.models))
	for _, mm := range m.models {
		entries = append(entries, mm)
	}
	m.mu.RUnlock()

	out := make([]ModelSummary, 0, len(entries))
	for _, mm := range entries {
		mm.mu.Lock()
		out = append(out, mm.summary())
		mm.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// ModelStatus is the rounded per-model entry of a status report.
type ModelStatus struct {
	Provider      string  `json:"provider"`
	Level         Level   `json:"performance_level"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	P95LatencyMs  float64 `json:"p95_latency_ms"`
	ErrorRate     float64 `json:"error_rate"`
	AvgQuality    float64 `json:"avg_quality"`
	TotalRequests int64   `json:"total_requests"`
	AvgMemoryMB   float64 `json:"avg_memory_mb"`
}

// AlertCounts holds the total retained alerts and per-severity counts for
// the last hour.
type AlertCounts struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	Error    int `json:"error"`
	Warning  int `json:"warning"`
	Info     int `json:"info"`
}

// Recommendation is a forward-looking suggestion derived from current metrics.
type Recommendation struct {
	ModelID  string `json:"model"`
	Type     string `json:"type"`
	Message  string `json:"message"`
	Action   string `json:"action"`
	Priority string `json:"priority"`
}

// Status is the full monitor report.
type Status struct {
	Timestamp       time.Time              `json:"timestamp"`
	Models          map[string]ModelStatus `json:"models"`
	Alerts          AlertCounts            `json:"alerts"`
	Recommendations []Recommendation       `json:"recommendations"`
}

// GetStatus builds a report of every tracked model, recent alert counts and
// recommendations.
func (m *Monitor) GetStatus() Status {
	now := m.now()
	summaries := m.summaries()

	status := Status{
		Timestamp:       now,
		Models:          make(map[string]ModelStatus, len(summaries)),
		Recommendations: m.recommend(summaries),
	}

	for _, s := range summaries {
		status.Models[s.ModelID] = ModelStatus{
			Provider:      s.Provider,
			Level:         s.Level,
			AvgLatencyMs:  round(s.AvgLatencyMs, 1),
			P95LatencyMs:  round(s.P95LatencyMs, 1),
			ErrorRate:     round(s.ErrorRate, 3),
			AvgQuality:    round(s.AvgQuality, 2),
			TotalRequests: s.TotalRequests,
			AvgMemoryMB:   round(s.AvgMemoryMB, 1),
		}
	}

	alerts := m.alerts.snapshot()
	status.Alerts.Total = len(alerts)
	hourAgo := now.Add(-time.Hour)
	for _, a := range alerts {
		if !a.Timestamp.After(hourAgo) {
			continue
		}
		switch a.Severity {
		case SeverityCritical:
			status.Alerts.Critical++
		case SeverityError:
			status.Alerts.Error++
		case SeverityWarning:
			status.Alerts.Warning++
		case SeverityInfo:
			status.Alerts.Info++
		}
	}

	return status
}

func (m *Monitor) recommend(summaries []ModelSummary) []Recommendation {
	t := m.thresholds
	recs := make([]Recommendation, 0)

	for _, s := range summaries {
		if s.P95LatencyMs > t.LatencyP95Ms {
			recs = append(recs, Recommendation{
				ModelID:  s.ModelID,
				Type:     "latency",
				Message:  fmt.Sprintf("P95 latency is %.0fms", s.P95LatencyMs),
				Action:   ActionLatency,
				Priority: "medium",
			})
		}
		if s.AvgQuality > 0 && s.AvgQuality < t.QualityMin {
			recs = append(recs, Recommendation{
				ModelID:  s.ModelID,
				Type:     "quality",
				Message:  fmt.Sprintf("Average quality is %.1f%%", s.AvgQuality*100),
				Action:   ActionQuality,
				Priority: "medium",
			})
		}
		if s.ErrorRate > t.ErrorRate {
			recs = append(recs, Recommendation{
				ModelID:  s.ModelID,
				Type:     "reliability",
				Message:  fmt.Sprintf("Error rate is %.1f%%", s.ErrorRate*100),
				Action:   ActionReliability,
				Priority: "high",
			})
		}
	}

	return recs
}

// GetAlerts returns alerts matching filter, newest first.
func (m *Monitor) GetAlerts(filter AlertFilter) []Alert {
	return m.alerts.query(filter)
}

// ResetMetrics clears one model's metrics, or all metrics when modelID is
// empty. Alert history is kept.
func (m *Monitor) ResetMetrics(modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if modelID == "" {
		m.models = make(map[string]*modelMetrics)
		m.logger.Info("reset all metrics")
		return
	}
	if _, ok := m.models[modelID]; ok {
		delete(m.models, modelID)
		m.logger.Info("reset metrics", zap.String("model_id", modelID))
	}
}
