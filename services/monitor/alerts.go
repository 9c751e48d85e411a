package monitor

import (
	"sort"
	"sync"
	"time"
)

// Severity is the urgency of a performance alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Metric names carried by alerts.
const (
	MetricLatencyP95 = "latency_p95_ms"
	MetricErrorRate  = "error_rate"
	MetricQuality    = "quality"
)

// Alert is an immutable record of a threshold violation.
type Alert struct {
	ID             string    `json:"id"`
	Severity       Severity  `json:"severity"`
	Message        string    `json:"message"`
	ModelID        string    `json:"model_id"`
	Metric         string    `json:"metric"`
	Value          float64   `json:"value"`
	Threshold      float64   `json:"threshold"`
	Timestamp      time.Time `json:"timestamp"`
	Recommendation string    `json:"recommendation,omitempty"`
}

// AlertFilter narrows GetAlerts. Zero values match everything.
type AlertFilter struct {
	Severity Severity
	Since    time.Time
}

// alertLog is the shared append-only alert history.
type alertLog struct {
	mu     sync.RWMutex
	alerts []Alert
	limit  int
	dedup  time.Duration
}

func newAlertLog(limit int, dedup time.Duration) *alertLog {
	return &alertLog{limit: limit, dedup: dedup}
}

// add appends a unless an alert for the same (model, metric) pair was
// created within the dedup window. Reports whether it was added.
func (l *alertLog) add(a Alert) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := a.Timestamp.Add(-l.dedup)
	for i := len(l.alerts) - 1; i >= 0; i-- {
		prev := l.alerts[i]
		if prev.ModelID == a.ModelID && prev.Metric == a.Metric && prev.Timestamp.After(cutoff) {
			return false
		}
	}

	l.alerts = append(l.alerts, a)
	if len(l.alerts) > l.limit {
		l.alerts = append([]Alert(nil), l.alerts[len(l.alerts)-l.limit:]...)
	}
	return true
}

// restore merges persisted alerts ahead of the live history.
func (l *alertLog) restore(alerts []Alert) {
	l.mu.Lock()
	defer l.mu.Unlock()

	merged := make([]Alert, 0, len(alerts)+len(l.alerts))
	merged = append(merged, alerts...)
	merged = append(merged, l.alerts...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	if len(merged) > l.limit {
		merged = merged[len(merged)-l.limit:]
	}
	l.alerts = merged
}

func (l *alertLog) snapshot() []Alert {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return append([]Alert(nil), l.alerts...)
}

// query returns matching alerts, newest first.
func (l *alertLog) query(f AlertFilter) []Alert {
	all := l.snapshot()

	out := make([]Alert, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		a := all[i]
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if !f.Since.IsZero() && !a.Timestamp.After(f.Since) {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}
