package monitor

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Level classifies a model's recent health.
type Level string

const (
	LevelExcellent  Level = "excellent"
	LevelGood       Level = "good"
	LevelAcceptable Level = "acceptable"
	LevelDegraded   Level = "degraded"
	LevelCritical   Level = "critical"
)

// ModelSummary is a point-in-time copy of one model's derived statistics.
type ModelSummary struct {
	ModelID        string    `json:"model_id"`
	Provider       string    `json:"provider"`
	Level          Level     `json:"performance_level"`
	AvgLatencyMs   float64   `json:"avg_latency_ms"`
	P95LatencyMs   float64   `json:"p95_latency_ms"`
	P99LatencyMs   float64   `json:"p99_latency_ms"`
	AvgQuality     float64   `json:"avg_quality"`
	QualitySamples int       `json:"quality_samples"`
	TotalRequests  int64     `json:"total_requests"`
	FailedRequests int64     `json:"failed_requests"`
	ErrorRate      float64   `json:"error_rate"`
	AvgMemoryMB    float64   `json:"avg_memory_mb"`
	PeakMemoryMB   float64   `json:"peak_memory_mb"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// modelMetrics holds the sample buffers for one model. Each instance
// carries its own lock so models never contend with each other.
type modelMetrics struct {
	mu sync.Mutex

	modelID  string
	provider string

	latency *Ring[float64]
	quality *Ring[float64]
	memory  *Ring[float64]

	totalRequests  int64
	failedRequests int64

	firstSeen time.Time
	lastSeen  time.Time

	derived ModelSummary
}

func newModelMetrics(modelID, provider string, capacity int, now time.Time) *modelMetrics {
	return &modelMetrics{
		modelID:   modelID,
		provider:  provider,
		latency:   NewRing[float64](capacity),
		quality:   NewRing[float64](capacity),
		memory:    NewRing[float64](capacity),
		firstSeen: now,
		lastSeen:  now,
	}
}

// update recomputes derived statistics from the current buffers.
// Caller must hold m.mu.
func (m *modelMetrics) update(now time.Time) {
	m.lastSeen = now

	d := ModelSummary{
		ModelID:        m.modelID,
		Provider:       m.provider,
		TotalRequests:  m.totalRequests,
		FailedRequests: m.failedRequests,
		QualitySamples: m.quality.Len(),
		FirstSeen:      m.firstSeen,
		LastSeen:       m.lastSeen,
	}

	if m.latency.Len() > 0 {
		samples := m.latency.Values()
		d.AvgLatencyMs = mean(samples)
		sort.Float64s(samples)
		d.P95LatencyMs = percentile(samples, 0.95)
		d.P99LatencyMs = percentile(samples, 0.99)
	}

	if m.quality.Len() > 0 {
		d.AvgQuality = mean(m.quality.Values())
	}

	if m.totalRequests > 0 {
		d.ErrorRate = float64(m.failedRequests) / float64(m.totalRequests)
	}

	if m.memory.Len() > 0 {
		samples := m.memory.Values()
		d.AvgMemoryMB = mean(samples)
		d.PeakMemoryMB = maxOf(samples)
	}

	d.Level = levelFor(d)
	m.derived = d
}

// summary returns a copy of the derived statistics. Caller must hold m.mu.
func (m *modelMetrics) summary() ModelSummary {
	return m.derived
}

// levelFor applies the fixed priority order: error rate bands first,
// then quality bands when quality data exists, then error-rate fallback.
func levelFor(s ModelSummary) Level {
	switch {
	case s.ErrorRate > 0.2:
		return LevelCritical
	case s.ErrorRate > 0.1:
		return LevelDegraded
	}

	if s.QualitySamples > 0 {
		switch {
		case s.AvgQuality < 0.6:
			return LevelDegraded
		case s.AvgQuality < 0.7:
			return LevelAcceptable
		case s.AvgQuality < 0.85:
			return LevelGood
		default:
			return LevelExcellent
		}
	}

	switch {
	case s.ErrorRate < 0.01:
		return LevelExcellent
	case s.ErrorRate < 0.05:
		return LevelGood
	default:
		return LevelAcceptable
	}
}

// percentile takes the exact index floor(n*p) of an ascending slice.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(float64(n) * p)
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func maxOf(values []float64) float64 {
	m := math.Inf(-1)
	for _, v := range values {
		if v > m {
			m = v
		}
	}
	if math.IsInf(m, -1) {
		return 0
	}
	return m
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
