package monitor

import (
	"time"

	"go.uber.org/zap"
)

const (
	persistedSamples  = 100
	persistedAlertAge = 24 * time.Hour
)

// State is the persisted form of the monitor: the newest samples per
// buffer plus counters for each model, and the last day of alerts.
type State struct {
	SavedAt time.Time             `json:"saved_at"`
	Metrics map[string]ModelState `json:"metrics"`
	Alerts  []Alert               `json:"alerts"`
}

// ModelState is the persisted form of one model's metrics.
type ModelState struct {
	ModelID        string    `json:"model_id"`
	Provider       string    `json:"provider"`
	LatencySamples []float64 `json:"latency_samples"`
	QualityScores  []float64 `json:"quality_scores"`
	MemorySamples  []float64 `json:"memory_samples"`
	TotalRequests  int64     `json:"total_requests"`
	FailedRequests int64     `json:"failed_requests"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// Snapshot captures the current state for persistence.
func (m *Monitor) Snapshot() *State {
	now := m.now()

	m.mu.RLock()
	entries := make([]*modelMetrics, 0, len(m.models))
	for _, mm := range m.models {
		entries = append(entries, mm)
	}
	m.mu.RUnlock()

	state := &State{
		SavedAt: now,
		Metrics: make(map[string]ModelState, len(entries)),
		Alerts:  make([]Alert, 0),
	}

	for _, mm := range entries {
		mm.mu.Lock()
		state.Metrics[mm.modelID] = ModelState{
			ModelID:        mm.modelID,
			Provider:       mm.provider,
			LatencySamples: mm.latency.Last(persistedSamples),
			QualityScores:  mm.quality.Last(persistedSamples),
			MemorySamples:  mm.memory.Last(persistedSamples),
			TotalRequests:  mm.totalRequests,
			FailedRequests: mm.failedRequests,
			FirstSeen:      mm.firstSeen,
			LastSeen:       mm.lastSeen,
		}
		mm.mu.Unlock()
	}

	cutoff := now.Add(-persistedAlertAge)
	for _, a := range m.alerts.snapshot() {
		if a.Timestamp.After(cutoff) {
			state.Alerts = append(state.Alerts, a)
		}
	}

	return state
}

// Restore rehydrates metrics and alerts from a persisted state. Models in
// the state replace live entries with the same id. Samples are truncated
// to the newest 100 per buffer.
func (m *Monitor) Restore(state *State) {
	if state == nil {
		return
	}
	now := m.now()

	restored := make(map[string]*modelMetrics, len(state.Metrics))
	for id, ms := range state.Metrics {
		if id == "" {
			continue
		}
		if ms.ModelID == "" {
			ms.ModelID = id
		}
		firstSeen := ms.FirstSeen
		if firstSeen.IsZero() {
			firstSeen = now
		}

		mm := newModelMetrics(ms.ModelID, ms.Provider, m.sampleCap, firstSeen)
		for _, v := range tail(ms.LatencySamples, persistedSamples) {
			mm.latency.Push(v)
		}
		for _, v := range tail(ms.QualityScores, persistedSamples) {
			mm.quality.Push(v)
		}
		for _, v := range tail(ms.MemorySamples, persistedSamples) {
			mm.memory.Push(v)
		}
		mm.totalRequests = ms.TotalRequests
		mm.failedRequests = ms.FailedRequests
		lastSeen := ms.LastSeen
		if lastSeen.IsZero() {
			lastSeen = now
		}
		mm.update(lastSeen)
		restored[id] = mm
	}

	m.mu.Lock()
	for id, mm := range restored {
		m.models[id] = mm
	}
	m.mu.Unlock()

	alerts := make([]Alert, 0, len(state.Alerts))
	for _, a := range state.Alerts {
		if !a.Severity.Valid() {
			continue
		}
		alerts = append(alerts, a)
	}
	m.alerts.restore(alerts)

	m.logger.Info("restored monitor state",
		zap.Int("models", len(restored)),
		zap.Int("alerts", len(alerts)),
	)
}

func tail(values []float64, n int) []float64 {
	if len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}
