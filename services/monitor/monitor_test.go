package monitor

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (s *recordingSink) Publish(a Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
}

func newTestMonitor(clock *fakeClock, opts ...Option) *Monitor {
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(zap.NewNop(), opts...)
}

func countAlerts(alerts []Alert, modelID, metric string) int {
	n := 0
	for _, a := range alerts {
		if a.ModelID == modelID && a.Metric == metric {
			n++
		}
	}
	return n
}

func floatPtr(v float64) *float64 { return &v }

func TestRecordRequest_ErrorRate(t *testing.T) {
	m := newTestMonitor(newFakeClock())

	for i := 0; i < 20; i++ {
		m.RecordRequest("llama", "ollama", 100, i >= 3, nil)
	}

	s, ok := m.GetModelMetrics("llama")
	require.True(t, ok)
	assert.Equal(t, int64(20), s.TotalRequests)
	assert.Equal(t, int64(3), s.FailedRequests)
	assert.InDelta(t, 0.15, s.ErrorRate, 1e-9)

	level, ok := m.GetPerformanceLevel("llama")
	require.True(t, ok)
	assert.NotEqual(t, LevelCritical, level)
	assert.Equal(t, LevelDegraded, level)
}

func TestRecordRequest_Percentiles(t *testing.T) {
	m := newTestMonitor(newFakeClock())

	for i := 1; i <= 10; i++ {
		m.RecordRequest("m", "ollama", float64(i*100), true, nil)
	}

	s, _ := m.GetModelMetrics("m")
	assert.InDelta(t, 550, s.AvgLatencyMs, 1e-9)
	// floor(10*0.95) = 9, floor(10*0.99) = 9
	assert.Equal(t, 1000.0, s.P95LatencyMs)
	assert.Equal(t, 1000.0, s.P99LatencyMs)
}

func TestRecordRequest_SampleCapEvictsOldest(t *testing.T) {
	m := newTestMonitor(newFakeClock(), WithSampleCap(5))

	for i := 1; i <= 7; i++ {
		m.RecordRequest("m", "ollama", float64(i), true, nil)
	}

	s, _ := m.GetModelMetrics("m")
	assert.Equal(t, int64(7), s.TotalRequests)
	assert.InDelta(t, 5.0, s.AvgLatencyMs, 1e-9) // mean of 3..7
}

func TestRecordRequest_Memory(t *testing.T) {
	m := newTestMonitor(newFakeClock())

	m.RecordRequest("m", "ollama", 10, true, floatPtr(1000))
	m.RecordRequest("m", "ollama", 10, true, nil)
	m.RecordRequest("m", "ollama", 10, true, floatPtr(3000))

	s, _ := m.GetModelMetrics("m")
	assert.InDelta(t, 2000, s.AvgMemoryMB, 1e-9)
	assert.Equal(t, 3000.0, s.PeakMemoryMB)
}

func TestRecordQuality_UnknownModelIsNoop(t *testing.T) {
	m := newTestMonitor(newFakeClock())

	m.RecordQuality("ghost", 0.2)

	_, ok := m.GetModelMetrics("ghost")
	assert.False(t, ok)
	assert.Empty(t, m.GetAlerts(AlertFilter{}))
}

func TestRecordQuality_LowQualityAlert(t *testing.T) {
	m := newTestMonitor(newFakeClock())

	m.RecordRequest("m", "ollama", 100, true, nil)
	m.RecordQuality("m", 0.5)

	alerts := m.GetAlerts(AlertFilter{})
	require.Len(t, alerts, 1)
	assert.Equal(t, MetricQuality, alerts[0].Metric)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
	assert.Equal(t, "Low quality for m", alerts[0].Message)
	assert.Equal(t, ActionQuality, alerts[0].Recommendation)
	assert.Equal(t, 0.7, alerts[0].Threshold)
}

func TestPerformanceLevel(t *testing.T) {
	tests := []struct {
		name    string
		summary ModelSummary
		want    Level
	}{
		{"critical error rate", ModelSummary{ErrorRate: 0.25}, LevelCritical},
		{"degraded error rate", ModelSummary{ErrorRate: 0.15}, LevelDegraded},
		{"error rate wins over quality", ModelSummary{ErrorRate: 0.3, QualitySamples: 1, AvgQuality: 0.95}, LevelCritical},
		{"poor quality", ModelSummary{QualitySamples: 3, AvgQuality: 0.5}, LevelDegraded},
		{"fair quality", ModelSummary{QualitySamples: 3, AvgQuality: 0.65}, LevelAcceptable},
		{"good quality", ModelSummary{QualitySamples: 3, AvgQuality: 0.8}, LevelGood},
		{"great quality", ModelSummary{QualitySamples: 3, AvgQuality: 0.9}, LevelExcellent},
		{"no quality, low errors", ModelSummary{ErrorRate: 0.005}, LevelExcellent},
		{"no quality, some errors", ModelSummary{ErrorRate: 0.03}, LevelGood},
		{"no quality, more errors", ModelSummary{ErrorRate: 0.08}, LevelAcceptable},
		{"boundary 0.1 is not degraded", ModelSummary{ErrorRate: 0.1}, LevelAcceptable},
		{"boundary 0.2 is not critical", ModelSummary{ErrorRate: 0.2}, LevelDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, levelFor(tt.summary))
		})
	}
}

func TestAlerts_LatencyDedup(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	m.RecordRequest("m", "ollama", 7000, true, nil)
	clock.Advance(time.Minute)
	m.RecordRequest("m", "ollama", 7000, true, nil)

	alerts := m.GetAlerts(AlertFilter{})
	assert.Equal(t, 1, countAlerts(alerts, "m", MetricLatencyP95))

	clock.Advance(5 * time.Minute)
	m.RecordRequest("m", "ollama", 7000, true, nil)

	alerts = m.GetAlerts(AlertFilter{})
	assert.Equal(t, 2, countAlerts(alerts, "m", MetricLatencyP95))
}

func TestAlerts_DedupIsPerModel(t *testing.T) {
	m := newTestMonitor(newFakeClock())

	m.RecordRequest("a", "ollama", 7000, true, nil)
	m.RecordRequest("b", "ollama", 7000, true, nil)

	alerts := m.GetAlerts(AlertFilter{})
	assert.Equal(t, 1, countAlerts(alerts, "a", MetricLatencyP95))
	assert.Equal(t, 1, countAlerts(alerts, "b", MetricLatencyP95))
}

func TestAlerts_SlowModelWithFailures(t *testing.T) {
	m := newTestMonitor(newFakeClock())

	for i := 0; i < 10; i++ {
		m.RecordRequest("spec-A", "ollama", 6200, i != 3 && i != 7, nil)
	}

	s, _ := m.GetModelMetrics("spec-A")
	assert.Equal(t, 6200.0, s.P95LatencyMs)
	assert.InDelta(t, 0.2, s.ErrorRate, 1e-9)

	alerts := m.GetAlerts(AlertFilter{})
	latency := 0
	for _, a := range alerts {
		if a.Metric == MetricLatencyP95 {
			latency++
			assert.Equal(t, SeverityWarning, a.Severity)
			assert.Equal(t, "High P95 latency for spec-A", a.Message)
			assert.Equal(t, 5000.0, a.Threshold)
		}
	}
	assert.Equal(t, 1, latency)
}

func TestAlerts_ErrorRateSeverity(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		failFirst bool
		want      Severity
	}{
		// first breach at 2/19 lands in the warning band
		{"warning band", 3, false, SeverityWarning},
		// first breach at 1/1 lands in the error band
		{"error band", 5, true, SeverityError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(newFakeClock())
			outcomes := make([]bool, 0, 20)
			for i := 0; i < 20-tt.failures; i++ {
				outcomes = append(outcomes, true)
			}
			if tt.failFirst {
				outcomes = append(make([]bool, tt.failures), outcomes...)
			} else {
				outcomes = append(outcomes, make([]bool, tt.failures)...)
			}
			for _, ok := range outcomes {
				m.RecordRequest("m", "ollama", 10, ok, nil)
			}

			alerts := m.GetAlerts(AlertFilter{})
			require.Equal(t, 1, countAlerts(alerts, "m", MetricErrorRate))
			assert.Equal(t, tt.want, alerts[0].Severity)
			assert.Equal(t, ActionReliability, alerts[0].Recommendation)
		})
	}
}

func TestAlerts_RetainsLast100(t *testing.T) {
	m := newTestMonitor(newFakeClock())

	for i := 0; i < 120; i++ {
		m.RecordRequest(fmt.Sprintf("model-%03d", i), "ollama", 9000, true, nil)
	}

	alerts := m.GetAlerts(AlertFilter{})
	require.Len(t, alerts, 100)
	assert.Equal(t, "model-119", alerts[0].ModelID)
	assert.Equal(t, "model-020", alerts[99].ModelID)
}

func TestAlerts_ForwardedToSink(t *testing.T) {
	sink := &recordingSink{}
	m := newTestMonitor(newFakeClock(), WithAlertSink(sink))

	m.RecordRequest("m", "ollama", 9000, true, nil)
	m.RecordRequest("m", "ollama", 9000, true, nil)

	require.Len(t, sink.alerts, 1)
	assert.NotEmpty(t, sink.alerts[0].ID)
}

func TestGetAlerts_FilterAndOrder(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	m.RecordRequest("a", "ollama", 9000, true, nil)
	start := clock.Now()
	clock.Advance(time.Minute)
	m.RecordRequest("b", "ollama", 9000, false, nil)

	all := m.GetAlerts(AlertFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, "b", all[0].ModelID)
	assert.Equal(t, "a", all[2].ModelID)

	errs := m.GetAlerts(AlertFilter{Severity: SeverityError})
	require.Len(t, errs, 1)
	assert.Equal(t, MetricErrorRate, errs[0].Metric)

	recent := m.GetAlerts(AlertFilter{Since: start})
	assert.Len(t, recent, 2)
	for _, a := range recent {
		assert.Equal(t, "b", a.ModelID)
	}
}

func TestResetMetrics(t *testing.T) {
	m := newTestMonitor(newFakeClock())

	m.RecordRequest("a", "ollama", 9000, true, nil)
	m.RecordRequest("b", "ollama", 100, true, nil)

	m.ResetMetrics("a")

	status := m.GetStatus()
	assert.NotContains(t, status.Models, "a")
	assert.Contains(t, status.Models, "b")
	assert.Len(t, m.GetAlerts(AlertFilter{}), 1)

	m.ResetMetrics("")
	assert.Empty(t, m.GetStatus().Models)
	assert.Len(t, m.GetAlerts(AlertFilter{}), 1)
}

func TestGetStatus(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	m.RecordRequest("slow", "openai", 6000.04, true, floatPtr(512.26))
	m.RecordRequest("flaky", "ollama", 100, false, nil)
	m.RecordRequest("flaky", "ollama", 100, true, nil)
	m.RecordQuality("flaky", 0.654)

	status := m.GetStatus()
	require.Len(t, status.Models, 2)

	slow := status.Models["slow"]
	assert.Equal(t, "openai", slow.Provider)
	assert.Equal(t, 6000.0, slow.AvgLatencyMs)
	assert.Equal(t, 512.3, slow.AvgMemoryMB)
	assert.Equal(t, LevelExcellent, slow.Level)

	flaky := status.Models["flaky"]
	assert.Equal(t, 0.5, flaky.ErrorRate)
	assert.Equal(t, 0.65, flaky.AvgQuality)
	assert.Equal(t, LevelCritical, flaky.Level)
	assert.Equal(t, int64(2), flaky.TotalRequests)

	// slow: latency; flaky: error rate + quality
	assert.Equal(t, 3, status.Alerts.Total)
	assert.Equal(t, 2, status.Alerts.Warning)
	assert.Equal(t, 1, status.Alerts.Error)

	types := map[string]string{}
	for _, r := range status.Recommendations {
		types[r.ModelID+"/"+r.Type] = r.Priority
	}
	assert.Equal(t, map[string]string{
		"flaky/quality":     "medium",
		"flaky/reliability": "high",
		"slow/latency":      "medium",
	}, types)

	clock.Advance(2 * time.Hour)
	later := m.GetStatus()
	assert.Equal(t, 3, later.Alerts.Total)
	assert.Zero(t, later.Alerts.Warning+later.Alerts.Error)
}

func TestConcurrentRecording(t *testing.T) {
	m := New(zap.NewNop())

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			model := fmt.Sprintf("m%d", w%2)
			for i := 0; i < 200; i++ {
				m.RecordRequest(model, "ollama", float64(i), true, nil)
				m.RecordQuality(model, 0.9)
				_ = m.GetStatus()
				_ = m.GetAlerts(AlertFilter{})
			}
		}(w)
	}
	wg.Wait()

	a, _ := m.GetModelMetrics("m0")
	b, _ := m.GetModelMetrics("m1")
	assert.Equal(t, int64(800), a.TotalRequests)
	assert.Equal(t, int64(800), b.TotalRequests)
}
