package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adaptive-serving/servingcore/routing"
)

type stubFallbackFinder struct {
	candidates []routing.FallbackCandidate
	calls      int
	lastFailed string
}

func (s *stubFallbackFinder) FindFallbacks(ctx context.Context, failedModel string, requirements []routing.ModalityRequirement, maxCandidates int) []routing.FallbackCandidate {
	s.calls++
	s.lastFailed = failedModel
	return s.candidates
}

func candidateFor(id string) routing.FallbackCandidate {
	return routing.FallbackCandidate{
		Model:      routing.ModelInfo{ID: id},
		TotalScore: 0.9,
	}
}

func TestAdaptiveTimeout_NoHistoryUsesBase(t *testing.T) {
	m := NewMonitor(DefaultConfig(), nil)

	assert.Equal(t, 30*time.Second, m.AdaptiveTimeout("generate", "model-a", 0))
	assert.Equal(t, 60*time.Second, m.AdaptiveTimeout("stream", "model-a", 0))
	// Unknown operation type falls back to the default base.
	assert.Equal(t, 30*time.Second, m.AdaptiveTimeout("unknown", "model-a", 0))
	// Custom timeout replaces the base.
	assert.Equal(t, 7*time.Second, m.AdaptiveTimeout("generate", "model-a", 7*time.Second))
}

func TestAdaptiveTimeout_TracksHistoryWithinClamp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseTimeouts = map[string]time.Duration{"generate": 10 * time.Second}
	m := NewMonitor(cfg, nil)

	// Average response around 4s: adaptive = 6s, inside [5s, 30s].
	now := time.Now()
	for i := 0; i < 5; i++ {
		m.RecordPerformance("model-a", now.Add(-4*time.Second), now)
	}

	timeout := m.AdaptiveTimeout("generate", "model-a", 0)
	assert.InDelta(t, (6 * time.Second).Seconds(), timeout.Seconds(), 0.01)
}

func TestAdaptiveTimeout_ClampedToBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseTimeouts = map[string]time.Duration{"generate": 10 * time.Second}

	// Very fast history clamps to 0.5x base.
	m := NewMonitor(cfg, nil)
	now := time.Now()
	for i := 0; i < 5; i++ {
		m.RecordPerformance("fast", now.Add(-10*time.Millisecond), now)
	}
	assert.Equal(t, 5*time.Second, m.AdaptiveTimeout("generate", "fast", 0))

	// Very slow history clamps to 3x base.
	for i := 0; i < 5; i++ {
		m.RecordPerformance("slow", now.Add(-5*time.Minute), now)
	}
	assert.Equal(t, 30*time.Second, m.AdaptiveTimeout("generate", "slow", 0))
}

func TestRecordPerformance_EfficiencyScore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaselineResponseTime = time.Second
	m := NewMonitor(cfg, nil)

	now := time.Now()
	metrics := m.RecordPerformance("model-a", now.Add(-2*time.Second), now)
	assert.InDelta(t, 0.5, metrics.EfficiencyScore, 0.01)

	// Faster than baseline is capped at 1.0.
	metrics = m.RecordPerformance("model-a", now.Add(-100*time.Millisecond), now)
	assert.Equal(t, 1.0, metrics.EfficiencyScore)
}

func TestRecordPerformance_HistoryBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 10
	m := NewMonitor(cfg, nil)

	now := time.Now()
	for i := 0; i < 25; i++ {
		m.RecordPerformance("model-a", now.Add(-time.Second), now)
	}

	p := m.perf("model-a")
	p.mu.RLock()
	defer p.mu.RUnlock()
	assert.Len(t, p.history, 10)
}

func TestRecordPerformance_CriticalLatencyTriggersSwitch(t *testing.T) {
	finder := &stubFallbackFinder{candidates: []routing.FallbackCandidate{candidateFor("model-b")}}
	m := NewMonitor(DefaultConfig(), finder)

	// 20s response breaches the 15s critical latency threshold.
	now := time.Now()
	m.RecordPerformance("model-a", now.Add(-20*time.Second), now)

	require.Equal(t, 1, finder.calls)
	assert.Equal(t, "model-a", finder.lastFailed)

	history := m.SwitchHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "model-a", history[0].FromModel)
	assert.Equal(t, "model-b", history[0].ToModel)
	assert.Equal(t, MetricLatency, history[0].Metric)
}

func TestHandleDegradation_WarningAccumulationTriggersSwitch(t *testing.T) {
	finder := &stubFallbackFinder{candidates: []routing.FallbackCandidate{candidateFor("model-b")}}
	cfg := DefaultConfig()
	cfg.SwitchIssueCount = 3
	m := NewMonitor(cfg, finder)

	warning := PerformanceIssue{
		ModelID: "model-a", Metric: MetricCPU, Severity: SeverityWarning,
		Value: 80, Threshold: 75, Timestamp: time.Now(),
	}
	for i := 0; i < 3; i++ {
		m.recordIssue(warning)
	}

	switched, newModel, opts := m.HandleDegradation(context.Background(), "model-a", warning)
	assert.True(t, switched)
	assert.Equal(t, "model-b", newModel)
	assert.Nil(t, opts)
}

func TestHandleDegradation_WarningReturnsOptimizations(t *testing.T) {
	m := NewMonitor(DefaultConfig(), &stubFallbackFinder{})

	tests := []struct {
		metric MetricKind
		expect []string
	}{
		{MetricCPU, []string{"enable_quantization", "reduce_batch_size"}},
		{MetricMemory, []string{"reduce_context_length", "clear_cache"}},
		{MetricLatency, []string{"increase_timeout", "enable_streaming"}},
	}

	for _, tt := range tests {
		issue := PerformanceIssue{ModelID: "model-a", Metric: tt.metric, Severity: SeverityWarning, Timestamp: time.Now()}
		switched, _, opts := m.HandleDegradation(context.Background(), "model-a", issue)
		assert.False(t, switched)
		assert.Equal(t, tt.expect, opts)
	}
}

func TestHandleDegradation_NoFallbackFallsThroughToOptimizations(t *testing.T) {
	finder := &stubFallbackFinder{} // returns no candidates
	m := NewMonitor(DefaultConfig(), finder)

	issue := PerformanceIssue{ModelID: "model-a", Metric: MetricMemory, Severity: SeverityCritical, Value: 95, Timestamp: time.Now()}
	switched, newModel, opts := m.HandleDegradation(context.Background(), "model-a", issue)

	assert.False(t, switched)
	assert.Empty(t, newModel)
	assert.Equal(t, []string{"reduce_context_length", "clear_cache"}, opts)
	assert.Equal(t, 1, finder.calls)
}

func TestExecute_TimeoutRecordsCriticalIssue(t *testing.T) {
	cfg := DefaultConfig()
	m := NewMonitor(cfg, nil)

	err := m.Execute(context.Background(), "generate", "model-a", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	issues := m.RecentIssues("model-a", time.Minute)
	require.NotEmpty(t, issues)
	found := false
	for _, issue := range issues {
		if issue.Metric == MetricLatency && issue.Severity == SeverityCritical {
			found = true
		}
	}
	assert.True(t, found, "expected a critical latency issue")
}

func TestExecute_OverrunWithNilErrorStillTimesOut(t *testing.T) {
	m := NewMonitor(DefaultConfig(), nil)

	// fn ignores its context, overruns the deadline and reports success.
	err := m.Execute(context.Background(), "generate", "model-a", 20*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(80 * time.Millisecond)
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	issues := m.RecentIssues("model-a", time.Minute)
	require.NotEmpty(t, issues)
	found := false
	for _, issue := range issues {
		if issue.Metric == MetricLatency && issue.Severity == SeverityCritical {
			found = true
		}
	}
	assert.True(t, found, "expected a critical latency issue")
}

func TestExecute_OverrunWithOwnErrorStillTimesOut(t *testing.T) {
	m := NewMonitor(DefaultConfig(), nil)

	err := m.Execute(context.Background(), "generate", "model-a", 20*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(80 * time.Millisecond)
		return errors.New("handler noise")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout, "deadline expiry outranks the handler's own error")
}

func TestExecute_PropagatesHandlerError(t *testing.T) {
	m := NewMonitor(DefaultConfig(), nil)

	boom := errors.New("boom")
	err := m.Execute(context.Background(), "generate", "model-a", time.Second, func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestIssueRing_BoundedFIFO(t *testing.T) {
	ring := newIssueRing(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		ring.Add(PerformanceIssue{Value: float64(i), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	assert.Equal(t, 3, ring.Len())
	issues := ring.Since(base)
	require.Len(t, issues, 3)
	// Oldest two were evicted.
	assert.Equal(t, 2.0, issues[0].Value)
	assert.Equal(t, 4.0, issues[2].Value)
}

func TestRecommendations(t *testing.T) {
	cfg := DefaultConfig()
	m := NewMonitor(cfg, nil)

	// Latency average of ~8s exceeds the 5s warning threshold.
	now := time.Now()
	for i := 0; i < 5; i++ {
		m.RecordPerformance("model-a", now.Add(-8*time.Second), now)
	}

	recs := m.Recommendations("model-a")
	require.NotEmpty(t, recs)
	assert.Contains(t, recs[0].Message, "model-a")
	assert.Contains(t, recs[0].Message, "latency")

	assert.Nil(t, m.Recommendations("unknown-model"))
}
