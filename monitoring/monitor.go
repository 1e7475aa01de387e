// Package monitoring measures per-model operation latency and resource use,
// computes adaptive timeouts, detects performance degradation and either
// requests a model switch or proposes optimization adjustments.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adaptive-serving/servingcore/routing"
)

// ErrTimeout is returned when an operation exceeds its adaptive timeout.
var ErrTimeout = errors.New("operation timed out")

// FallbackFinder is the slice of the router the monitor needs to request a
// model switch. Satisfied by *routing.Router.
type FallbackFinder interface {
	FindFallbacks(ctx context.Context, failedModel string, requirements []routing.ModalityRequirement, maxCandidates int) []routing.FallbackCandidate
}

// Config holds configuration for the degradation monitor.
type Config struct {
	// BaseTimeouts maps operation types to their base timeout. Operations
	// not listed use DefaultBaseTimeout.
	BaseTimeouts map[string]time.Duration

	// DefaultBaseTimeout is the base timeout for unknown operation types.
	DefaultBaseTimeout time.Duration

	// BaselineResponseTime anchors the model efficiency score.
	BaselineResponseTime time.Duration

	// HistorySize bounds the per-model rolling metrics history.
	HistorySize int

	// IssueCapacity bounds the per-model issue ring buffer.
	IssueCapacity int

	// SwitchIssueCount is the number of issues within SwitchWindow that
	// triggers a model switch even without a critical breach.
	SwitchIssueCount int
	SwitchWindow     time.Duration

	// Thresholds are checked against every recorded metric sample.
	Thresholds []PerformanceThreshold

	// FallbackRequirements are the modality requirements used when asking
	// the router for a replacement model.
	FallbackRequirements []routing.ModalityRequirement
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		BaseTimeouts: map[string]time.Duration{
			"generate":  30 * time.Second,
			"stream":    60 * time.Second,
			"embedding": 10 * time.Second,
		},
		DefaultBaseTimeout:   30 * time.Second,
		BaselineResponseTime: time.Second,
		HistorySize:          100,
		IssueCapacity:        50,
		SwitchIssueCount:     3,
		SwitchWindow:         5 * time.Minute,
		Thresholds: []PerformanceThreshold{
			{Metric: MetricLatency, Warning: 5, Critical: 15},
			{Metric: MetricCPU, Warning: 75, Critical: 90},
			{Metric: MetricMemory, Warning: 75, Critical: 90},
		},
		FallbackRequirements: []routing.ModalityRequirement{
			{Modality: routing.ModalityText, Input: true, Output: true, Priority: routing.RequirementRequired},
		},
	}
}

// Metrics is one recorded performance sample for a model.
type Metrics struct {
	ModelID         string
	ResponseTime    time.Duration
	CPUPercent      float64
	MemoryPercent   float64
	EfficiencyScore float64
	Timestamp       time.Time
}

// ModelSwitch records one degradation-triggered model change.
type ModelSwitch struct {
	FromModel    string
	ToModel      string
	Reason       string
	Metric       MetricKind
	TriggerValue float64
	Timestamp    time.Time
}

// Recommendation is a prioritized, human-readable tuning suggestion.
type Recommendation struct {
	Severity IssueSeverity
	Message  string
}

// modelPerf holds the monitor's per-model state. Each model has its own
// lock so unrelated models never contend.
type modelPerf struct {
	mu      sync.RWMutex
	history []Metrics
	issues  *issueRing
}

// Monitor implements adaptive timeouts and degradation detection.
type Monitor struct {
	cfg     Config
	router  FallbackFinder
	sampler *ResourceSampler
	logger  *slog.Logger
	prom    *promMetrics

	mu     sync.RWMutex
	models map[string]*modelPerf

	switchMu sync.Mutex
	switches []ModelSwitch
}

// NewMonitor creates a monitor. router may be nil, in which case
// degradation handling only ever returns optimization adjustments.
func NewMonitor(cfg Config, router FallbackFinder) *Monitor {
	if cfg.DefaultBaseTimeout <= 0 {
		cfg.DefaultBaseTimeout = 30 * time.Second
	}
	if cfg.BaselineResponseTime <= 0 {
		cfg.BaselineResponseTime = time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.IssueCapacity <= 0 {
		cfg.IssueCapacity = 50
	}
	if cfg.SwitchIssueCount <= 0 {
		cfg.SwitchIssueCount = 3
	}
	if cfg.SwitchWindow <= 0 {
		cfg.SwitchWindow = 5 * time.Minute
	}

	return &Monitor{
		cfg:     cfg,
		router:  router,
		sampler: NewResourceSampler(),
		logger:  slog.Default().With("component", "monitoring"),
		prom:    newPromMetrics(),
		models:  make(map[string]*modelPerf),
	}
}

func (m *Monitor) perf(modelID string) *modelPerf {
	m.mu.RLock()
	p, ok := m.models[modelID]
	m.mu.RUnlock()
	if ok {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok = m.models[modelID]; ok {
		return p
	}
	p = &modelPerf{issues: newIssueRing(m.cfg.IssueCapacity)}
	m.models[modelID] = p
	return p
}

func (m *Monitor) baseTimeout(operationType string) time.Duration {
	if d, ok := m.cfg.BaseTimeouts[operationType]; ok && d > 0 {
		return d
	}
	return m.cfg.DefaultBaseTimeout
}

// AdaptiveTimeout computes the effective timeout for an operation. With
// recorded history the timeout tracks 1.5x the recent average response time,
// clamped to [0.5*base, 3*base]; without history the base timeout is used.
// A positive custom value replaces the configured base.
func (m *Monitor) AdaptiveTimeout(operationType, modelID string, custom time.Duration) time.Duration {
	base := custom
	if base <= 0 {
		base = m.baseTimeout(operationType)
	}

	avg := m.averageResponseTime(modelID)
	if avg <= 0 {
		return base
	}

	adaptive := time.Duration(float64(avg) * 1.5)
	min := base / 2
	max := 3 * base
	if adaptive < min {
		return min
	}
	if adaptive > max {
		return max
	}
	return adaptive
}

func (m *Monitor) averageResponseTime(modelID string) time.Duration {
	m.mu.RLock()
	p, ok := m.models[modelID]
	m.mu.RUnlock()
	if !ok {
		return 0
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.history) == 0 {
		return 0
	}
	var total time.Duration
	for _, sample := range p.history {
		total += sample.ResponseTime
	}
	return total / time.Duration(len(p.history))
}

// WithTimeout derives a context bounded by the adaptive timeout.
func (m *Monitor) WithTimeout(ctx context.Context, operationType, modelID string, custom time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.AdaptiveTimeout(operationType, modelID, custom))
}

// Execute runs fn inside an adaptive timeout scope and records the
// operation's performance. A timeout is recorded as a critical latency issue
// and surfaced as ErrTimeout.
func (m *Monitor) Execute(ctx context.Context, operationType, modelID string, custom time.Duration, fn func(context.Context) error) error {
	timeout := m.AdaptiveTimeout(operationType, modelID, custom)
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m.prom.activeScopes.Inc()
	defer m.prom.activeScopes.Dec()

	start := time.Now()
	err := fn(opCtx)
	end := time.Now()

	m.RecordPerformance(modelID, start, end)

	// Expiry of the adaptive deadline counts as a timeout even when fn
	// swallowed the context error or returned one of its own.
	if opCtx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		issue := PerformanceIssue{
			ModelID:   modelID,
			Metric:    MetricLatency,
			Severity:  SeverityCritical,
			Value:     end.Sub(start).Seconds(),
			Threshold: timeout.Seconds(),
			Timestamp: end,
		}
		m.recordIssue(issue)
		m.HandleDegradation(ctx, modelID, issue)
		return fmt.Errorf("%w: %s on model %s after %v: %w", ErrTimeout, operationType, modelID, timeout, context.DeadlineExceeded)
	}
	return err
}

// RecordPerformance computes response time and resource usage for one
// completed operation, appends it to the model's rolling history and checks
// every configured threshold. Critical breaches trigger degradation handling
// immediately.
func (m *Monitor) RecordPerformance(modelID string, start, end time.Time) Metrics {
	responseTime := end.Sub(start)
	sample := m.sampler.Sample()

	actual := responseTime
	if actual <= 0 {
		actual = time.Microsecond
	}
	efficiency := float64(m.cfg.BaselineResponseTime) / float64(actual)
	if efficiency > 1.0 {
		efficiency = 1.0
	}

	metrics := Metrics{
		ModelID:         modelID,
		ResponseTime:    responseTime,
		CPUPercent:      sample.CPUPercent,
		MemoryPercent:   sample.MemoryPercent,
		EfficiencyScore: efficiency,
		Timestamp:       end,
	}

	p := m.perf(modelID)
	p.mu.Lock()
	p.history = append(p.history, metrics)
	if len(p.history) > m.cfg.HistorySize {
		p.history = p.history[len(p.history)-m.cfg.HistorySize:]
	}
	p.mu.Unlock()

	m.prom.responseTime.WithLabelValues(modelID).Observe(responseTime.Seconds())

	for _, issue := range m.checkThresholds(metrics) {
		m.recordIssue(issue)
		if issue.Severity == SeverityCritical {
			m.HandleDegradation(context.Background(), modelID, issue)
		}
	}

	return metrics
}

func (m *Monitor) checkThresholds(metrics Metrics) []PerformanceIssue {
	var issues []PerformanceIssue
	for _, threshold := range m.cfg.Thresholds {
		var value float64
		switch threshold.Metric {
		case MetricLatency:
			value = metrics.ResponseTime.Seconds()
		case MetricCPU:
			value = metrics.CPUPercent
		case MetricMemory:
			value = metrics.MemoryPercent
		default:
			continue
		}

		issue := PerformanceIssue{
			ModelID:   metrics.ModelID,
			Metric:    threshold.Metric,
			Value:     value,
			Timestamp: metrics.Timestamp,
		}
		switch {
		case threshold.Critical > 0 && value >= threshold.Critical:
			issue.Severity = SeverityCritical
			issue.Threshold = threshold.Critical
		case threshold.Warning > 0 && value >= threshold.Warning:
			issue.Severity = SeverityWarning
			issue.Threshold = threshold.Warning
		default:
			continue
		}
		issues = append(issues, issue)
	}
	return issues
}

func (m *Monitor) recordIssue(issue PerformanceIssue) {
	m.perf(issue.ModelID).issues.Add(issue)
	m.prom.issues.WithLabelValues(issue.ModelID, issue.Severity.String()).Inc()

	m.logger.Warn("performance threshold breached",
		"model", issue.ModelID,
		"metric", string(issue.Metric),
		"severity", issue.Severity.String(),
		"value", issue.Value,
		"threshold", issue.Threshold)
}

// RecentIssues returns the issues recorded for a model within the window.
func (m *Monitor) RecentIssues(modelID string, window time.Duration) []PerformanceIssue {
	m.mu.RLock()
	p, ok := m.models[modelID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return p.issues.Since(time.Now().Add(-window))
}

// HandleDegradation decides how to react to a performance issue. The model
// is switched when the issue is critical or when the model accumulated
// enough issues inside the switch window; otherwise type-specific
// optimization adjustments are returned.
func (m *Monitor) HandleDegradation(ctx context.Context, modelID string, issue PerformanceIssue) (switched bool, newModel string, optimizations []string) {
	recent := m.RecentIssues(modelID, m.cfg.SwitchWindow)
	shouldSwitch := issue.Severity == SeverityCritical || len(recent) >= m.cfg.SwitchIssueCount

	if shouldSwitch && m.router != nil {
		candidates := m.router.FindFallbacks(ctx, modelID, m.cfg.FallbackRequirements, 1)
		if len(candidates) > 0 {
			target := candidates[0].Model.ID
			m.recordSwitch(ModelSwitch{
				FromModel:    modelID,
				ToModel:      target,
				Reason:       fmt.Sprintf("%s issue (%s)", issue.Metric, issue.Severity),
				Metric:       issue.Metric,
				TriggerValue: issue.Value,
				Timestamp:    time.Now(),
			})
			return true, target, nil
		}
		m.logger.Warn("degradation switch requested but no fallback available", "model", modelID)
	}

	return false, "", optimizationsFor(issue.Metric)
}

func optimizationsFor(metric MetricKind) []string {
	switch metric {
	case MetricCPU:
		return []string{"enable_quantization", "reduce_batch_size"}
	case MetricMemory:
		return []string{"reduce_context_length", "clear_cache"}
	case MetricLatency:
		return []string{"increase_timeout", "enable_streaming"}
	case MetricThroughput:
		return []string{"increase_worker_count"}
	default:
		return nil
	}
}

func (m *Monitor) recordSwitch(event ModelSwitch) {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.switches = append(m.switches, event)
	if len(m.switches) > 100 {
		m.switches = m.switches[len(m.switches)-100:]
	}
	m.prom.modelSwitches.Inc()

	m.logger.Info("switched model due to degradation",
		"from", event.FromModel,
		"to", event.ToModel,
		"reason", event.Reason,
		"trigger_value", event.TriggerValue)
}

// SwitchHistory returns the recorded model switches, oldest first.
func (m *Monitor) SwitchHistory() []ModelSwitch {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()
	out := make([]ModelSwitch, len(m.switches))
	copy(out, m.switches)
	return out
}

// Recommendations summarizes a model's recent metrics and emits prioritized
// suggestions for every exceeded threshold.
func (m *Monitor) Recommendations(modelID string) []Recommendation {
	m.mu.RLock()
	p, ok := m.models[modelID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	p.mu.RLock()
	history := make([]Metrics, len(p.history))
	copy(history, p.history)
	p.mu.RUnlock()

	if len(history) == 0 {
		return nil
	}

	var latency, cpu, memory float64
	for _, sample := range history {
		latency += sample.ResponseTime.Seconds()
		cpu += sample.CPUPercent
		memory += sample.MemoryPercent
	}
	n := float64(len(history))
	latency /= n
	cpu /= n
	memory /= n

	var recs []Recommendation
	for _, threshold := range m.cfg.Thresholds {
		var avg float64
		var unit string
		switch threshold.Metric {
		case MetricLatency:
			avg, unit = latency, "s"
		case MetricCPU:
			avg, unit = cpu, "%"
		case MetricMemory:
			avg, unit = memory, "%"
		default:
			continue
		}

		switch {
		case threshold.Critical > 0 && avg >= threshold.Critical:
			recs = append(recs, Recommendation{
				Severity: SeverityCritical,
				Message: fmt.Sprintf("average %s for model %s is %.2f%s (critical threshold %.2f%s); consider switching models or applying: %v",
					threshold.Metric, modelID, avg, unit, threshold.Critical, unit, optimizationsFor(threshold.Metric)),
			})
		case threshold.Warning > 0 && avg >= threshold.Warning:
			recs = append(recs, Recommendation{
				Severity: SeverityWarning,
				Message: fmt.Sprintf("average %s for model %s is %.2f%s (warning threshold %.2f%s); consider: %v",
					threshold.Metric, modelID, avg, unit, threshold.Warning, unit, optimizationsFor(threshold.Metric)),
			})
		}
	}

	// Critical recommendations first.
	for i := 0; i < len(recs); i++ {
		for j := i + 1; j < len(recs); j++ {
			if recs[j].Severity > recs[i].Severity {
				recs[i], recs[j] = recs[j], recs[i]
			}
		}
	}
	return recs
}
