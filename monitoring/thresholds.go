package monitoring

import (
	"sync"
	"time"
)

// MetricKind identifies a monitored performance metric.
type MetricKind string

const (
	MetricLatency    MetricKind = "latency"
	MetricCPU        MetricKind = "cpu"
	MetricMemory     MetricKind = "memory"
	MetricThroughput MetricKind = "throughput"
)

// IssueSeverity classifies how badly a threshold was breached.
type IssueSeverity int

const (
	SeverityWarning IssueSeverity = iota
	SeverityCritical
)

func (s IssueSeverity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// PerformanceThreshold holds the warning and critical levels for one metric.
// For latency the unit is seconds, for cpu/memory percent of capacity.
type PerformanceThreshold struct {
	Metric   MetricKind
	Warning  float64
	Critical float64
}

// PerformanceIssue captures a single threshold breach for a model.
type PerformanceIssue struct {
	ModelID   string
	Metric    MetricKind
	Severity  IssueSeverity
	Value     float64
	Threshold float64
	Timestamp time.Time
}

// issueRing is a bounded ring buffer of performance issues. Oldest entries
// are overwritten once the capacity is reached.
type issueRing struct {
	mu     sync.RWMutex
	buf    []PerformanceIssue
	next   int
	filled bool
}

func newIssueRing(capacity int) *issueRing {
	if capacity <= 0 {
		capacity = 50
	}
	return &issueRing{buf: make([]PerformanceIssue, capacity)}
}

func (r *issueRing) Add(issue PerformanceIssue) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = issue
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.filled = true
	}
}

// Since returns all issues recorded at or after the cutoff, oldest first.
func (r *issueRing) Since(cutoff time.Time) []PerformanceIssue {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []PerformanceIssue
	appendIf := func(issue PerformanceIssue) {
		if !issue.Timestamp.Before(cutoff) {
			out = append(out, issue)
		}
	}
	if r.filled {
		for i := r.next; i < len(r.buf); i++ {
			appendIf(r.buf[i])
		}
	}
	for i := 0; i < r.next; i++ {
		appendIf(r.buf[i])
	}
	return out
}

func (r *issueRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.filled {
		return len(r.buf)
	}
	return r.next
}
