package scheduler

import (
	"container/heap"
	"context"
	"time"
)

// QueueTier determines coarse scheduling precedence. Workers always drain
// higher tiers before looking at lower ones.
type QueueTier int

const (
	TierUrgent QueueTier = iota
	TierHigh
	TierNormal
	TierLow
	TierBackground

	tierCount = 5
)

func (t QueueTier) String() string {
	switch t {
	case TierUrgent:
		return "urgent"
	case TierHigh:
		return "high"
	case TierNormal:
		return "normal"
	case TierLow:
		return "low"
	case TierBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Weight is the tier's base priority weight.
func (t QueueTier) Weight() float64 {
	switch t {
	case TierUrgent:
		return 1000
	case TierHigh:
		return 500
	case TierNormal:
		return 100
	case TierLow:
		return 50
	case TierBackground:
		return 10
	default:
		return 100
	}
}

// TimeLimit is the per-task processing deadline for this tier.
func (t QueueTier) TimeLimit() time.Duration {
	switch t {
	case TierUrgent:
		return 5 * time.Second
	case TierHigh:
		return 15 * time.Second
	case TierNormal:
		return 30 * time.Second
	case TierLow:
		return 60 * time.Second
	case TierBackground:
		return 120 * time.Second
	default:
		return 30 * time.Second
	}
}

// TaskStatus is the lifecycle state of a task. Completed, Failed, Cancelled
// and TimedOut are terminal.
type TaskStatus int

const (
	StatusQueued TaskStatus = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusTimedOut
)

func (s TaskStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status will never change again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// DeclaredPriority is the caller's urgency hint for a task.
type DeclaredPriority string

const (
	PriorityUrgent DeclaredPriority = "urgent"
	PriorityHigh   DeclaredPriority = "high"
	PriorityNormal DeclaredPriority = "normal"
	PriorityLow    DeclaredPriority = "low"
)

// Complexity classifies how much work answering the query takes.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// ProcessingMode selects the latency/quality trade-off for a task.
type ProcessingMode string

const (
	ModeFast          ProcessingMode = "fast"
	ModeBalanced      ProcessingMode = "balanced"
	ModeComprehensive ProcessingMode = "comprehensive"
	ModeStreaming     ProcessingMode = "streaming"
)

// QueryAnalysis carries the caller's assessment of the query.
type QueryAnalysis struct {
	QueryID    string
	Complexity Complexity
	Priority   DeclaredPriority
	Modalities []string
}

// ResponseStrategy carries the chosen processing plan for the query.
type ResponseStrategy struct {
	Mode              ProcessingMode
	ModelID           string
	EstimatedDuration time.Duration
}

// ProcessFunc is the task's body. It observes cancellation and timeouts
// through its context.
type ProcessFunc func(ctx context.Context) (any, error)

// Callback is invoked after a task reaches Completed with its result, or a
// terminal failure with the error.
type Callback func(taskID string, result any, err error)

// Task is a scheduled unit of work. From submission to terminal status it is
// owned by the scheduler; caller-visible state is read through snapshots.
type Task struct {
	ID       string
	QueryID  string
	Analysis QueryAnalysis
	Strategy ResponseStrategy
	Process  ProcessFunc
	Callback Callback
	Metadata map[string]any

	PriorityScore float64
	Tier          QueueTier
	Status        TaskStatus

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	RetryCount int
	MaxRetries int
	Err        error

	// cancel aborts the processing context when the task is cancelled
	// while running. Set by the owning worker.
	cancel context.CancelFunc

	heapIndex int
}

// ProcessingTime returns how long the task spent executing, or 0 if it has
// not finished.
func (t *Task) ProcessingTime() time.Duration {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// TaskSnapshot is the caller-visible view of a task's state.
type TaskSnapshot struct {
	ID             string
	QueryID        string
	Status         TaskStatus
	Tier           QueueTier
	PriorityScore  float64
	CreatedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
	RetryCount     int
	ProcessingTime time.Duration
	Err            error
}

// taskHeap is a max-heap of tasks ordered by priority score. Ties break by
// submission time, oldest first.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].PriorityScore != h[j].PriorityScore {
		return h[i].PriorityScore > h[j].PriorityScore
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}

var _ heap.Interface = (*taskHeap)(nil)
