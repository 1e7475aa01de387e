// Package scheduler implements priority-based task scheduling for AI request
// processing. Tasks are scored from their query analysis and response
// strategy, placed on per-tier priority heaps and executed by a bounded
// worker pool that drains tiers strictly from urgent to background.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("serving/scheduler")

var (
	// ErrQueueFull is returned by Submit when the target tier is at capacity.
	ErrQueueFull = errors.New("queue is full")

	// ErrTaskNotFound is returned when a task id is unknown.
	ErrTaskNotFound = errors.New("task not found")

	// ErrSchedulerClosed is returned by Submit after Close.
	ErrSchedulerClosed = errors.New("scheduler is closed")
)

// Executor wraps task execution in an adaptive timeout scope and records
// its performance. Satisfied by *monitoring.Monitor.
type Executor interface {
	Execute(ctx context.Context, operationType, modelID string, custom time.Duration, fn func(context.Context) error) error
}

// Config holds scheduler configuration.
type Config struct {
	// Workers is the number of concurrent workers.
	Workers int

	// MaxConcurrent bounds simultaneously processing tasks across all
	// workers. Zero means Workers.
	MaxConcurrent int

	// QueueCapacity bounds each tier's queue. Zero means unbounded.
	QueueCapacity int

	// MaxRetries is the default retry budget per task.
	MaxRetries int

	// RetryScoreDecay scales a task's priority score on each re-queue.
	RetryScoreDecay float64

	// HistorySize bounds the completed-task history.
	HistorySize int

	// MetricsInterval is the period of the metrics collector.
	MetricsInterval time.Duration

	// MetricsHistorySize bounds the collected metrics snapshots.
	MetricsHistorySize int

	// Rand supplies the priority jitter. Defaults to a time-seeded source.
	Rand *rand.Rand
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Workers:            5,
		MaxRetries:         3,
		RetryScoreDecay:    0.9,
		HistorySize:        1000,
		MetricsInterval:    60 * time.Second,
		MetricsHistorySize: 100,
	}
}

// Submission describes a task to submit.
type Submission struct {
	Analysis QueryAnalysis
	Strategy ResponseStrategy
	Process  ProcessFunc
	Callback Callback
	Metadata map[string]any

	// MaxRetries overrides the scheduler default when positive.
	MaxRetries int
}

// tierQueue is one tier's heap with its own lock so tiers never contend.
type tierQueue struct {
	mu    sync.Mutex
	tasks taskHeap
}

// Scheduler dispatches prioritized tasks to a bounded worker pool.
type Scheduler struct {
	cfg      Config
	executor Executor
	prom     *promMetrics

	queues [tierCount]*tierQueue
	wake   chan struct{}
	sem    chan struct{}

	mu      sync.RWMutex
	tasks   map[string]*Task
	history []*Task

	randMu sync.Mutex
	rng    *rand.Rand

	totalSubmitted atomic.Int64
	totalCompleted atomic.Int64
	totalFailed    atomic.Int64
	processingNow  atomic.Int64
	processingTime atomic.Int64 // cumulative, nanoseconds

	metricsMu sync.Mutex
	metrics   []QueueMetrics

	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New creates a scheduler. executor may be nil, in which case tasks run
// under a plain per-tier deadline without performance tracking.
func New(cfg Config, executor Executor) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = cfg.Workers
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryScoreDecay <= 0 || cfg.RetryScoreDecay >= 1 {
		cfg.RetryScoreDecay = 0.9
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = 60 * time.Second
	}
	if cfg.MetricsHistorySize <= 0 {
		cfg.MetricsHistorySize = 100
	}

	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	s := &Scheduler{
		cfg:      cfg,
		executor: executor,
		prom:     newPromMetrics(),
		wake:     make(chan struct{}, cfg.Workers),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		tasks:    make(map[string]*Task),
		rng:      rng,
		stop:     make(chan struct{}),
	}
	for i := range s.queues {
		s.queues[i] = &tierQueue{}
	}
	return s
}

// Start launches the worker pool and the metrics collector. Workers exit
// when ctx is cancelled or Close is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		for i := 0; i < s.cfg.Workers; i++ {
			s.wg.Add(1)
			go s.worker(ctx, i)
		}
		s.wg.Add(1)
		go s.collectMetrics(ctx)
		log.Infow("scheduler started", "workers", s.cfg.Workers, "max_concurrent", s.cfg.MaxConcurrent)
	})
}

// Close stops the workers and waits for in-flight tasks to finish.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stop)
		s.wg.Wait()
		log.Info("scheduler stopped")
	})
}

// Submit scores and enqueues a task, returning its id.
func (s *Scheduler) Submit(sub Submission) (string, error) {
	if s.closed.Load() {
		return "", ErrSchedulerClosed
	}
	if sub.Process == nil {
		return "", errors.New("submission has no processing function")
	}

	tier := selectTier(sub.Analysis, sub.Strategy)
	score := s.priorityScore(tier, sub.Analysis, sub.Strategy)

	maxRetries := sub.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.MaxRetries
	}

	task := &Task{
		ID:            uuid.NewString(),
		QueryID:       sub.Analysis.QueryID,
		Analysis:      sub.Analysis,
		Strategy:      sub.Strategy,
		Process:       sub.Process,
		Callback:      sub.Callback,
		Metadata:      sub.Metadata,
		PriorityScore: score,
		Tier:          tier,
		Status:        StatusQueued,
		CreatedAt:     time.Now(),
		MaxRetries:    maxRetries,
	}

	q := s.queues[tier]
	q.mu.Lock()
	if s.cfg.QueueCapacity > 0 && q.tasks.Len() >= s.cfg.QueueCapacity {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: tier %s", ErrQueueFull, tier)
	}
	heap.Push(&q.tasks, task)
	q.mu.Unlock()

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()

	s.totalSubmitted.Add(1)
	s.prom.submitted.WithLabelValues(tier.String()).Inc()
	s.notify()

	log.Debugw("task submitted", "task", task.ID, "tier", tier.String(), "score", score)
	return task.ID, nil
}

// priorityScore computes tier weight scaled by priority, complexity, mode
// and estimated-duration multipliers, with a ±5% jitter to break ties
// between equally scored tasks.
func (s *Scheduler) priorityScore(tier QueueTier, analysis QueryAnalysis, strategy ResponseStrategy) float64 {
	score := tier.Weight()
	score *= priorityMultiplier(analysis.Priority)
	score *= complexityMultiplier(analysis.Complexity)
	score *= modeMultiplier(strategy.Mode)
	score *= durationMultiplier(strategy.EstimatedDuration)

	s.randMu.Lock()
	jitter := 0.95 + s.rng.Float64()*0.1
	s.randMu.Unlock()
	return score * jitter
}

func priorityMultiplier(p DeclaredPriority) float64 {
	switch p {
	case PriorityUrgent:
		return 2.0
	case PriorityHigh:
		return 1.5
	case PriorityLow:
		return 0.7
	default:
		return 1.0
	}
}

func complexityMultiplier(c Complexity) float64 {
	switch c {
	case ComplexitySimple:
		return 1.1
	case ComplexityComplex:
		return 0.9
	default:
		return 1.0
	}
}

func modeMultiplier(m ProcessingMode) float64 {
	switch m {
	case ModeFast:
		return 1.2
	case ModeComprehensive:
		return 0.8
	case ModeStreaming:
		return 1.1
	default:
		return 1.0
	}
}

func durationMultiplier(estimated time.Duration) float64 {
	switch {
	case estimated <= 0:
		return 1.0
	case estimated < 5*time.Second:
		return 1.1
	case estimated > 15*time.Second:
		return 0.9
	default:
		return 1.0
	}
}

// selectTier picks the queue tier from the declared priority first, then the
// processing mode, then the complexity.
func selectTier(analysis QueryAnalysis, strategy ResponseStrategy) QueueTier {
	switch analysis.Priority {
	case PriorityUrgent:
		return TierUrgent
	case PriorityHigh:
		return TierHigh
	case PriorityLow:
		return TierLow
	}
	switch strategy.Mode {
	case ModeFast:
		return TierHigh
	case ModeComprehensive:
		return TierNormal
	}
	switch analysis.Complexity {
	case ComplexitySimple:
		return TierHigh
	case ComplexityComplex:
		return TierNormal
	}
	return TierNormal
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// worker repeatedly pops the highest-scored task from the first non-empty
// tier and executes it under the tier's time limit. The global semaphore is
// acquired before dequeuing so a task is never popped just to sit blocked
// while higher-priority work arrives behind it.
func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()

	for {
		select {
		case s.sem <- struct{}{}:
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}

		task := s.dequeue()
		if task == nil {
			<-s.sem
			select {
			case <-s.wake:
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		s.runTask(ctx, task)
		<-s.sem
	}
}

// dequeue scans tiers urgent to background and pops from the first
// non-empty one.
func (s *Scheduler) dequeue() *Task {
	for tier := TierUrgent; tier <= TierBackground; tier++ {
		q := s.queues[tier]
		q.mu.Lock()
		if q.tasks.Len() > 0 {
			task := heap.Pop(&q.tasks).(*Task)
			q.mu.Unlock()
			return task
		}
		q.mu.Unlock()
	}
	return nil
}

func (s *Scheduler) requeue(task *Task) {
	q := s.queues[task.Tier]
	q.mu.Lock()
	heap.Push(&q.tasks, task)
	q.mu.Unlock()
}

func (s *Scheduler) runTask(ctx context.Context, task *Task) {
	s.mu.Lock()
	if task.Status == StatusCancelled {
		// Cancel raced with the dequeue and already finalized the task.
		s.mu.Unlock()
		return
	}
	task.Status = StatusProcessing
	task.StartedAt = time.Now()
	taskCtx, cancel := context.WithCancel(ctx)
	task.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	s.processingNow.Add(1)
	defer s.processingNow.Add(-1)

	var result any
	run := func(c context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorw("task panic recovered", "task", task.ID, "panic", r)
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		result, err = task.Process(c)
		return err
	}

	var err error
	if s.executor != nil {
		err = s.executor.Execute(taskCtx, string(task.Strategy.Mode), task.Strategy.ModelID, task.Tier.TimeLimit(), run)
	} else {
		deadlineCtx, cancelDeadline := context.WithTimeout(taskCtx, task.Tier.TimeLimit())
		err = run(deadlineCtx)
		if err == nil && deadlineCtx.Err() != nil {
			err = deadlineCtx.Err()
		}
		cancelDeadline()
	}

	switch {
	// Cancelled is terminal even when fn ignored the context and returned
	// normally.
	case s.wasCancelled(task):
		if err == nil {
			err = context.Canceled
		}
		s.finalize(task, StatusCancelled, nil, err)

	case err == nil:
		s.finalize(task, StatusCompleted, result, nil)

	case task.RetryCount < task.MaxRetries:
		s.retry(task)

	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		s.finalize(task, StatusTimedOut, nil, err)

	default:
		s.finalize(task, StatusFailed, nil, err)
	}
}

// isTimeout matches executor timeout errors without importing the
// monitoring package.
func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func (s *Scheduler) wasCancelled(task *Task) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return task.Status == StatusCancelled
}

// retry decays the task's priority score and re-queues it immediately.
// Backoff delays belong to the processing function, not the queue.
func (s *Scheduler) retry(task *Task) {
	s.mu.Lock()
	task.RetryCount++
	task.PriorityScore *= s.cfg.RetryScoreDecay
	task.Status = StatusQueued
	task.cancel = nil
	retries, score := task.RetryCount, task.PriorityScore
	s.mu.Unlock()

	s.requeue(task)
	s.prom.retries.Inc()
	s.notify()
	log.Debugw("task re-queued", "task", task.ID, "retry", retries, "score", score)
}

func (s *Scheduler) finalize(task *Task, status TaskStatus, result any, err error) {
	s.mu.Lock()
	task.Status = status
	task.CompletedAt = time.Now()
	task.Err = err
	task.cancel = nil

	s.history = append(s.history, task)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.mu.Unlock()

	elapsed := task.ProcessingTime()
	if elapsed > 0 {
		s.processingTime.Add(int64(elapsed))
		s.prom.processingTime.WithLabelValues(task.Tier.String()).Observe(elapsed.Seconds())
	}

	switch status {
	case StatusCompleted:
		s.totalCompleted.Add(1)
		s.prom.completed.WithLabelValues(task.Tier.String(), status.String()).Inc()
	default:
		s.totalFailed.Add(1)
		s.prom.completed.WithLabelValues(task.Tier.String(), status.String()).Inc()
		log.Warnw("task finished unsuccessfully", "task", task.ID, "status", status.String(), "error", err)
	}

	if task.Callback != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorw("task callback panic recovered", "task", task.ID, "panic", r)
				}
			}()
			task.Callback(task.ID, result, err)
		}()
	}
}

// GetTaskStatus returns a snapshot of a task's state.
func (s *Scheduler) GetTaskStatus(taskID string) (TaskSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return TaskSnapshot{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return TaskSnapshot{
		ID:             task.ID,
		QueryID:        task.QueryID,
		Status:         task.Status,
		Tier:           task.Tier,
		PriorityScore:  task.PriorityScore,
		CreatedAt:      task.CreatedAt,
		StartedAt:      task.StartedAt,
		CompletedAt:    task.CompletedAt,
		RetryCount:     task.RetryCount,
		ProcessingTime: task.ProcessingTime(),
		Err:            task.Err,
	}, nil
}

// Cancel marks a task cancelled. A queued task is removed from its heap; a
// processing task has its context cancelled and the worker observes the
// cancellation cooperatively. Returns false for unknown or already terminal
// tasks.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok || task.Status.Terminal() {
		s.mu.Unlock()
		return false
	}

	if task.Status == StatusProcessing {
		task.Status = StatusCancelled
		if task.cancel != nil {
			task.cancel()
		}
		s.mu.Unlock()
		log.Debugw("cancelled processing task", "task", taskID)
		return true
	}

	task.Status = StatusCancelled
	s.mu.Unlock()

	q := s.queues[task.Tier]
	q.mu.Lock()
	if task.heapIndex >= 0 && task.heapIndex < q.tasks.Len() && q.tasks[task.heapIndex] == task {
		heap.Remove(&q.tasks, task.heapIndex)
	}
	q.mu.Unlock()

	s.finalize(task, StatusCancelled, nil, context.Canceled)
	return true
}

// TierStatus describes one tier's queue.
type TierStatus struct {
	Tier        QueueTier
	Length      int
	OldestAge   time.Duration
	AvgPriority float64
}

// QueueStatus returns per-tier queue length, oldest waiting age and average
// priority score.
func (s *Scheduler) QueueStatus() []TierStatus {
	now := time.Now()
	out := make([]TierStatus, 0, tierCount)
	for tier := TierUrgent; tier <= TierBackground; tier++ {
		q := s.queues[tier]
		q.mu.Lock()
		status := TierStatus{Tier: tier, Length: q.tasks.Len()}
		var totalScore float64
		var oldest time.Time
		for _, task := range q.tasks {
			totalScore += task.PriorityScore
			if oldest.IsZero() || task.CreatedAt.Before(oldest) {
				oldest = task.CreatedAt
			}
		}
		q.mu.Unlock()

		if status.Length > 0 {
			status.AvgPriority = totalScore / float64(status.Length)
			status.OldestAge = now.Sub(oldest)
		}
		out = append(out, status)
	}
	return out
}

// QueueMetrics is one periodic metrics snapshot.
type QueueMetrics struct {
	Timestamp            time.Time
	TotalSubmitted       int64
	TotalCompleted       int64
	TotalFailed          int64
	AvgProcessingTime    time.Duration
	QueueLengths         map[string]int
	ThroughputPerMinute  float64
	PriorityDistribution map[string]int
	WorkerUtilization    float64
}

// collectMetrics snapshots queue metrics on the configured interval.
func (s *Scheduler) collectMetrics(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.MetricsInterval)
	defer ticker.Stop()

	var lastCompleted int64
	var lastAt = time.Now()

	for {
		select {
		case <-ticker.C:
			snapshot := s.snapshotMetrics(&lastCompleted, &lastAt)
			s.metricsMu.Lock()
			s.metrics = append(s.metrics, snapshot)
			if len(s.metrics) > s.cfg.MetricsHistorySize {
				s.metrics = s.metrics[len(s.metrics)-s.cfg.MetricsHistorySize:]
			}
			s.metricsMu.Unlock()
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) snapshotMetrics(lastCompleted *int64, lastAt *time.Time) QueueMetrics {
	now := time.Now()
	completed := s.totalCompleted.Load()
	failed := s.totalFailed.Load()
	finished := completed + failed

	var avg time.Duration
	if finished > 0 {
		avg = time.Duration(s.processingTime.Load() / finished)
	}

	elapsed := now.Sub(*lastAt).Minutes()
	var throughput float64
	if elapsed > 0 {
		throughput = float64(completed-*lastCompleted) / elapsed
	}
	*lastCompleted = completed
	*lastAt = now

	lengths := make(map[string]int, tierCount)
	distribution := make(map[string]int, tierCount)
	for tier := TierUrgent; tier <= TierBackground; tier++ {
		q := s.queues[tier]
		q.mu.Lock()
		n := q.tasks.Len()
		q.mu.Unlock()
		lengths[tier.String()] = n
		distribution[tier.String()] = n
		s.prom.queueDepth.WithLabelValues(tier.String()).Set(float64(n))
	}

	return QueueMetrics{
		Timestamp:            now,
		TotalSubmitted:       s.totalSubmitted.Load(),
		TotalCompleted:       completed,
		TotalFailed:          failed,
		AvgProcessingTime:    avg,
		QueueLengths:         lengths,
		ThroughputPerMinute:  throughput,
		PriorityDistribution: distribution,
		WorkerUtilization:    float64(s.processingNow.Load()) / float64(s.cfg.MaxConcurrent),
	}
}

// Metrics returns the collected metrics snapshots, oldest first.
func (s *Scheduler) Metrics() []QueueMetrics {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	out := make([]QueueMetrics, len(s.metrics))
	copy(out, s.metrics)
	return out
}
