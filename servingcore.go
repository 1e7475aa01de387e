// Package servingcore composes the adaptive request-serving layer: a
// priority scheduler, a model availability router, a performance
// degradation monitor and streaming interruption recovery, wired together
// behind one service with an explicit lifecycle.
package servingcore

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/adaptive-serving/servingcore/config"
	"github.com/adaptive-serving/servingcore/monitoring"
	"github.com/adaptive-serving/servingcore/routing"
	"github.com/adaptive-serving/servingcore/scheduler"
	"github.com/adaptive-serving/servingcore/streaming"
)

var log = logging.Logger("serving/core")

// Service is the composed serving layer. Construct it with New, start it
// once and close it when done; all methods are safe for concurrent use.
type Service struct {
	cfg *config.Config

	router    *routing.Router
	monitor   *monitoring.Monitor
	scheduler *scheduler.Scheduler
	recovery  *streaming.Recovery

	startOnce sync.Once
	closeOnce sync.Once
}

// Options carries the injectable collaborators the service cannot default.
type Options struct {
	// Probe checks one model's health. Required for routing to do
	// anything useful; nil makes every probe succeed immediately.
	Probe routing.ProbeFunc

	// Generators supply streaming recovery's content callbacks.
	Generators streaming.Generators
}

// New wires the components together: the router stands alone, the monitor
// uses the router for degradation fallbacks, the scheduler executes tasks
// through the monitor, and streaming recovery is independent.
func New(cfg *config.Config, opts Options) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	probe := opts.Probe
	if probe == nil {
		probe = func(ctx context.Context, modelID string) error { return nil }
	}

	router := routing.NewRouter(cfg.RoutingConfig(), probe)
	monitor := monitoring.NewMonitor(cfg.MonitoringConfig(), router)
	sched := scheduler.New(cfg.SchedulerConfig(), monitor)

	streamCfg := cfg.StreamingConfig()
	streamCfg.Generators = opts.Generators
	recovery := streaming.NewRecovery(streamCfg)

	return &Service{
		cfg:       cfg,
		router:    router,
		monitor:   monitor,
		scheduler: sched,
		recovery:  recovery,
	}, nil
}

// Start launches the scheduler's worker pool.
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.scheduler.Start(ctx)
		log.Info("serving layer started")
	})
}

// Close stops the workers and waits for in-flight tasks.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.scheduler.Close()
		log.Info("serving layer stopped")
	})
}

// RegisterModel makes a model routable.
func (s *Service) RegisterModel(info routing.ModelInfo) {
	s.router.RegisterModel(info)
}

// Submit schedules a task and returns its id.
func (s *Service) Submit(sub scheduler.Submission) (string, error) {
	return s.scheduler.Submit(sub)
}

// GetTaskStatus returns a snapshot of a task's state.
func (s *Service) GetTaskStatus(taskID string) (scheduler.TaskSnapshot, error) {
	return s.scheduler.GetTaskStatus(taskID)
}

// GetQueueStatus returns per-tier queue length, oldest age and average
// priority.
func (s *Service) GetQueueStatus() []scheduler.TierStatus {
	return s.scheduler.QueueStatus()
}

// CancelTask cancels a queued or processing task.
func (s *Service) CancelTask(taskID string) bool {
	return s.scheduler.Cancel(taskID)
}

// CheckModelAvailability probes one model's health, respecting its circuit
// breaker and concurrency cap.
func (s *Service) CheckModelAvailability(ctx context.Context, modelID string) (routing.HealthCheck, error) {
	return s.router.CheckAvailability(ctx, modelID)
}

// FindFallbackModels ranks healthy, modality-compatible alternatives to a
// failed model.
func (s *Service) FindFallbackModels(ctx context.Context, failedModel string, requirements []routing.ModalityRequirement, maxCandidates int) []routing.FallbackCandidate {
	return s.router.FindFallbacks(ctx, failedModel, requirements, maxCandidates)
}

// GetPerformanceRecommendations summarizes a model's recent metrics into
// prioritized tuning suggestions.
func (s *Service) GetPerformanceRecommendations(modelID string) []monitoring.Recommendation {
	return s.monitor.Recommendations(modelID)
}

// StreamWithRecovery runs fn as a checkpointed streaming session and
// returns the final content, recovered if the stream was interrupted.
func (s *Service) StreamWithRecovery(ctx context.Context, sessionID, query, modelID string, fn func(ctx context.Context, session *streaming.Session) error) (string, error) {
	return s.recovery.Run(ctx, sessionID, query, modelID, fn)
}

// Router exposes the availability router for advanced callers.
func (s *Service) Router() *routing.Router { return s.router }

// Monitor exposes the degradation monitor.
func (s *Service) Monitor() *monitoring.Monitor { return s.monitor }

// Scheduler exposes the priority scheduler.
func (s *Service) Scheduler() *scheduler.Scheduler { return s.scheduler }

// Recovery exposes the streaming recovery manager.
func (s *Service) Recovery() *streaming.Recovery { return s.recovery }
