// Package routing tracks per-model health, applies circuit breaking and
// selects modality-compatible fallback models when a primary model fails.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/adaptive-serving/servingcore/retry"
)

var log = logging.Logger("serving/routing")

var (
	// ErrModelNotFound is returned when a model id is not registered.
	ErrModelNotFound = errors.New("model not registered")
	// ErrOverloaded is returned when a model's in-flight load is at its cap.
	ErrOverloaded = errors.New("model is overloaded")
	// ErrNoFallback is returned by verification paths when no healthy
	// fallback candidate exists.
	ErrNoFallback = errors.New("no healthy fallback model available")
)

// ProbeFunc performs a bounded health probe of a model. The router never
// performs inference; the execution layer supplies this.
type ProbeFunc func(ctx context.Context, modelID string) error

// Config holds configuration for the router.
type Config struct {
	// FailureThreshold is the number of consecutive probe failures after
	// which a model's circuit opens.
	FailureThreshold int

	// CircuitCooldown is how long an open circuit rejects probes before a
	// recovery probe is allowed.
	CircuitCooldown time.Duration

	// ProbeTimeout bounds a single health probe.
	ProbeTimeout time.Duration

	// MaxAcceptableResponseTime is the probe latency above which the
	// availability score starts to degrade.
	MaxAcceptableResponseTime time.Duration

	// RetryBackoff computes the delay before retrying a failed model.
	RetryBackoff retry.Policy

	// Sleep is used for backoff waits. Injectable for tests.
	Sleep retry.Sleeper
}

// DefaultConfig returns the default router configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:          3,
		CircuitCooldown:           60 * time.Second,
		ProbeTimeout:              5 * time.Second,
		MaxAcceptableResponseTime: 2 * time.Second,
		RetryBackoff:              retry.Exponential{Base: time.Second, Multiplier: 2.0, MaxDelay: 10 * time.Second},
		Sleep:                     time.Sleep,
	}
}

// modelEntry bundles everything the router tracks for one model. Locking is
// per model so unrelated models never contend.
type modelEntry struct {
	info    ModelInfo
	breaker *circuitBreaker

	healthMu sync.RWMutex
	health   healthRecord

	inFlight atomic.Int64
}

// Router selects healthy, modality-compatible models and fails over between
// them. It has no dependencies on other core components.
type Router struct {
	cfg   Config
	probe ProbeFunc

	mu         sync.RWMutex
	models     map[string]*modelEntry
	byModality map[Modality][]string
}

// NewRouter creates a router. probe is called for every health check and
// must respect its context deadline.
func NewRouter(cfg Config, probe ProbeFunc) *Router {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.CircuitCooldown <= 0 {
		cfg.CircuitCooldown = 60 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.MaxAcceptableResponseTime <= 0 {
		cfg.MaxAcceptableResponseTime = 2 * time.Second
	}
	if cfg.RetryBackoff == nil {
		cfg.RetryBackoff = retry.Exponential{Base: time.Second, Multiplier: 2.0, MaxDelay: 10 * time.Second}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	return &Router{
		cfg:        cfg,
		probe:      probe,
		models:     make(map[string]*modelEntry),
		byModality: make(map[Modality][]string),
	}
}

// RegisterModel adds a model to the registry. Registering the same id again
// replaces its info but keeps health and circuit state.
func (r *Router) RegisterModel(info ModelInfo) {
	if info.MaxConcurrency <= 0 {
		info.MaxConcurrency = 4
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.models[info.ID]
	if exists {
		r.removeFromModalityIndex(entry.info)
		entry.info = info
	} else {
		entry = &modelEntry{
			info:    info,
			breaker: newCircuitBreaker(info.ID, r.cfg.FailureThreshold, r.cfg.CircuitCooldown, nil),
		}
		entry.health.status = StatusLoading
		r.models[info.ID] = entry
	}

	for modality := range info.Modalities {
		r.byModality[modality] = append(r.byModality[modality], info.ID)
	}

	log.Debugf("Registered model %s (size: %s, modalities: %d)", info.ID, info.SizeClass, len(info.Modalities))
}

func (r *Router) removeFromModalityIndex(info ModelInfo) {
	for modality := range info.Modalities {
		ids := r.byModality[modality]
		for i, id := range ids {
			if id == info.ID {
				r.byModality[modality] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
}

func (r *Router) entry(modelID string) (*modelEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.models[modelID]
	return entry, ok
}

// CheckAvailability probes a model's health. An open circuit short-circuits
// to Unavailable without probing; a model at its concurrency cap reports
// Overloaded without probing.
func (r *Router) CheckAvailability(ctx context.Context, modelID string) (HealthCheck, error) {
	entry, ok := r.entry(modelID)
	if !ok {
		return HealthCheck{ModelID: modelID, Status: StatusUnavailable, CheckedAt: time.Now()},
			fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}

	now := time.Now()

	if err := entry.breaker.Allow(now); err != nil {
		check := HealthCheck{
			ModelID:             modelID,
			Status:              StatusUnavailable,
			ConsecutiveFailures: entry.breaker.ConsecutiveFailures(),
			CheckedAt:           now,
			Err:                 err,
		}
		r.storeHealth(entry, check)
		return check, nil
	}

	if entry.inFlight.Load() >= int64(entry.info.MaxConcurrency) {
		// Overload is not a probe outcome; hand the admitted slot back.
		entry.breaker.CancelProbe()
		check := HealthCheck{
			ModelID:   modelID,
			Status:    StatusOverloaded,
			CheckedAt: now,
			Err:       ErrOverloaded,
		}
		r.storeHealth(entry, check)
		return check, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	probeErr := r.probe(probeCtx, modelID)
	elapsed := time.Since(start)

	check := HealthCheck{
		ModelID:      modelID,
		ResponseTime: elapsed,
		CheckedAt:    start,
	}

	if probeErr != nil {
		entry.breaker.RecordFailure(start)
		check.ConsecutiveFailures = entry.breaker.ConsecutiveFailures()
		check.Err = probeErr
		if errors.Is(probeErr, context.DeadlineExceeded) {
			check.Status = StatusTimeout
		} else {
			check.Status = StatusError
		}
		r.storeHealth(entry, check)
		log.Debugf("Probe of model %s failed (%d consecutive): %v", modelID, check.ConsecutiveFailures, probeErr)
		return check, nil
	}

	entry.breaker.RecordSuccess()
	check.Status = StatusAvailable
	r.storeHealth(entry, check)
	return check, nil
}

func (r *Router) storeHealth(entry *modelEntry, check HealthCheck) {
	entry.healthMu.Lock()
	defer entry.healthMu.Unlock()

	entry.health.status = check.Status
	if check.ResponseTime > 0 {
		entry.health.lastResponseTime = check.ResponseTime
	}
	entry.health.consecutiveFailures = check.ConsecutiveFailures
	entry.health.lastChecked = check.CheckedAt
	entry.health.lastError = check.Err
}

// Health returns the last recorded health state for a model without probing.
func (r *Router) Health(modelID string) (HealthCheck, bool) {
	entry, ok := r.entry(modelID)
	if !ok {
		return HealthCheck{}, false
	}

	entry.healthMu.RLock()
	defer entry.healthMu.RUnlock()

	return HealthCheck{
		ModelID:             modelID,
		Status:              entry.health.status,
		ResponseTime:        entry.health.lastResponseTime,
		ConsecutiveFailures: entry.health.consecutiveFailures,
		CheckedAt:           entry.health.lastChecked,
		Err:                 entry.health.lastError,
	}, true
}

// CircuitState returns the current breaker state for a model.
func (r *Router) CircuitState(modelID string) (BreakerState, bool) {
	entry, ok := r.entry(modelID)
	if !ok {
		return BreakerClosed, false
	}
	return entry.breaker.State(time.Now()), true
}

// AcquireSlot reserves one unit of a model's concurrency budget. It must be
// paired with ReleaseSlot on every exit path.
func (r *Router) AcquireSlot(modelID string) error {
	entry, ok := r.entry(modelID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}

	for {
		current := entry.inFlight.Load()
		if current >= int64(entry.info.MaxConcurrency) {
			return fmt.Errorf("%w: %s (%d in flight)", ErrOverloaded, modelID, current)
		}
		if entry.inFlight.CompareAndSwap(current, current+1) {
			return nil
		}
	}
}

// ReleaseSlot returns one unit of a model's concurrency budget.
func (r *Router) ReleaseSlot(modelID string) {
	entry, ok := r.entry(modelID)
	if !ok {
		return
	}
	if entry.inFlight.Add(-1) < 0 {
		entry.inFlight.Store(0)
	}
}

// Load returns the current in-flight request count for a model.
func (r *Router) Load(modelID string) int64 {
	entry, ok := r.entry(modelID)
	if !ok {
		return 0
	}
	return entry.inFlight.Load()
}

// HandleRoutingError decides what to do after a model failed mid-request.
// If the retry budget allows, the same model is retried once after backoff;
// otherwise the best healthy fallback is selected and re-verified. A nil
// candidate with a message means the caller should fail the task.
func (r *Router) HandleRoutingError(
	ctx context.Context,
	modelID string,
	cause error,
	requirements []ModalityRequirement,
	retryCount, maxRetries int,
) (*FallbackCandidate, string) {
	log.Warnf("Routing error for model %s (retry %d/%d): %v", modelID, retryCount, maxRetries, cause)

	if retryCount < maxRetries {
		r.cfg.Sleep(r.cfg.RetryBackoff.Delay(retryCount))

		check, err := r.CheckAvailability(ctx, modelID)
		if err == nil && check.Healthy() {
			if entry, ok := r.entry(modelID); ok {
				candidate := r.scoreCandidate(ctx, entry, requirements, check)
				return &candidate, fmt.Sprintf("model %s recovered after backoff, retrying", modelID)
			}
		}
	}

	candidates := r.FindFallbacks(ctx, modelID, requirements, 3)
	for i := range candidates {
		check, err := r.CheckAvailability(ctx, candidates[i].Model.ID)
		if err == nil && check.Healthy() {
			log.Infof("Routing %s traffic to fallback model %s (score %.3f)",
				modelID, candidates[i].Model.ID, candidates[i].TotalScore)
			return &candidates[i], fmt.Sprintf("switched to fallback model %s", candidates[i].Model.ID)
		}
	}

	return nil, fmt.Sprintf("no healthy fallback available for model %s", modelID)
}
