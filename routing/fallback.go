package routing

import (
	"context"
	"sort"
	"time"
)

// Weighting of the composite fallback ranking score.
const (
	compatibilityWeight = 0.4
	performanceWeight   = 0.3
	availabilityWeight  = 0.3
)

func requirementWeight(p RequirementPriority) float64 {
	switch p {
	case RequirementRequired:
		return 1.0
	case RequirementPreferred:
		return 0.6
	case RequirementOptional:
		return 0.3
	default:
		return 0.3
	}
}

func sizeClassPerformance(s SizeClass) float64 {
	switch s {
	case SizeSmall:
		return 0.9
	case SizeMedium:
		return 0.7
	case SizeLarge:
		return 0.5
	default:
		return 0.5
	}
}

// FindFallbacks gathers the registered models covering the required
// modalities, excludes the failed model, probes the remaining ones and
// returns the top maxCandidates ranked by the weighted composite score.
func (r *Router) FindFallbacks(
	ctx context.Context,
	failedModel string,
	requirements []ModalityRequirement,
	maxCandidates int,
) []FallbackCandidate {
	if maxCandidates <= 0 {
		maxCandidates = 3
	}

	r.mu.RLock()
	seen := make(map[string]*modelEntry)
	for _, req := range requirements {
		if req.Priority != RequirementRequired {
			continue
		}
		for _, id := range r.byModality[req.Modality] {
			if id == failedModel {
				continue
			}
			if entry, ok := r.models[id]; ok {
				seen[id] = entry
			}
		}
	}
	// With no required modality, any registered model is a candidate.
	if len(seen) == 0 && !hasRequired(requirements) {
		for id, entry := range r.models {
			if id != failedModel {
				seen[id] = entry
			}
		}
	}
	r.mu.RUnlock()

	candidates := make([]FallbackCandidate, 0, len(seen))
	for _, entry := range seen {
		if !coversRequired(entry.info, requirements) {
			continue
		}

		check, err := r.CheckAvailability(ctx, entry.info.ID)
		if err != nil || !check.Healthy() {
			continue
		}

		candidates = append(candidates, r.scoreCandidate(ctx, entry, requirements, check))
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].TotalScore > candidates[j].TotalScore
	})

	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}

	log.Debugf("Found %d fallback candidates for model %s", len(candidates), failedModel)
	return candidates
}

func hasRequired(requirements []ModalityRequirement) bool {
	for _, req := range requirements {
		if req.Priority == RequirementRequired {
			return true
		}
	}
	return false
}

func coversRequired(info ModelInfo, requirements []ModalityRequirement) bool {
	for _, req := range requirements {
		if req.Priority == RequirementRequired && !info.Supports(req.Modality, req.Input, req.Output) {
			return false
		}
	}
	return true
}

// scoreCandidate computes the compatibility, coverage, performance and
// availability components for one model.
func (r *Router) scoreCandidate(
	ctx context.Context,
	entry *modelEntry,
	requirements []ModalityRequirement,
	check HealthCheck,
) FallbackCandidate {
	info := entry.info

	coverage := make(map[Modality]bool, len(requirements))
	var matched, total float64
	for _, req := range requirements {
		w := requirementWeight(req.Priority)
		total += w
		supported := info.Supports(req.Modality, req.Input, req.Output)
		coverage[req.Modality] = supported
		if supported {
			matched += w
		}
	}
	compatibility := 1.0
	if total > 0 {
		compatibility = matched / total
	}

	performance := sizeClassPerformance(info.SizeClass)
	availability := r.availabilityScore(entry, check)

	return FallbackCandidate{
		Model:                info,
		CompatibilityScore:   compatibility,
		ModalityCoverage:     coverage,
		EstimatedPerformance: performance,
		AvailabilityScore:    availability,
		TotalScore: compatibilityWeight*compatibility +
			performanceWeight*performance +
			availabilityWeight*availability,
	}
}

// availabilityScore derives a 0-1 score from probe latency, current load
// relative to the concurrency cap and the recent-failure count.
func (r *Router) availabilityScore(entry *modelEntry, check HealthCheck) float64 {
	responsePenalty := 0.0
	if check.ResponseTime > 0 {
		ratio := float64(check.ResponseTime) / float64(r.cfg.MaxAcceptableResponseTime)
		if ratio > 1 {
			ratio = 1
		}
		responsePenalty = 0.4 * ratio
	}

	loadPenalty := 0.0
	if entry.info.MaxConcurrency > 0 {
		ratio := float64(entry.inFlight.Load()) / float64(entry.info.MaxConcurrency)
		if ratio > 1 {
			ratio = 1
		}
		loadPenalty = 0.3 * ratio
	}

	failurePenalty := 0.0
	if r.cfg.FailureThreshold > 0 {
		ratio := float64(check.ConsecutiveFailures) / float64(r.cfg.FailureThreshold)
		if ratio > 1 {
			ratio = 1
		}
		failurePenalty = 0.3 * ratio
	}

	score := 1.0 - responsePenalty - loadPenalty - failurePenalty
	if score < 0 {
		score = 0
	}
	return score
}

// Snapshot reports the registry state for observability endpoints.
type Snapshot struct {
	ModelID             string
	Status              ModelStatus
	CircuitState        BreakerState
	InFlight            int64
	MaxConcurrency      int
	ConsecutiveFailures int
	LastChecked         time.Time
}

// Snapshots returns the current state of every registered model.
func (r *Router) Snapshots() []Snapshot {
	r.mu.RLock()
	entries := make([]*modelEntry, 0, len(r.models))
	for _, entry := range r.models {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	now := time.Now()
	snapshots := make([]Snapshot, 0, len(entries))
	for _, entry := range entries {
		entry.healthMu.RLock()
		health := entry.health
		entry.healthMu.RUnlock()

		snapshots = append(snapshots, Snapshot{
			ModelID:             entry.info.ID,
			Status:              health.status,
			CircuitState:        entry.breaker.State(now),
			InFlight:            entry.inFlight.Load(),
			MaxConcurrency:      entry.info.MaxConcurrency,
			ConsecutiveFailures: health.consecutiveFailures,
			LastChecked:         health.lastChecked,
		})
	}

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].ModelID < snapshots[j].ModelID })
	return snapshots
}
