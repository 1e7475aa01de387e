package routing

import "time"

// Modality is an input/output data type a model can consume or produce.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityAudio Modality = "audio"
	ModalityVideo Modality = "video"
)

// ModalitySupport describes which directions of a modality a model handles.
type ModalitySupport struct {
	Input  bool
	Output bool
}

// SizeClass is a coarse model size bucket used for static performance
// estimation when ranking fallback candidates.
type SizeClass int

const (
	SizeSmall SizeClass = iota
	SizeMedium
	SizeLarge
)

func (s SizeClass) String() string {
	switch s {
	case SizeSmall:
		return "small"
	case SizeMedium:
		return "medium"
	case SizeLarge:
		return "large"
	default:
		return "unknown"
	}
}

// ModelInfo describes a registered model. The router never talks to the
// model itself; probing is delegated to the injected ProbeFunc.
type ModelInfo struct {
	ID             string
	SizeClass      SizeClass
	Modalities     map[Modality]ModalitySupport
	MaxConcurrency int
}

// Supports reports whether the model covers the given modality in the
// requested directions.
func (m ModelInfo) Supports(modality Modality, input, output bool) bool {
	support, ok := m.Modalities[modality]
	if !ok {
		return false
	}
	if input && !support.Input {
		return false
	}
	if output && !support.Output {
		return false
	}
	return true
}

// ModelStatus is the availability state reported by a health check.
type ModelStatus int

const (
	StatusAvailable ModelStatus = iota
	StatusUnavailable
	StatusLoading
	StatusError
	StatusTimeout
	StatusOverloaded
)

func (s ModelStatus) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusUnavailable:
		return "unavailable"
	case StatusLoading:
		return "loading"
	case StatusError:
		return "error"
	case StatusTimeout:
		return "timeout"
	case StatusOverloaded:
		return "overloaded"
	default:
		return "unknown"
	}
}

// HealthCheck is the result of a single availability check.
type HealthCheck struct {
	ModelID             string
	Status              ModelStatus
	ResponseTime        time.Duration
	ConsecutiveFailures int
	CheckedAt           time.Time
	Err                 error
}

// Healthy reports whether the check found the model usable.
func (h HealthCheck) Healthy() bool {
	return h.Status == StatusAvailable
}

// RequirementPriority ranks how strongly a caller needs a modality.
type RequirementPriority int

const (
	RequirementOptional RequirementPriority = iota
	RequirementPreferred
	RequirementRequired
)

func (p RequirementPriority) String() string {
	switch p {
	case RequirementOptional:
		return "optional"
	case RequirementPreferred:
		return "preferred"
	case RequirementRequired:
		return "required"
	default:
		return "unknown"
	}
}

// ModalityRequirement is a caller-supplied constraint on candidate models.
type ModalityRequirement struct {
	Modality Modality
	Input    bool
	Output   bool
	Priority RequirementPriority
}

// FallbackCandidate is a scored alternative model. Candidates are computed
// transiently during routing and never persisted.
type FallbackCandidate struct {
	Model                ModelInfo
	CompatibilityScore   float64
	ModalityCoverage     map[Modality]bool
	EstimatedPerformance float64
	AvailabilityScore    float64
	TotalScore           float64
}

// healthRecord is the router's internal per-model health bookkeeping.
// Single writer (the router after a probe), read by all workers.
type healthRecord struct {
	status              ModelStatus
	lastResponseTime    time.Duration
	consecutiveFailures int
	lastChecked         time.Time
	lastError           error
}
