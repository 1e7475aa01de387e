package streaming

import (
	"context"
	"errors"
	"strings"
	"time"
)

// InterruptionType classifies why a streaming session broke.
type InterruptionType int

const (
	InterruptionUnknown InterruptionType = iota
	InterruptionConnectionLost
	InterruptionTimeout
	InterruptionClientDisconnect
	InterruptionServerError
	InterruptionMemoryExhaustion
	InterruptionModelFailure
)

func (t InterruptionType) String() string {
	switch t {
	case InterruptionConnectionLost:
		return "connection_lost"
	case InterruptionTimeout:
		return "timeout"
	case InterruptionClientDisconnect:
		return "client_disconnect"
	case InterruptionServerError:
		return "server_error"
	case InterruptionMemoryExhaustion:
		return "memory_exhaustion"
	case InterruptionModelFailure:
		return "model_failure"
	default:
		return "unknown"
	}
}

// StreamError is a typed interruption raised by the execution layer. Typed
// errors classify directly; untyped errors fall back to message matching.
type StreamError struct {
	Type InterruptionType
	Err  error
}

func (e *StreamError) Error() string {
	if e.Err != nil {
		return e.Type.String() + ": " + e.Err.Error()
	}
	return e.Type.String()
}

func (e *StreamError) Unwrap() error { return e.Err }

// NewStreamError wraps err with an explicit interruption type.
func NewStreamError(t InterruptionType, err error) *StreamError {
	return &StreamError{Type: t, Err: err}
}

// Classify determines the interruption type for an error. Typed StreamErrors
// and context errors classify exactly; anything else is matched against
// known substrings, defaulting to a server error.
func Classify(err error) InterruptionType {
	if err == nil {
		return InterruptionUnknown
	}

	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		return streamErr.Type
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return InterruptionTimeout
	}
	if errors.Is(err, context.Canceled) {
		return InterruptionClientDisconnect
	}

	// Message matching is a fallback for externally sourced errors only.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "time"):
		return InterruptionTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network"):
		return InterruptionConnectionLost
	case strings.Contains(msg, "memory") || strings.Contains(msg, "oom"):
		return InterruptionMemoryExhaustion
	case strings.Contains(msg, "model"):
		return InterruptionModelFailure
	case strings.Contains(msg, "disconnect"):
		return InterruptionClientDisconnect
	default:
		return InterruptionServerError
	}
}

// Strategy is one recovery procedure applied after an interruption.
type Strategy int

const (
	StrategyResumeFromCheckpoint Strategy = iota
	StrategyPartialResponse
	StrategyRetryWithBackoff
	StrategyFallbackToBatch
	StrategySimplifiedStreaming
	StrategyEmergencyResponse
)

func (s Strategy) String() string {
	switch s {
	case StrategyResumeFromCheckpoint:
		return "resume_from_checkpoint"
	case StrategyPartialResponse:
		return "partial_response_delivery"
	case StrategyRetryWithBackoff:
		return "retry_with_backoff"
	case StrategyFallbackToBatch:
		return "fallback_to_batch"
	case StrategySimplifiedStreaming:
		return "simplified_streaming"
	case StrategyEmergencyResponse:
		return "emergency_response"
	default:
		return "unknown"
	}
}

// strategiesFor orders the recovery strategies to attempt per interruption
// type. Timeouts try a checkpoint resume before falling back to partial
// delivery so long generations are not thrown away.
func strategiesFor(t InterruptionType) []Strategy {
	switch t {
	case InterruptionConnectionLost:
		return []Strategy{StrategyResumeFromCheckpoint, StrategyPartialResponse, StrategyRetryWithBackoff}
	case InterruptionTimeout:
		return []Strategy{StrategyResumeFromCheckpoint, StrategyPartialResponse, StrategySimplifiedStreaming, StrategyFallbackToBatch}
	case InterruptionClientDisconnect:
		return []Strategy{StrategyPartialResponse}
	case InterruptionServerError:
		return []Strategy{StrategyRetryWithBackoff, StrategyPartialResponse, StrategyEmergencyResponse}
	case InterruptionMemoryExhaustion:
		return []Strategy{StrategySimplifiedStreaming, StrategyPartialResponse, StrategyEmergencyResponse}
	case InterruptionModelFailure:
		return []Strategy{StrategyPartialResponse, StrategyEmergencyResponse}
	default:
		return []Strategy{StrategyEmergencyResponse}
	}
}

// InterruptionContext captures one interruption for recovery.
type InterruptionContext struct {
	Type           InterruptionType
	Err            error
	Query          string
	ModelID        string
	PartialContent string
	StreamPosition int
	Checkpoints    []Checkpoint
	Timestamp      time.Time
	RetryCount     int
	MaxRetries     int
}

// RecoveryResult is the outcome of an interruption recovery.
type RecoveryResult struct {
	Success              bool
	StrategyUsed         Strategy
	RecoveredContent     string
	CompletionPercentage float64
	RecoveryTime         time.Duration
	AdditionalContent    string
	ErrorMessage         string
}
