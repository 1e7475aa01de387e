// Package streaming wraps streaming response sessions with checkpointing
// and best-effort interruption recovery. A broken stream is classified and
// salvaged by an ordered list of type-specific strategies; callers always
// receive usable content rather than a raw failure.
package streaming

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/adaptive-serving/servingcore/retry"
)

var log = logging.Logger("serving/streaming")

var sentenceBoundary = regexp.MustCompile(`[.!?]\s+`)

// Generators supply the content-production callbacks recovery strategies
// need. Any nil field disables the strategies that depend on it.
type Generators struct {
	// Remaining produces the not-yet-delivered content given the last
	// checkpoint. When nil, resume uses the checkpoint's stored remaining
	// content only.
	Remaining func(ctx context.Context, query, delivered, remaining string) (string, error)

	// Retry reattempts the whole streaming operation.
	Retry func(ctx context.Context, query string) (string, error)

	// Batch produces one complete non-streamed answer.
	Batch func(ctx context.Context, query string) (string, error)

	// Simplified produces a shorter, lower-fidelity answer.
	Simplified func(ctx context.Context, query string) (string, error)
}

// Config holds recovery configuration.
type Config struct {
	// MaxCheckpoints bounds the per-session checkpoint list.
	MaxCheckpoints int

	// MaxRetries bounds the retry-with-backoff strategy.
	MaxRetries int

	// Backoff supplies the retry delay. The default doubles from one
	// second and caps at ten.
	Backoff retry.Policy

	// Sleep is swappable for tests.
	Sleep retry.Sleeper

	Generators Generators
}

// DefaultConfig returns the default recovery configuration.
func DefaultConfig() Config {
	return Config{
		MaxCheckpoints: 10,
		MaxRetries:     3,
		Backoff:        retry.Exponential{Base: time.Second, Multiplier: 2.0, MaxDelay: 10 * time.Second},
		Sleep:          time.Sleep,
	}
}

// Stats aggregates recovery outcomes.
type Stats struct {
	TotalInterruptions   int64
	SuccessfulRecoveries int64
	PartialDeliveries    int64
	EmergencyResponses   int64
	AverageRecoveryTime  time.Duration
	ActiveSessions       int
}

// Session is one live streaming session. Deliver and MarkCheckpoint are
// called by the streaming producer as content flows.
type Session struct {
	ID      string
	Query   string
	ModelID string

	recovery *Recovery

	mu        sync.Mutex
	delivered string
	position  int
}

// Deliver appends produced content to the session's delivered snapshot.
func (s *Session) Deliver(content string) {
	s.mu.Lock()
	s.delivered += content
	s.position += len(content)
	s.mu.Unlock()
}

// Delivered returns the content streamed so far.
func (s *Session) Delivered() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// Position returns the current stream position.
func (s *Session) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// MarkCheckpoint snapshots the session for later resumption.
func (s *Session) MarkCheckpoint(remaining string) (Checkpoint, error) {
	s.mu.Lock()
	delivered, position := s.delivered, s.position
	s.mu.Unlock()
	return s.recovery.CreateCheckpoint(s.ID, delivered, remaining, position)
}

// Recovery manages streaming sessions and their interruption handling.
type Recovery struct {
	cfg         Config
	checkpoints *checkpointStore

	mu       sync.Mutex
	sessions map[string]*Session

	statsMu           sync.Mutex
	stats             Stats
	totalRecoveryTime time.Duration
}

// NewRecovery creates a streaming recovery manager.
func NewRecovery(cfg Config) *Recovery {
	if cfg.MaxCheckpoints <= 0 {
		cfg.MaxCheckpoints = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.Exponential{Base: time.Second, Multiplier: 2.0, MaxDelay: 10 * time.Second}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	return &Recovery{
		cfg:         cfg,
		checkpoints: newCheckpointStore(cfg.MaxCheckpoints),
		sessions:    make(map[string]*Session),
	}
}

// Run executes fn as a scoped streaming session. On success it returns the
// delivered content. On any error from fn the interruption is classified and
// recovered; the error is surfaced only if recovery itself fails. Session
// state and checkpoints are always cleaned up.
func (r *Recovery) Run(ctx context.Context, sessionID, query, modelID string, fn func(ctx context.Context, s *Session) error) (string, error) {
	session := &Session{ID: sessionID, Query: query, ModelID: modelID, recovery: r}

	r.mu.Lock()
	r.sessions[sessionID] = session
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.sessions, sessionID)
		r.mu.Unlock()
		r.checkpoints.Drop(sessionID)
	}()

	log.Debugw("streaming session started", "session", sessionID, "model", modelID)

	err := fn(ctx, session)
	if err == nil {
		return session.Delivered(), nil
	}

	ictx := InterruptionContext{
		Type:           Classify(err),
		Err:            err,
		Query:          query,
		ModelID:        modelID,
		PartialContent: session.Delivered(),
		StreamPosition: session.Position(),
		Checkpoints:    r.checkpoints.List(sessionID),
		Timestamp:      time.Now(),
		MaxRetries:     r.cfg.MaxRetries,
	}

	result := r.HandleInterruption(ctx, ictx)
	if !result.Success {
		log.Errorw("streaming recovery failed", "session", sessionID, "error", err)
		return "", err
	}

	log.Infow("streaming session recovered",
		"session", sessionID,
		"strategy", result.StrategyUsed.String(),
		"completion", result.CompletionPercentage)
	return result.RecoveredContent, nil
}

// CreateCheckpoint stores a recovery checkpoint for a session.
func (r *Recovery) CreateCheckpoint(sessionID, delivered, remaining string, position int) (Checkpoint, error) {
	cp, err := r.checkpoints.Add(sessionID, delivered, remaining, position)
	if err != nil {
		return Checkpoint{}, err
	}
	log.Debugw("checkpoint created", "session", sessionID, "position", position, "delivered", len(delivered))
	return cp, nil
}

// Checkpoints returns a session's stored checkpoints, oldest first.
func (r *Recovery) Checkpoints(sessionID string) []Checkpoint {
	return r.checkpoints.List(sessionID)
}

// HandleInterruption applies the interruption type's strategies in order and
// returns the first success. When every strategy fails an emergency response
// is produced, unless the caller's context is already dead, in which case the
// result reports failure.
func (r *Recovery) HandleInterruption(ctx context.Context, ictx InterruptionContext) RecoveryResult {
	start := time.Now()

	r.statsMu.Lock()
	r.stats.TotalInterruptions++
	r.statsMu.Unlock()

	log.Warnw("handling streaming interruption",
		"type", ictx.Type.String(),
		"model", ictx.ModelID,
		"partial_chars", len(ictx.PartialContent))

	for _, strategy := range strategiesFor(ictx.Type) {
		result, err := r.applyStrategy(ctx, strategy, ictx)
		if err != nil {
			log.Debugw("recovery strategy failed", "strategy", strategy.String(), "error", err)
			continue
		}
		result.RecoveryTime = time.Since(start)
		r.recordRecovery(result)
		return result
	}

	// The emergency apology only helps a caller who is still listening.
	if ctx.Err() != nil {
		result := RecoveryResult{
			StrategyUsed: StrategyEmergencyResponse,
			ErrorMessage: ctx.Err().Error(),
			RecoveryTime: time.Since(start),
		}
		r.recordRecovery(result)
		return result
	}

	result := RecoveryResult{
		Success:              true,
		StrategyUsed:         StrategyEmergencyResponse,
		RecoveredContent:     r.emergencyResponse(ictx),
		CompletionPercentage: completionPercentage(ictx),
		RecoveryTime:         time.Since(start),
	}
	r.recordRecovery(result)
	return result
}

func (r *Recovery) applyStrategy(ctx context.Context, strategy Strategy, ictx InterruptionContext) (RecoveryResult, error) {
	switch strategy {
	case StrategyResumeFromCheckpoint:
		return r.resumeFromCheckpoint(ctx, ictx)
	case StrategyPartialResponse:
		return r.deliverPartial(ictx)
	case StrategyRetryWithBackoff:
		return r.retryWithBackoff(ctx, ictx)
	case StrategyFallbackToBatch:
		return r.fallbackToBatch(ctx, ictx)
	case StrategySimplifiedStreaming:
		return r.simplifiedStreaming(ctx, ictx)
	case StrategyEmergencyResponse:
		if err := ctx.Err(); err != nil {
			return RecoveryResult{}, err
		}
		return RecoveryResult{
			Success:              true,
			StrategyUsed:         StrategyEmergencyResponse,
			RecoveredContent:     r.emergencyResponse(ictx),
			CompletionPercentage: completionPercentage(ictx),
		}, nil
	default:
		return RecoveryResult{}, fmt.Errorf("unknown recovery strategy %d", strategy)
	}
}

// resumeFromCheckpoint regenerates only the content after the last
// checkpoint and concatenates it with what was already delivered.
func (r *Recovery) resumeFromCheckpoint(ctx context.Context, ictx InterruptionContext) (RecoveryResult, error) {
	if len(ictx.Checkpoints) == 0 {
		return RecoveryResult{}, fmt.Errorf("no checkpoints available for resume")
	}
	latest := ictx.Checkpoints[len(ictx.Checkpoints)-1]

	remaining := latest.ContentRemaining
	if gen := r.cfg.Generators.Remaining; gen != nil {
		generated, err := gen(ctx, ictx.Query, latest.ContentDelivered, latest.ContentRemaining)
		if err != nil {
			return RecoveryResult{}, fmt.Errorf("regenerating remaining content: %w", err)
		}
		remaining = generated
	}
	if remaining == "" {
		return RecoveryResult{}, fmt.Errorf("checkpoint has no remaining content")
	}

	return RecoveryResult{
		Success:              true,
		StrategyUsed:         StrategyResumeFromCheckpoint,
		RecoveredContent:     latest.ContentDelivered + remaining,
		CompletionPercentage: completionPercentage(ictx),
		AdditionalContent:    remaining,
	}, nil
}

// deliverPartial trims the partial content to the last complete sentence and
// appends an interruption notice tailored to the failure type.
func (r *Recovery) deliverPartial(ictx InterruptionContext) (RecoveryResult, error) {
	if ictx.PartialContent == "" {
		return RecoveryResult{}, fmt.Errorf("no partial content available")
	}

	cleaned := cleanPartialContent(ictx.PartialContent)
	content := cleaned + "\n\n" + interruptionNotice(ictx.Type)

	return RecoveryResult{
		Success:              true,
		StrategyUsed:         StrategyPartialResponse,
		RecoveredContent:     content,
		CompletionPercentage: completionPercentage(ictx),
	}, nil
}

// retryWithBackoff waits the configured delay and reattempts the streaming
// operation, bounded by the retry budget.
func (r *Recovery) retryWithBackoff(ctx context.Context, ictx InterruptionContext) (RecoveryResult, error) {
	gen := r.cfg.Generators.Retry
	if gen == nil {
		return RecoveryResult{}, fmt.Errorf("no retry generator configured")
	}

	var lastErr error
	for attempt := ictx.RetryCount; attempt < ictx.MaxRetries; attempt++ {
		r.cfg.Sleep(r.cfg.Backoff.Delay(attempt))

		if ctx.Err() != nil {
			return RecoveryResult{}, ctx.Err()
		}

		content, err := gen(ctx, ictx.Query)
		if err != nil {
			lastErr = err
			continue
		}
		if ictx.PartialContent != "" {
			content = ictx.PartialContent + "\n\n" + content
		}
		return RecoveryResult{
			Success:              true,
			StrategyUsed:         StrategyRetryWithBackoff,
			RecoveredContent:     content,
			CompletionPercentage: completionPercentage(ictx),
		}, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("retry budget exhausted")
	}
	return RecoveryResult{}, fmt.Errorf("retry with backoff: %w", lastErr)
}

// fallbackToBatch abandons streaming and requests one complete answer.
func (r *Recovery) fallbackToBatch(ctx context.Context, ictx InterruptionContext) (RecoveryResult, error) {
	gen := r.cfg.Generators.Batch
	if gen == nil {
		return RecoveryResult{}, fmt.Errorf("no batch generator configured")
	}
	content, err := gen(ctx, ictx.Query)
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("batch fallback: %w", err)
	}
	return RecoveryResult{
		Success:              true,
		StrategyUsed:         StrategyFallbackToBatch,
		RecoveredContent:     content,
		CompletionPercentage: 100,
	}, nil
}

// simplifiedStreaming requests a shorter, lower-fidelity continuation.
func (r *Recovery) simplifiedStreaming(ctx context.Context, ictx InterruptionContext) (RecoveryResult, error) {
	gen := r.cfg.Generators.Simplified
	if gen == nil {
		return RecoveryResult{}, fmt.Errorf("no simplified generator configured")
	}
	content, err := gen(ctx, ictx.Query)
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("simplified streaming: %w", err)
	}
	if ictx.PartialContent != "" {
		content = ictx.PartialContent + "\n\n" + content
	}
	return RecoveryResult{
		Success:              true,
		StrategyUsed:         StrategySimplifiedStreaming,
		RecoveredContent:     content,
		CompletionPercentage: completionPercentage(ictx),
	}, nil
}

// emergencyResponse is the last resort: a failure-type-specific apology
// prefixed with any usable partial content. It cannot fail.
func (r *Recovery) emergencyResponse(ictx InterruptionContext) string {
	var base string
	switch ictx.Type {
	case InterruptionConnectionLost:
		base = "I apologize, but the connection was interrupted. Please try your request again."
	case InterruptionTimeout:
		base = "Your request timed out. Please try breaking it into smaller parts or try again later."
	case InterruptionMemoryExhaustion:
		base = "I'm experiencing memory constraints. Please try a simpler request or try again in a moment."
	case InterruptionModelFailure:
		base = "The AI model encountered an error. Please try your request again or rephrase it."
	default:
		base = "I apologize, but an error occurred. Please try your request again."
	}

	if ictx.PartialContent != "" {
		return cleanPartialContent(ictx.PartialContent) + "\n\n" + base
	}
	return base
}

// interruptionNotice explains an interruption to the end user.
func interruptionNotice(t InterruptionType) string {
	switch t {
	case InterruptionConnectionLost:
		return "[Connection was interrupted. The above information should address your main question.]"
	case InterruptionTimeout:
		return "[Response generation timed out. The above information provides the key points you requested.]"
	case InterruptionClientDisconnect:
		return "[Response was interrupted by client disconnect.]"
	case InterruptionServerError:
		return "[A server error interrupted the response. The above information contains the essential details.]"
	case InterruptionMemoryExhaustion:
		return "[Response was shortened due to memory constraints. The core information is provided above.]"
	case InterruptionModelFailure:
		return "[Model failure interrupted the response. The available information is provided above.]"
	default:
		return "[Response was interrupted. The above information should be helpful.]"
	}
}

// cleanPartialContent trims partial content to the last complete sentence.
// Content without a sentence boundary keeps everything and gains an ellipsis.
func cleanPartialContent(partial string) string {
	locs := sentenceBoundary.FindAllStringIndex(partial, -1)
	if len(locs) > 0 {
		return strings.TrimRight(partial[:locs[len(locs)-1][0]+1], " \t\n")
	}

	cleaned := strings.TrimRight(partial, " \t\n")
	if cleaned != "" && !strings.HasSuffix(cleaned, ".") && !strings.HasSuffix(cleaned, "!") && !strings.HasSuffix(cleaned, "?") {
		cleaned += "..."
	}
	return cleaned
}

// completionPercentage estimates progress from the partial content length
// against an expected response of roughly three times the query length.
func completionPercentage(ictx InterruptionContext) float64 {
	if ictx.PartialContent == "" {
		return 0
	}
	expected := float64(len(ictx.Query)) * 3
	if expected <= 0 {
		return 10
	}
	completion := float64(len(ictx.PartialContent)) / expected * 100
	if completion > 95 {
		completion = 95
	}
	if completion < 10 {
		completion = 10
	}
	return completion
}

func (r *Recovery) recordRecovery(result RecoveryResult) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	if result.Success {
		r.stats.SuccessfulRecoveries++
		switch result.StrategyUsed {
		case StrategyPartialResponse:
			r.stats.PartialDeliveries++
		case StrategyEmergencyResponse:
			r.stats.EmergencyResponses++
		}
	}
	r.totalRecoveryTime += result.RecoveryTime
	if r.stats.TotalInterruptions > 0 {
		r.stats.AverageRecoveryTime = r.totalRecoveryTime / time.Duration(r.stats.TotalInterruptions)
	}
}

// Statistics returns a snapshot of recovery outcomes.
func (r *Recovery) Statistics() Stats {
	r.statsMu.Lock()
	stats := r.stats
	r.statsMu.Unlock()

	r.mu.Lock()
	stats.ActiveSessions = len(r.sessions)
	r.mu.Unlock()
	return stats
}
