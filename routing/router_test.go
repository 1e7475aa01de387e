package routing

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adaptive-serving/servingcore/retry"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.CircuitCooldown = 50 * time.Millisecond
	cfg.ProbeTimeout = 100 * time.Millisecond
	cfg.RetryBackoff = retry.Fixed{Base: 0}
	cfg.Sleep = func(time.Duration) {}
	return cfg
}

func textModel(id string, size SizeClass) ModelInfo {
	return ModelInfo{
		ID:        id,
		SizeClass: size,
		Modalities: map[Modality]ModalitySupport{
			ModalityText: {Input: true, Output: true},
		},
		MaxConcurrency: 4,
	}
}

func TestCheckAvailability_HealthyModel(t *testing.T) {
	r := NewRouter(testConfig(), func(ctx context.Context, modelID string) error { return nil })
	r.RegisterModel(textModel("model-a", SizeSmall))

	check, err := r.CheckAvailability(context.Background(), "model-a")
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, check.Status)
	assert.True(t, check.Healthy())
	assert.Equal(t, 0, check.ConsecutiveFailures)
}

func TestCheckAvailability_UnknownModel(t *testing.T) {
	r := NewRouter(testConfig(), func(ctx context.Context, modelID string) error { return nil })

	_, err := r.CheckAvailability(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestCircuitOpensAtThreshold_NoProbeWhileOpen(t *testing.T) {
	var probes atomic.Int64
	probeErr := errors.New("model crashed")
	r := NewRouter(testConfig(), func(ctx context.Context, modelID string) error {
		probes.Add(1)
		return probeErr
	})
	r.RegisterModel(textModel("model-a", SizeSmall))

	// Three consecutive failures trip the circuit.
	for i := 0; i < 3; i++ {
		check, err := r.CheckAvailability(context.Background(), "model-a")
		require.NoError(t, err)
		assert.Equal(t, StatusError, check.Status)
		assert.Equal(t, i+1, check.ConsecutiveFailures)
	}

	state, ok := r.CircuitState("model-a")
	require.True(t, ok)
	assert.Equal(t, BreakerOpen, state)

	// Fourth call short-circuits without invoking the probe.
	check, err := r.CheckAvailability(context.Background(), "model-a")
	require.NoError(t, err)
	assert.Equal(t, StatusUnavailable, check.Status)
	assert.Equal(t, int64(3), probes.Load())
}

func TestCircuitClosesAfterCooldownAndSuccess(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	r := NewRouter(testConfig(), func(ctx context.Context, modelID string) error {
		if fail.Load() {
			return errors.New("down")
		}
		return nil
	})
	r.RegisterModel(textModel("model-a", SizeSmall))

	for i := 0; i < 3; i++ {
		r.CheckAvailability(context.Background(), "model-a")
	}

	// Wait out the cooldown, then a successful probe closes the circuit.
	time.Sleep(60 * time.Millisecond)
	fail.Store(false)

	check, err := r.CheckAvailability(context.Background(), "model-a")
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, check.Status)

	state, _ := r.CircuitState("model-a")
	assert.Equal(t, BreakerClosed, state)
}

func TestCheckAvailability_Overloaded(t *testing.T) {
	r := NewRouter(testConfig(), func(ctx context.Context, modelID string) error { return nil })
	info := textModel("model-a", SizeSmall)
	info.MaxConcurrency = 2
	r.RegisterModel(info)

	require.NoError(t, r.AcquireSlot("model-a"))
	require.NoError(t, r.AcquireSlot("model-a"))

	check, err := r.CheckAvailability(context.Background(), "model-a")
	require.NoError(t, err)
	assert.Equal(t, StatusOverloaded, check.Status)

	err = r.AcquireSlot("model-a")
	assert.ErrorIs(t, err, ErrOverloaded)

	r.ReleaseSlot("model-a")
	assert.NoError(t, r.AcquireSlot("model-a"))
}

func TestProbeTimeoutReportedAsTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ProbeTimeout = 10 * time.Millisecond
	r := NewRouter(cfg, func(ctx context.Context, modelID string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	r.RegisterModel(textModel("model-a", SizeSmall))

	check, err := r.CheckAvailability(context.Background(), "model-a")
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, check.Status)
	assert.Equal(t, 1, check.ConsecutiveFailures)
}

func TestFindFallbacks_RankedByCompositeScore(t *testing.T) {
	down := map[string]bool{"model-a": true}
	r := NewRouter(testConfig(), func(ctx context.Context, modelID string) error {
		if down[modelID] {
			return errors.New("unavailable")
		}
		return nil
	})

	r.RegisterModel(textModel("model-a", SizeMedium))
	r.RegisterModel(textModel("model-b", SizeSmall))
	r.RegisterModel(textModel("model-c", SizeLarge))

	reqs := []ModalityRequirement{
		{Modality: ModalityText, Input: true, Output: true, Priority: RequirementRequired},
	}

	candidates := r.FindFallbacks(context.Background(), "model-a", reqs, 5)
	require.Len(t, candidates, 2)

	// Both cover text fully; the small model wins on the performance term.
	assert.Equal(t, "model-b", candidates[0].Model.ID)
	assert.Equal(t, "model-c", candidates[1].Model.ID)
	assert.Greater(t, candidates[0].TotalScore, candidates[1].TotalScore)

	for _, c := range candidates {
		assert.Equal(t, 1.0, c.CompatibilityScore)
		assert.True(t, c.ModalityCoverage[ModalityText])
		assert.InDelta(t,
			compatibilityWeight*c.CompatibilityScore+
				performanceWeight*c.EstimatedPerformance+
				availabilityWeight*c.AvailabilityScore,
			c.TotalScore, 1e-9)
	}
}

func TestFindFallbacks_ExcludesIncompatibleModels(t *testing.T) {
	r := NewRouter(testConfig(), func(ctx context.Context, modelID string) error { return nil })

	r.RegisterModel(textModel("model-a", SizeSmall))
	r.RegisterModel(textModel("model-b", SizeSmall))
	r.RegisterModel(ModelInfo{
		ID:        "vision-only",
		SizeClass: SizeSmall,
		Modalities: map[Modality]ModalitySupport{
			ModalityImage: {Input: true, Output: false},
		},
		MaxConcurrency: 4,
	})

	reqs := []ModalityRequirement{
		{Modality: ModalityText, Input: true, Output: true, Priority: RequirementRequired},
	}

	candidates := r.FindFallbacks(context.Background(), "model-a", reqs, 5)
	require.Len(t, candidates, 1)
	assert.Equal(t, "model-b", candidates[0].Model.ID)
}

func TestFindFallbacks_PreferredModalityAffectsCompatibility(t *testing.T) {
	r := NewRouter(testConfig(), func(ctx context.Context, modelID string) error { return nil })

	full := textModel("full", SizeSmall)
	full.Modalities[ModalityImage] = ModalitySupport{Input: true}
	r.RegisterModel(full)
	r.RegisterModel(textModel("text-only", SizeSmall))

	reqs := []ModalityRequirement{
		{Modality: ModalityText, Input: true, Output: true, Priority: RequirementRequired},
		{Modality: ModalityImage, Input: true, Priority: RequirementPreferred},
	}

	candidates := r.FindFallbacks(context.Background(), "failed", reqs, 5)
	require.Len(t, candidates, 2)
	assert.Equal(t, "full", candidates[0].Model.ID)
	assert.Equal(t, 1.0, candidates[0].CompatibilityScore)
	assert.InDelta(t, 1.0/1.6, candidates[1].CompatibilityScore, 1e-9)
}

func TestHandleRoutingError_RetriesSameModelWhenRecovered(t *testing.T) {
	var fail atomic.Bool
	r := NewRouter(testConfig(), func(ctx context.Context, modelID string) error {
		if fail.Load() && modelID == "model-a" {
			return errors.New("down")
		}
		return nil
	})
	r.RegisterModel(textModel("model-a", SizeSmall))

	reqs := []ModalityRequirement{{Modality: ModalityText, Input: true, Output: true, Priority: RequirementRequired}}

	candidate, msg := r.HandleRoutingError(context.Background(), "model-a", errors.New("boom"), reqs, 0, 3)
	require.NotNil(t, candidate)
	assert.Equal(t, "model-a", candidate.Model.ID)
	assert.Contains(t, msg, "recovered")
}

func TestHandleRoutingError_SwitchesToFallback(t *testing.T) {
	r := NewRouter(testConfig(), func(ctx context.Context, modelID string) error {
		if modelID == "model-a" {
			return errors.New("down")
		}
		return nil
	})
	r.RegisterModel(textModel("model-a", SizeSmall))
	r.RegisterModel(textModel("model-b", SizeSmall))

	reqs := []ModalityRequirement{{Modality: ModalityText, Input: true, Output: true, Priority: RequirementRequired}}

	// Retry budget exhausted forces fallback selection.
	candidate, msg := r.HandleRoutingError(context.Background(), "model-a", errors.New("boom"), reqs, 3, 3)
	require.NotNil(t, candidate)
	assert.Equal(t, "model-b", candidate.Model.ID)
	assert.Contains(t, msg, "fallback")
}

func TestHandleRoutingError_NoFallbackAvailable(t *testing.T) {
	r := NewRouter(testConfig(), func(ctx context.Context, modelID string) error {
		return errors.New("everything is down")
	})
	r.RegisterModel(textModel("model-a", SizeSmall))
	r.RegisterModel(textModel("model-b", SizeSmall))

	reqs := []ModalityRequirement{{Modality: ModalityText, Input: true, Output: true, Priority: RequirementRequired}}

	candidate, msg := r.HandleRoutingError(context.Background(), "model-a", errors.New("boom"), reqs, 3, 3)
	assert.Nil(t, candidate)
	assert.Contains(t, msg, "no healthy fallback")
}

func TestSnapshots(t *testing.T) {
	r := NewRouter(testConfig(), func(ctx context.Context, modelID string) error { return nil })
	r.RegisterModel(textModel("model-a", SizeSmall))
	r.RegisterModel(textModel("model-b", SizeSmall))
	require.NoError(t, r.AcquireSlot("model-b"))

	snapshots := r.Snapshots()
	require.Len(t, snapshots, 2)
	assert.Equal(t, "model-a", snapshots[0].ModelID)
	assert.Equal(t, int64(1), snapshots[1].InFlight)
}
