package retry

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixed_ConstantDelay(t *testing.T) {
	p := Fixed{Base: 2 * time.Second, MaxDelay: 10 * time.Second}

	for attempt := 0; attempt < 5; attempt++ {
		assert.Equal(t, 2*time.Second, p.Delay(attempt))
	}
}

func TestLinear_GrowsWithAttempt(t *testing.T) {
	p := Linear{Base: time.Second, MaxDelay: 10 * time.Second}

	assert.Equal(t, 1*time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 3*time.Second, p.Delay(2))

	// Capped at MaxDelay
	assert.Equal(t, 10*time.Second, p.Delay(100))
}

func TestExponential_DoublesByDefault(t *testing.T) {
	p := Exponential{Base: time.Second, Multiplier: 2.0, MaxDelay: time.Minute}

	assert.Equal(t, 1*time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
}

func TestExponential_CappedAtMax(t *testing.T) {
	p := Exponential{Base: time.Second, Multiplier: 2.0, MaxDelay: 5 * time.Second}

	assert.Equal(t, 5*time.Second, p.Delay(10))
}

func TestJitteredExponential_WithinBounds(t *testing.T) {
	p := JitteredExponential{
		Base:         time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.5,
		MaxDelay:     time.Minute,
		Rand:         rand.New(rand.NewSource(42)),
	}

	for attempt := 0; attempt < 4; attempt++ {
		base := Exponential{Base: time.Second, Multiplier: 2.0, MaxDelay: time.Minute}.Delay(attempt)
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+time.Duration(float64(base)*0.5))
	}
}

func TestJitteredExponential_NeverExceedsMax(t *testing.T) {
	p := JitteredExponential{
		Base:         time.Second,
		Multiplier:   2.0,
		JitterFactor: 1.0,
		MaxDelay:     3 * time.Second,
		Rand:         rand.New(rand.NewSource(1)),
	}

	for attempt := 0; attempt < 10; attempt++ {
		assert.LessOrEqual(t, p.Delay(attempt), 3*time.Second)
	}
}

func TestJitteredExponential_Deterministic(t *testing.T) {
	a := JitteredExponential{Base: time.Second, Multiplier: 2.0, JitterFactor: 0.3, MaxDelay: time.Minute, Rand: rand.New(rand.NewSource(7))}
	b := JitteredExponential{Base: time.Second, Multiplier: 2.0, JitterFactor: 0.3, MaxDelay: time.Minute, Rand: rand.New(rand.NewSource(7))}

	for attempt := 0; attempt < 5; attempt++ {
		assert.Equal(t, a.Delay(attempt), b.Delay(attempt))
	}
}
