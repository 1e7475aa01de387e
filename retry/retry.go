// Package retry provides the delay policies used by the scheduler, router
// and streaming recovery when an operation is attempted again.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy computes the delay to wait before a given retry attempt.
// Attempt numbering starts at 0 for the first retry.
type Policy interface {
	Delay(attempt int) time.Duration
}

// Fixed returns the same delay for every attempt.
type Fixed struct {
	Base     time.Duration
	MaxDelay time.Duration
}

func (f Fixed) Delay(attempt int) time.Duration {
	return capDelay(f.Base, f.MaxDelay)
}

// Linear grows the delay as base*(attempt+1).
type Linear struct {
	Base     time.Duration
	MaxDelay time.Duration
}

func (l Linear) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return capDelay(l.Base*time.Duration(attempt+1), l.MaxDelay)
}

// Exponential grows the delay as base*mult^attempt.
type Exponential struct {
	Base       time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := e.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := time.Duration(float64(e.Base) * math.Pow(mult, float64(attempt)))
	return capDelay(d, e.MaxDelay)
}

// JitteredExponential adds up to JitterFactor of the exponential delay on top
// of it. The random source is injectable so tests can be deterministic.
type JitteredExponential struct {
	Base         time.Duration
	Multiplier   float64
	JitterFactor float64
	MaxDelay     time.Duration
	Rand         *rand.Rand
}

func (j JitteredExponential) Delay(attempt int) time.Duration {
	exp := Exponential{Base: j.Base, Multiplier: j.Multiplier, MaxDelay: j.MaxDelay}
	d := exp.Delay(attempt)

	factor := j.JitterFactor
	if factor < 0 {
		factor = 0
	}
	var r float64
	if j.Rand != nil {
		r = j.Rand.Float64()
	} else {
		r = rand.Float64()
	}
	d += time.Duration(float64(d) * factor * r)
	return capDelay(d, j.MaxDelay)
}

func capDelay(d, max time.Duration) time.Duration {
	if d < 0 {
		d = 0
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Sleeper abstracts time.Sleep so recovery paths can be tested without
// real waiting.
type Sleeper func(time.Duration)
