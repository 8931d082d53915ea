// Package pacing computes the waits between campaign sends.
package pacing

import (
	"math"
	"math/rand/v2"
	"time"
)

// WarmUp is waited once before the first send of every run so a start or
// resume never bursts immediately.
const WarmUp = 10 * time.Second

// Policy derives delays from a campaign's pacing window. Rand returns a value
// in [0,1); nil means math/rand/v2.
type Policy struct {
	MinDelay      time.Duration
	MaxDelay      time.Duration
	RotationDelay time.Duration
	Rand          func() float64
}

// Bounds returns the inclusive window, in milliseconds, NextDelay samples
// from. Equal bounds are widened by 20% on the high side so sends are never
// perfectly periodic.
func (p Policy) Bounds() (lo, hi int64) {
	a, b := p.MinDelay.Milliseconds(), p.MaxDelay.Milliseconds()
	lo, hi = min(a, b), max(a, b)
	if lo < 0 {
		lo = 0
	}
	if hi < 0 {
		hi = 0
	}
	if lo == hi {
		hi += int64(float64(hi) * 0.2)
	}
	return lo, hi
}

// NextDelay samples the wait before the next send.
func (p Policy) NextDelay() time.Duration {
	lo, hi := p.Bounds()
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	ms := lo + int64(math.Floor(r()*float64(hi-lo+1)))
	if ms > hi {
		ms = hi
	}
	return time.Duration(ms) * time.Millisecond
}

// SwitchDelay is the fixed wait applied when rotation moves to another
// endpoint. It is never randomized.
func (p Policy) SwitchDelay() time.Duration {
	if p.RotationDelay < 0 {
		return 0
	}
	return p.RotationDelay
}
