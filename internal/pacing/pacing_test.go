package pacing

import (
	"math/rand/v2"
	"testing"
	"time"
)

func TestNextDelayWithinWindow(t *testing.T) {
	cases := []struct {
		name     string
		min, max time.Duration
		lo, hi   time.Duration
	}{
		{"ordered", 2 * time.Second, 5 * time.Second, 2 * time.Second, 5 * time.Second},
		{"swapped", 5 * time.Second, 2 * time.Second, 2 * time.Second, 5 * time.Second},
		{"equal widened", time.Second, time.Second, time.Second, 1200 * time.Millisecond},
		{"zero", 0, 0, 0, 0},
	}
	src := rand.New(rand.NewPCG(1, 2))
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := Policy{MinDelay: tc.min, MaxDelay: tc.max, Rand: src.Float64}
			for i := 0; i < 2000; i++ {
				d := p.NextDelay()
				if d < tc.lo || d > tc.hi {
					t.Fatalf("delay %v outside [%v, %v]", d, tc.lo, tc.hi)
				}
			}
		})
	}
}

func TestNextDelayExtremes(t *testing.T) {
	p := Policy{MinDelay: 1000 * time.Millisecond, MaxDelay: 3000 * time.Millisecond}

	p.Rand = func() float64 { return 0 }
	if got := p.NextDelay(); got != time.Second {
		t.Fatalf("expected 1s at r=0, got %v", got)
	}
	p.Rand = func() float64 { return 0.9999999999 }
	if got := p.NextDelay(); got != 3*time.Second {
		t.Fatalf("expected 3s at r~1, got %v", got)
	}
}

func TestEqualBoundsStillJitter(t *testing.T) {
	p := Policy{MinDelay: time.Second, MaxDelay: time.Second}
	lo, hi := p.Bounds()
	if lo != 1000 || hi != 1200 {
		t.Fatalf("expected widened bounds [1000,1200], got [%d,%d]", lo, hi)
	}
	p.Rand = func() float64 { return 0.5 }
	if got := p.NextDelay(); got <= time.Second {
		t.Fatalf("expected jitter above the configured bound, got %v", got)
	}
}

func TestSwitchDelayIsFixed(t *testing.T) {
	p := Policy{RotationDelay: 7 * time.Second, Rand: func() float64 { return 0.3 }}
	for i := 0; i < 5; i++ {
		if got := p.SwitchDelay(); got != 7*time.Second {
			t.Fatalf("expected fixed 7s, got %v", got)
		}
	}
}
