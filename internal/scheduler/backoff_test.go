package scheduler

import (
	"testing"
	"time"
)

func TestBackoffGrowth(t *testing.T) {
	base := 10 * time.Second
	max := 10 * time.Minute
	tests := []struct {
		attempt int
		lo, hi  time.Duration
	}{
		{attempt: 0, lo: 10 * time.Second, hi: 20 * time.Second},
		{attempt: 1, lo: 20 * time.Second, hi: 30 * time.Second},
		{attempt: 2, lo: 40 * time.Second, hi: 50 * time.Second},
		{attempt: 3, lo: 80 * time.Second, hi: 90 * time.Second},
	}
	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			d := backoff(tt.attempt, base, max)
			if d < tt.lo || d >= tt.hi {
				t.Fatalf("backoff(%d) = %v, want [%v, %v)", tt.attempt, d, tt.lo, tt.hi)
			}
		}
	}
}

func TestBackoffCap(t *testing.T) {
	base := 10 * time.Second
	max := time.Minute
	for attempt := 3; attempt < 64; attempt++ {
		d := backoff(attempt, base, max)
		if d > max {
			t.Fatalf("backoff(%d) = %v exceeds cap %v", attempt, d, max)
		}
	}
}

func TestBackoffNoCapStillGrows(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 50; i++ {
		d := backoff(3, base, 0)
		if d < 80*time.Second || d >= 90*time.Second {
			t.Fatalf("backoff(3) with no cap = %v, want [80s, 90s)", d)
		}
	}
}

func TestBackoffZeroBase(t *testing.T) {
	d := backoff(0, 0, time.Minute)
	if d < time.Second || d >= 2*time.Second {
		t.Fatalf("backoff with zero base = %v", d)
	}
}
