package backoff

import (
	"math/rand"
	"testing"
	"time"
)

func TestPolicy_Next_NoJitter(t *testing.T) {
	p := Policy{Base: time.Second, Multiplier: 2, Cap: 30 * time.Second}

	tests := []struct {
		name     string
		n        int
		expected time.Duration
	}{
		{"attempt 0 is base", 0, time.Second},
		{"attempt 1 doubles", 1, 2 * time.Second},
		{"attempt 2 quadruples", 2, 4 * time.Second},
		{"attempt 3", 3, 8 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Next(tt.n); got != tt.expected {
				t.Errorf("Next(%d) = %v, want %v", tt.n, got, tt.expected)
			}
		})
	}
}

func TestPolicy_Next_RespectsCap(t *testing.T) {
	p := Policy{Base: time.Second, Multiplier: 2, Cap: 5 * time.Second}

	if got := p.Next(10); got != p.Cap {
		t.Errorf("Next(10) = %v, want cap %v", got, p.Cap)
	}
}

func TestPolicy_Next_ZeroBase(t *testing.T) {
	p := Policy{Multiplier: 2, Cap: time.Second}
	if got := p.Next(3); got != 0 {
		t.Errorf("Next() with zero base = %v, want 0", got)
	}
}

func TestPolicy_Next_DefaultMultiplier(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 30 * time.Second}
	if got := p.Next(1); got != 2*time.Second {
		t.Errorf("Next(1) with unset multiplier = %v, want %v (default multiplier 2)", got, 2*time.Second)
	}
}

func TestPolicy_Next_JitterWithinBounds(t *testing.T) {
	p := Policy{
		Base:       time.Second,
		Multiplier: 2,
		Cap:        30 * time.Second,
		Jitter:     0.25,
		Rand:       rand.New(rand.NewSource(1)),
	}

	uncapped := 4 * time.Second // attempt 2, before jitter
	lo := time.Duration(float64(uncapped) * 0.75)
	hi := time.Duration(float64(uncapped) * 1.25)

	for i := 0; i < 50; i++ {
		got := p.Next(2)
		if got < lo || got > hi {
			t.Fatalf("Next(2) = %v, want within [%v, %v]", got, lo, hi)
		}
	}
}

func TestPolicy_Next_JitterNeverExceedsCap(t *testing.T) {
	p := Policy{
		Base:       time.Second,
		Multiplier: 2,
		Cap:        5 * time.Second,
		Jitter:     0.25,
		Rand:       rand.New(rand.NewSource(2)),
	}

	for i := 0; i < 50; i++ {
		if got := p.Next(10); got > p.Cap {
			t.Fatalf("Next(10) = %v, exceeds cap %v", got, p.Cap)
		}
	}
}

func TestPolicy_Next_DeterministicWithSeededRand(t *testing.T) {
	p1 := Policy{Base: time.Second, Multiplier: 2, Cap: 30 * time.Second, Jitter: 0.25, Rand: rand.New(rand.NewSource(42))}
	p2 := Policy{Base: time.Second, Multiplier: 2, Cap: 30 * time.Second, Jitter: 0.25, Rand: rand.New(rand.NewSource(42))}

	for n := 0; n < 4; n++ {
		if got1, got2 := p1.Next(n), p2.Next(n); got1 != got2 {
			t.Errorf("Next(%d) not deterministic: %v != %v", n, got1, got2)
		}
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.Base != time.Second {
		t.Errorf("Base = %v, want %v", p.Base, time.Second)
	}
	if p.Multiplier != 2 {
		t.Errorf("Multiplier = %v, want 2", p.Multiplier)
	}
	if p.Cap != 30*time.Second {
		t.Errorf("Cap = %v, want %v", p.Cap, 30*time.Second)
	}
	if p.Jitter != 0.25 {
		t.Errorf("Jitter = %v, want 0.25", p.Jitter)
	}
}
