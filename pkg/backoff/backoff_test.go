package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicy_Delay_Growth(t *testing.T) {
	p := Policy{
		Initial:    1 * time.Second,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		// No jitter so delays are deterministic.
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // capped
		{10, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPolicy_Delay_JitterBounds(t *testing.T) {
	p := Default()

	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		lo := time.Duration(float64(p.Initial) * 0.8)
		hi := time.Duration(float64(p.Initial) * 1.2)
		if d < lo || d > hi {
			t.Fatalf("Delay(1) = %v, want within [%v, %v]", d, lo, hi)
		}
	}
}

func TestPolicy_Delay_InvalidAttempt(t *testing.T) {
	p := Policy{Initial: time.Second, Max: time.Minute, Multiplier: 2.0}

	if got := p.Delay(0); got != time.Second {
		t.Errorf("Delay(0) = %v, want %v", got, time.Second)
	}
	if got := p.Delay(-3); got != time.Second {
		t.Errorf("Delay(-3) = %v, want %v", got, time.Second)
	}
}

func TestPolicy_Wait_ContextCancelled(t *testing.T) {
	p := Policy{Initial: 10 * time.Second, Max: time.Minute, Multiplier: 2.0}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Wait(ctx, 1)
	if !errors.Is(err, ErrWaitCancelled) {
		t.Errorf("Wait with cancelled context = %v, want ErrWaitCancelled", err)
	}
}

func TestPolicy_Wait_Completes(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1.0}

	if err := p.Wait(context.Background(), 1); err != nil {
		t.Errorf("Wait = %v, want nil", err)
	}
}
