package backoff

import (
	"context"
	"testing"
	"time"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	cfg := &Config{Initial: 100 * time.Millisecond, Max: 1 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1 * time.Second}, // capped
		{10, 1 * time.Second},
	}

	for _, tt := range tests {
		if got := Exponential(tt.attempt, cfg); got != tt.want {
			t.Errorf("Exponential(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_Defaults(t *testing.T) {
	t.Parallel()

	if got := Exponential(1, nil); got != 100*time.Millisecond {
		t.Errorf("Expected default initial 100ms, got %v", got)
	}
	if got := Exponential(20, nil); got != 5*time.Second {
		t.Errorf("Expected default cap 5s, got %v", got)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Sleep(ctx, 10, &Config{Initial: time.Hour, Max: time.Hour})
	if err == nil {
		t.Error("Expected context error from cancelled Sleep")
	}
}
