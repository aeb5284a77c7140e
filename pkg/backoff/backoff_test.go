package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayDoublesAndCaps(t *testing.T) {
	t.Parallel()

	p := Policy{Initial: 100 * time.Millisecond, Max: 5 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{6, 3200 * time.Millisecond},
		{7, 5 * time.Second},
		{8, 5 * time.Second},
		{0, 100 * time.Millisecond},
		{-3, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayJitterStaysBounded(t *testing.T) {
	t.Parallel()

	p := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Jitter: true}
	for i := 0; i < 50; i++ {
		d := p.Delay(4)
		if d < 0 || d > 800*time.Millisecond {
			t.Fatalf("jittered Delay(4) = %v, want within [0, 800ms]", d)
		}
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	p := Policy{Initial: time.Millisecond, Attempts: 4}
	err := Retry(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryReturnsLastError(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("still broken")
	calls := 0
	p := Policy{Initial: time.Millisecond, Attempts: 3}
	err := Retry(context.Background(), p, func(context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want %v", err, sentinel)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{Initial: time.Hour, Attempts: 5}
	err := Retry(ctx, p, func(context.Context) error { return errors.New("nope") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
