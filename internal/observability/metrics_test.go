package observability

import (
	"context"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	if metrics == nil {
		t.Fatal("Expected metrics to be non-nil")
	}

	if handler == nil {
		t.Fatal("Expected handler to be non-nil")
	}
}

func TestRecordPassAndSkips(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordPass(ctx, 0.4)
	metrics.RecordPass(ctx, 12.0)
	metrics.RecordSkip(ctx, "faker", "not_due")
	metrics.RecordSkip(ctx, "faker", "already_running")
	metrics.RecordAdmissionWait(ctx, "faker", 3.2)
}

func TestRecordJobMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordJobRun(ctx, "faker", true, 5.5)
	metrics.RecordJobRun(ctx, "pokeapi", false, 120.0)
	metrics.RecordJobError(ctx, "pokeapi", "extract")
	metrics.RecordCheckpoints(ctx, "faker", 3)
	metrics.RecordSinkShipped(ctx)
	metrics.RecordSinkFailed(ctx)
	metrics.RecordSinkQueueDepth(ctx, 7)
}

func TestNilMetricsAreNoOps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var metrics *Metrics
	metrics.RecordPass(ctx, 1.0)
	metrics.RecordSkip(ctx, "faker", "not_due")
	metrics.RecordAdmissionWait(ctx, "faker", 0)
	metrics.RecordJobRun(ctx, "faker", true, 1.0)
	metrics.RecordJobError(ctx, "faker", "load")
	metrics.RecordCheckpoints(ctx, "faker", 1)
	metrics.RecordSinkShipped(ctx)
	metrics.RecordSinkFailed(ctx)
	metrics.RecordSinkQueueDepth(ctx, 0)
}
