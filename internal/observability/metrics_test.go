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

func TestRecordHTTPRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordHTTPRequest(ctx, "GET", "/livez", 200, 0.001)
	metrics.RecordHTTPRequest(ctx, "GET", "/renderapi/v1/info", 200, 0.010)
	metrics.RecordHTTPRequest(ctx, "POST", "/renderapi/v1/enqueue", 200, 0.050)
	metrics.RecordHTTPRequest(ctx, "POST", "/renderapi/v1/enqueue", 403, 0.002)
	metrics.RecordHTTPRequest(ctx, "POST", "/renderapi/v1/download", 500, 0.001)
}

func TestRecordTaskMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordTaskEnqueued(ctx, "blender")
	metrics.RecordTaskAssigned(ctx, "blender")
	metrics.RecordTaskSettled(ctx, "blender", true, 42.5)
	metrics.RecordTaskSettled(ctx, "ffmpeg", false, 120.0)
	metrics.RecordTaskCancelled(ctx)
	metrics.RecordTaskDeleted(ctx)
	metrics.RecordSchedulerTick(ctx, 0.2, 3)
	metrics.RecordAgentProbeFailure(ctx)
}
