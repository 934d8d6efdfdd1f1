// Package observability provides application metrics via OpenTelemetry with
// a Prometheus exporter.
package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// latency, traffic, errors and saturation for the HTTP surface, the task
// lifecycle and the scheduler loop.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Task lifecycle metrics
	TasksEnqueued  metric.Int64Counter
	TasksAssigned  metric.Int64Counter
	TasksSettled   metric.Int64Counter
	TasksCancelled metric.Int64Counter
	TasksDeleted   metric.Int64Counter
	TaskDuration   metric.Float64Histogram
	QueueDepth     metric.Int64Gauge

	// Scheduler metrics
	SchedulerTickDuration metric.Float64Histogram
	AgentProbeFailures    metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("renderonline")
	m := &Metrics{meter: meter}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TasksEnqueued, err = meter.Int64Counter(
		"tasks_enqueued_total",
		metric.WithDescription("Total number of tasks accepted into the queue"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TasksAssigned, err = meter.Int64Counter(
		"tasks_assigned_total",
		metric.WithDescription("Total number of tasks started on a machine"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TasksSettled, err = meter.Int64Counter(
		"tasks_settled_total",
		metric.WithDescription("Total number of tasks that reached a terminal state"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TasksCancelled, err = meter.Int64Counter(
		"tasks_cancelled_total",
		metric.WithDescription("Total number of tasks dequeued by their owner"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TasksDeleted, err = meter.Int64Counter(
		"tasks_deleted_total",
		metric.WithDescription("Total number of tasks purged with their artifacts"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram(
		"task_duration_seconds",
		metric.WithDescription("Wall-clock render duration from start to settlement"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 7200),
	)
	if err != nil {
		return nil, nil, err
	}

	m.QueueDepth, err = meter.Int64Gauge(
		"queue_depth",
		metric.WithDescription("Number of unsettled tasks observed by the last scheduler tick (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SchedulerTickDuration, err = meter.Float64Histogram(
		"scheduler_tick_duration_seconds",
		metric.WithDescription("Duration of one scheduler reconciliation tick"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	m.AgentProbeFailures, err = meter.Int64Counter(
		"agent_probe_failures_total",
		metric.WithDescription("Total worker agent calls that failed or timed out"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordTaskEnqueued records a task accepted into the queue.
func (m *Metrics) RecordTaskEnqueued(ctx context.Context, engine string) {
	m.TasksEnqueued.Add(ctx, 1, metric.WithAttributes(engineAttr(engine)))
}

// RecordTaskAssigned records a task started on a machine.
func (m *Metrics) RecordTaskAssigned(ctx context.Context, engine string) {
	m.TasksAssigned.Add(ctx, 1, metric.WithAttributes(engineAttr(engine)))
}

// RecordTaskSettled records a task reaching Succeeded or Failed.
func (m *Metrics) RecordTaskSettled(ctx context.Context, engine string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(engineAttr(engine), successAttr(success))
	m.TasksSettled.Add(ctx, 1, attrs)
	if durationSeconds > 0 {
		m.TaskDuration.Record(ctx, durationSeconds, attrs)
	}
}

// RecordTaskCancelled records an owner-initiated dequeue.
func (m *Metrics) RecordTaskCancelled(ctx context.Context) {
	m.TasksCancelled.Add(ctx, 1)
}

// RecordTaskDeleted records a purge of a task and its artifacts.
func (m *Metrics) RecordTaskDeleted(ctx context.Context) {
	m.TasksDeleted.Add(ctx, 1)
}

// RecordSchedulerTick records one reconciliation pass and the queue depth it
// observed.
func (m *Metrics) RecordSchedulerTick(ctx context.Context, durationSeconds float64, queueDepth int64) {
	m.SchedulerTickDuration.Record(ctx, durationSeconds)
	m.QueueDepth.Record(ctx, queueDepth)
}

// RecordAgentProbeFailure records a failed or timed-out worker agent call.
func (m *Metrics) RecordAgentProbeFailure(ctx context.Context) {
	m.AgentProbeFailures.Add(ctx, 1)
}
