package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MetricsProvider manages OpenTelemetry metrics and Prometheus integration
type MetricsProvider struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	registry      *prometheus.Registry

	// HTTP surface metrics (diagnostics server)
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	// Keeper domain metrics
	orderPlacementsTotal   metric.Int64Counter
	orderFillLatency       metric.Float64Histogram
	hedgeExecutionsTotal   metric.Int64Counter
	hedgeExecutionDuration metric.Float64Histogram
	reconcileDriftTotal    metric.Int64Counter
	orphanSweepsTotal      metric.Int64Counter
	activeThreadsGauge     metric.Int64UpDownCounter
	errorRate              metric.Float64Gauge
	systemResourceUsage    metric.Float64Gauge
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	ServiceName    string
	ServiceVersion string
	Namespace      string
	Port           int
	Enabled        bool
}

// NewMetricsProvider creates a new metrics provider
func NewMetricsProvider(cfg MetricsConfig) (*MetricsProvider, error) {
	if !cfg.Enabled {
		return &MetricsProvider{}, nil
	}

	// Create Prometheus registry
	registry := prometheus.NewRegistry()

	// Create Prometheus exporter
	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithNamespace(cfg.Namespace),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	// Create resource
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create meter provider
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	// Set global meter provider
	otel.SetMeterProvider(meterProvider)

	// Create meter
	meter := meterProvider.Meter(cfg.ServiceName)

	// Initialize metrics
	mp := &MetricsProvider{
		meterProvider: meterProvider,
		meter:         meter,
		registry:      registry,
	}

	if err := mp.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return mp, nil
}

// initializeMetrics creates all application metrics
func (mp *MetricsProvider) initializeMetrics() error {
	var err error

	// HTTP metrics
	mp.httpRequestsTotal, err = mp.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	mp.httpRequestDuration, err = mp.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	// Order placement metrics
	mp.orderPlacementsTotal, err = mp.meter.Int64Counter(
		"keeper_order_placements_total",
		metric.WithDescription("Total number of venue order placements"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create keeper_order_placements_total counter: %w", err)
	}

	mp.orderFillLatency, err = mp.meter.Float64Histogram(
		"keeper_order_fill_latency_seconds",
		metric.WithDescription("Time from order placement to terminal fill status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 120),
	)
	if err != nil {
		return fmt.Errorf("failed to create keeper_order_fill_latency_seconds histogram: %w", err)
	}

	// Hedged-executor metrics
	mp.hedgeExecutionsTotal, err = mp.meter.Int64Counter(
		"keeper_hedge_executions_total",
		metric.WithDescription("Total number of hedged open/close executions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create keeper_hedge_executions_total counter: %w", err)
	}

	mp.hedgeExecutionDuration, err = mp.meter.Float64Histogram(
		"keeper_hedge_execution_duration_seconds",
		metric.WithDescription("Duration of a full hedged execution run"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return fmt.Errorf("failed to create keeper_hedge_execution_duration_seconds histogram: %w", err)
	}

	// Reconciliation and guardian metrics
	mp.reconcileDriftTotal, err = mp.meter.Int64Counter(
		"keeper_reconcile_drift_total",
		metric.WithDescription("Total number of hedge-pair drifts detected by reconciliation"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create keeper_reconcile_drift_total counter: %w", err)
	}

	mp.orphanSweepsTotal, err = mp.meter.Int64Counter(
		"keeper_orphan_sweeps_total",
		metric.WithDescription("Total number of orphaned venue orders cleared by the Guardian"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create keeper_orphan_sweeps_total counter: %w", err)
	}

	mp.activeThreadsGauge, err = mp.meter.Int64UpDownCounter(
		"keeper_active_hedge_threads",
		metric.WithDescription("Number of in-flight hedge execution threads"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create keeper_active_hedge_threads gauge: %w", err)
	}

	// Error rate gauge
	mp.errorRate, err = mp.meter.Float64Gauge(
		"error_rate",
		metric.WithDescription("Current error rate percentage"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return fmt.Errorf("failed to create error_rate gauge: %w", err)
	}

	// System resource usage
	mp.systemResourceUsage, err = mp.meter.Float64Gauge(
		"system_resource_usage",
		metric.WithDescription("System resource usage percentage"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_resource_usage gauge: %w", err)
	}

	return nil
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request metric
func (mp *MetricsProvider) RecordHTTPRequest(ctx context.Context, method, path, status string, duration time.Duration) {
	if mp.httpRequestsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	}

	mp.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mp.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// Order Metrics Methods

// RecordOrderPlacement records a venue order placement.
func (mp *MetricsProvider) RecordOrderPlacement(ctx context.Context, venueID, side, status string) {
	if mp.orderPlacementsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("venue", venueID),
		attribute.String("side", side),
		attribute.String("status", status),
	}

	mp.orderPlacementsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordOrderFillLatency records the time from placement to terminal status.
func (mp *MetricsProvider) RecordOrderFillLatency(ctx context.Context, venueID string, duration time.Duration) {
	if mp.orderFillLatency == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("venue", venueID)}
	mp.orderFillLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// Hedged Executor Metrics Methods

// RecordHedgeExecution records one completed hedged open/close run.
func (mp *MetricsProvider) RecordHedgeExecution(ctx context.Context, outcome string, duration time.Duration) {
	if mp.hedgeExecutionsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	mp.hedgeExecutionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mp.hedgeExecutionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// IncrementActiveThreads adjusts the in-flight hedge thread gauge by delta.
func (mp *MetricsProvider) IncrementActiveThreads(ctx context.Context, delta int64) {
	if mp.activeThreadsGauge == nil {
		return
	}
	mp.activeThreadsGauge.Add(ctx, delta)
}

// Reconciliation and Guardian Metrics Methods

// RecordReconcileDrift records a detected hedge-pair imbalance.
func (mp *MetricsProvider) RecordReconcileDrift(ctx context.Context, symbol string, largerIsLong bool) {
	if mp.reconcileDriftTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("symbol", symbol),
		attribute.Bool("larger_is_long", largerIsLong),
	}
	mp.reconcileDriftTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordOrphanSweep records an orphaned order cleared by the Guardian.
func (mp *MetricsProvider) RecordOrphanSweep(ctx context.Context, venueID string) {
	if mp.orphanSweepsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("venue", venueID)}
	mp.orphanSweepsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// System Metrics Methods

// UpdateErrorRate updates the current error rate
func (mp *MetricsProvider) UpdateErrorRate(ctx context.Context, rate float64) {
	if mp.errorRate == nil {
		return
	}
	mp.errorRate.Record(ctx, rate)
}

// UpdateSystemResourceUsage updates system resource usage
func (mp *MetricsProvider) UpdateSystemResourceUsage(ctx context.Context, resourceType string, usage float64) {
	if mp.systemResourceUsage == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("resource", resourceType),
	}

	mp.systemResourceUsage.Record(ctx, usage, metric.WithAttributes(attrs...))
}

// StartMetricsServer starts the Prometheus metrics HTTP server
func (mp *MetricsProvider) StartMetricsServer(port int) error {
	if mp.registry == nil {
		return fmt.Errorf("metrics not enabled")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mp.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	return server.ListenAndServe()
}

// Shutdown gracefully shuts down the metrics provider
func (mp *MetricsProvider) Shutdown(ctx context.Context) error {
	if mp.meterProvider == nil {
		return nil
	}
	return mp.meterProvider.Shutdown(ctx)
}
