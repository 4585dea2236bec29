package observability

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ObservabilityMiddleware instruments the scheduler's diagnostics router
// (/healthz, /diagnostics): every request gets a trace span, a structured
// log line, a Prometheus observation, and a slow-request warning.
type ObservabilityMiddleware struct {
	tracer         trace.Tracer
	metrics        *MetricsProvider
	logger         *Logger
	performanceLog *PerformanceLogger
	serviceName    string
	slowThreshold  time.Duration
}

// MiddlewareConfig tunes ObservabilityMiddleware.
type MiddlewareConfig struct {
	ServiceName   string
	SlowThreshold time.Duration
}

// NewObservabilityMiddleware wires a middleware instance against a shared
// metrics provider and logger.
func NewObservabilityMiddleware(metrics *MetricsProvider, logger *Logger, config MiddlewareConfig) *ObservabilityMiddleware {
	tracer := otel.Tracer(config.ServiceName)

	slowThreshold := config.SlowThreshold
	if slowThreshold == 0 {
		slowThreshold = 1 * time.Second
	}

	return &ObservabilityMiddleware{
		tracer:         tracer,
		metrics:        metrics,
		logger:         logger,
		performanceLog: NewPerformanceLogger(logger),
		serviceName:    config.ServiceName,
		slowThreshold:  slowThreshold,
	}
}

// GinMiddleware returns the Gin middleware applied to the diagnostics router.
func (om *ObservabilityMiddleware) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// Generate request ID
		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		// Extract trace context from headers
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		// Start span
		spanName := fmt.Sprintf("%s %s", c.Request.Method, c.FullPath())
		ctx, span := om.tracer.Start(ctx, spanName)
		defer span.End()

		// Set span attributes
		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.url", c.Request.URL.String()),
			attribute.String("http.route", c.FullPath()),
			attribute.String("http.user_agent", c.Request.UserAgent()),
			attribute.String("http.remote_addr", c.ClientIP()),
			attribute.String("request.id", requestID),
			attribute.String("service.name", om.serviceName),
		)

		// Add trace context to Gin context
		c.Request = c.Request.WithContext(ctx)

		// Log request start
		om.logger.Info(ctx, "HTTP request started", map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"user_agent": c.Request.UserAgent(),
			"remote_ip":  c.ClientIP(),
			"request_id": requestID,
		})

		// Process request
		c.Next()

		// Calculate duration
		duration := time.Since(start)
		statusCode := c.Writer.Status()

		// Set final span attributes
		span.SetAttributes(
			attribute.Int("http.status_code", statusCode),
			attribute.Int64("http.response_size", int64(c.Writer.Size())),
			attribute.Float64("http.duration_ms", float64(duration.Nanoseconds())/1e6),
		)

		// Set span status based on HTTP status code
		if statusCode >= 400 {
			span.SetAttributes(attribute.Bool("error", true))
			if statusCode >= 500 {
				span.RecordError(fmt.Errorf("HTTP %d", statusCode))
			}
		}

		// Record metrics
		if om.metrics != nil {
			om.metrics.RecordHTTPRequest(
				ctx,
				c.Request.Method,
				c.FullPath(),
				strconv.Itoa(statusCode),
				duration,
			)
		}

		// Log request completion
		logFields := map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status_code": statusCode,
			"duration_ms": duration.Milliseconds(),
			"request_id":  requestID,
			"user_agent":  c.Request.UserAgent(),
			"remote_ip":   c.ClientIP(),
		}

		if statusCode >= 400 {
			om.logger.Warn(ctx, "HTTP request completed with error", logFields)
		} else {
			om.logger.Info(ctx, "HTTP request completed", logFields)
		}

		// Log slow requests
		if duration > om.slowThreshold {
			om.performanceLog.LogSlowOperation(
				ctx,
				fmt.Sprintf("%s %s", c.Request.Method, c.FullPath()),
				duration,
				om.slowThreshold,
				logFields,
			)
		}
	}
}

