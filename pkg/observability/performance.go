package observability

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// PerformanceMonitor tracks process-level resource usage and the health of
// the keeper's two stateful collaborators: the lock registry (how many legs
// are in flight and how stale the oldest one is) and the market cache (how
// stale its last refresh is and how often refreshes are failing).
type PerformanceMonitor struct {
	logger   *Logger
	metrics  *PerformanceMetrics
	config   *PerformanceConfig
	stopChan chan struct{}
	mu       sync.RWMutex
}

// PerformanceMetrics contains performance data
type PerformanceMetrics struct {
	// System metrics
	CPUUsage       float64
	MemoryUsage    int64
	GoroutineCount int
	GCStats        debug.GCStats

	// HTTP diagnostics-surface metrics
	RequestCount  int64
	ResponseTime  time.Duration
	ErrorRate     float64
	ThroughputRPS float64

	// Lock registry metrics
	RegistryActiveOrders   int64
	RegistryOldestOrderAge time.Duration
	RegistryZombieCount    int64

	// Market cache metrics
	MarketCacheStaleness     time.Duration
	MarketCacheRefreshErrors int64

	// Custom metrics
	CustomMetrics map[string]interface{}

	// Timestamps
	LastUpdated time.Time
	mu          sync.RWMutex
}

// PerformanceConfig contains monitoring configuration
type PerformanceConfig struct {
	CollectionInterval time.Duration
	RetentionPeriod    time.Duration
	AlertThresholds    *AlertThresholds
	EnableProfiling    bool
	EnableTracing      bool
}

// AlertThresholds defines performance alert thresholds
type AlertThresholds struct {
	CPUUsageThreshold          float64
	MemoryUsageThreshold       int64
	ResponseTimeThreshold      time.Duration
	ErrorRateThreshold         float64
	GoroutineThreshold         int
	RegistryOldestAgeThreshold time.Duration
	MarketCacheStaleThreshold  time.Duration
}

// RequestMetrics tracks individual request performance
type RequestMetrics struct {
	Path       string
	Method     string
	StatusCode int
	Duration   time.Duration
	Size       int64
	UserAgent  string
	IP         string
	Timestamp  time.Time
}

// NewPerformanceMonitor creates a new performance monitor
func NewPerformanceMonitor(logger *Logger) *PerformanceMonitor {
	config := &PerformanceConfig{
		CollectionInterval: 30 * time.Second,
		RetentionPeriod:    24 * time.Hour,
		AlertThresholds: &AlertThresholds{
			CPUUsageThreshold:          80.0,
			MemoryUsageThreshold:       1024 * 1024 * 1024, // 1GB
			ResponseTimeThreshold:      1 * time.Second,
			ErrorRateThreshold:         5.0,
			GoroutineThreshold:         10000,
			RegistryOldestAgeThreshold: 5 * time.Minute,
			MarketCacheStaleThreshold:  30 * time.Second,
		},
		EnableProfiling: true,
		EnableTracing:   true,
	}

	pm := &PerformanceMonitor{
		logger:   logger,
		metrics:  &PerformanceMetrics{CustomMetrics: make(map[string]interface{})},
		config:   config,
		stopChan: make(chan struct{}),
	}

	go pm.startMonitoring()

	return pm
}

// startMonitoring begins performance data collection
func (pm *PerformanceMonitor) startMonitoring() {
	ticker := time.NewTicker(pm.config.CollectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pm.collectMetrics()
		case <-pm.stopChan:
			return
		}
	}
}

// collectMetrics gathers current performance metrics
func (pm *PerformanceMonitor) collectMetrics() {
	ctx := context.Background()

	pm.metrics.mu.Lock()
	defer pm.metrics.mu.Unlock()

	pm.collectSystemMetrics()
	pm.metrics.LastUpdated = time.Now()
	pm.checkAlertThresholds(ctx)

	pm.logger.Debug(ctx, "performance metrics collected", map[string]interface{}{
		"cpu_usage":              pm.metrics.CPUUsage,
		"memory_usage":           pm.metrics.MemoryUsage,
		"goroutine_count":        pm.metrics.GoroutineCount,
		"response_time":          pm.metrics.ResponseTime,
		"error_rate":             pm.metrics.ErrorRate,
		"registry_active_orders": pm.metrics.RegistryActiveOrders,
		"market_cache_staleness": pm.metrics.MarketCacheStaleness,
	})
}

// collectSystemMetrics gathers system-level performance data
func (pm *PerformanceMonitor) collectSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	pm.metrics.MemoryUsage = int64(memStats.Alloc)

	pm.metrics.GoroutineCount = runtime.NumGoroutine()

	debug.ReadGCStats(&pm.metrics.GCStats)

	pm.metrics.CPUUsage = pm.estimateCPUUsage()
}

// estimateCPUUsage provides a simple CPU usage estimation from goroutine
// pressure rather than a proper /proc or cgroup read.
func (pm *PerformanceMonitor) estimateCPUUsage() float64 {
	goroutines := float64(pm.metrics.GoroutineCount)
	if goroutines > 1000 {
		return 50.0 + (goroutines-1000)/100
	}
	return goroutines / 20
}

// RecordRequest records metrics for a diagnostics-surface HTTP request.
func (pm *PerformanceMonitor) RecordRequest(metrics *RequestMetrics) {
	pm.metrics.mu.Lock()
	defer pm.metrics.mu.Unlock()

	pm.metrics.RequestCount++

	if pm.metrics.ResponseTime == 0 {
		pm.metrics.ResponseTime = metrics.Duration
	} else {
		alpha := 0.1
		pm.metrics.ResponseTime = time.Duration(
			float64(pm.metrics.ResponseTime)*(1-alpha) + float64(metrics.Duration)*alpha,
		)
	}

	if metrics.StatusCode >= 400 {
		if pm.metrics.ErrorRate == 0 {
			pm.metrics.ErrorRate = 1.0
		} else {
			alpha := 0.1
			pm.metrics.ErrorRate = pm.metrics.ErrorRate*(1-alpha) + alpha
		}
	} else {
		alpha := 0.1
		pm.metrics.ErrorRate = pm.metrics.ErrorRate * (1 - alpha)
	}

	pm.updateThroughput()
}

// updateThroughput calculates current throughput
func (pm *PerformanceMonitor) updateThroughput() {
	elapsed := time.Since(pm.metrics.LastUpdated)
	if elapsed > 0 {
		pm.metrics.ThroughputRPS = float64(pm.metrics.RequestCount) / elapsed.Seconds()
	}
}

// RecordRegistryMetrics records the lock registry's current in-flight state:
// how many legs are active and how old the oldest one is, plus how many
// active records are at or past the Guardian's zombie-sweep age.
func (pm *PerformanceMonitor) RecordRegistryMetrics(activeOrders int64, oldestAge time.Duration, zombieCount int64) {
	pm.metrics.mu.Lock()
	defer pm.metrics.mu.Unlock()

	pm.metrics.RegistryActiveOrders = activeOrders
	pm.metrics.RegistryOldestOrderAge = oldestAge
	pm.metrics.RegistryZombieCount = zombieCount
}

// RecordMarketCacheMetrics records how stale the market cache's last
// refresh is and how many venues failed on the last RefreshAll.
func (pm *PerformanceMonitor) RecordMarketCacheMetrics(staleness time.Duration, refreshErrors int64) {
	pm.metrics.mu.Lock()
	defer pm.metrics.mu.Unlock()

	pm.metrics.MarketCacheStaleness = staleness
	pm.metrics.MarketCacheRefreshErrors = refreshErrors
}

// SetCustomMetric sets a custom performance metric
func (pm *PerformanceMonitor) SetCustomMetric(key string, value interface{}) {
	pm.metrics.mu.Lock()
	defer pm.metrics.mu.Unlock()

	pm.metrics.CustomMetrics[key] = value
}

// checkAlertThresholds checks if any metrics exceed alert thresholds
func (pm *PerformanceMonitor) checkAlertThresholds(ctx context.Context) {
	thresholds := pm.config.AlertThresholds

	if pm.metrics.CPUUsage > thresholds.CPUUsageThreshold {
		pm.logger.Warn(ctx, "high CPU usage detected", map[string]interface{}{
			"current_usage": pm.metrics.CPUUsage,
			"threshold":     thresholds.CPUUsageThreshold,
		})
	}

	if pm.metrics.MemoryUsage > thresholds.MemoryUsageThreshold {
		pm.logger.Warn(ctx, "high memory usage detected", map[string]interface{}{
			"current_usage": pm.metrics.MemoryUsage,
			"threshold":     thresholds.MemoryUsageThreshold,
		})
	}

	if pm.metrics.ResponseTime > thresholds.ResponseTimeThreshold {
		pm.logger.Warn(ctx, "high diagnostics response time detected", map[string]interface{}{
			"current_time": pm.metrics.ResponseTime,
			"threshold":    thresholds.ResponseTimeThreshold,
		})
	}

	if pm.metrics.ErrorRate > thresholds.ErrorRateThreshold {
		pm.logger.Warn(ctx, "high diagnostics error rate detected", map[string]interface{}{
			"current_rate": pm.metrics.ErrorRate,
			"threshold":    thresholds.ErrorRateThreshold,
		})
	}

	if pm.metrics.GoroutineCount > thresholds.GoroutineThreshold {
		pm.logger.Warn(ctx, "high goroutine count detected", map[string]interface{}{
			"current_count": pm.metrics.GoroutineCount,
			"threshold":     thresholds.GoroutineThreshold,
		})
	}

	if pm.metrics.RegistryOldestOrderAge > thresholds.RegistryOldestAgeThreshold {
		pm.logger.Warn(ctx, "lock registry has a stale unresolved order", map[string]interface{}{
			"oldest_age": pm.metrics.RegistryOldestOrderAge,
			"threshold":  thresholds.RegistryOldestAgeThreshold,
		})
	}

	if pm.metrics.MarketCacheStaleness > thresholds.MarketCacheStaleThreshold {
		pm.logger.Warn(ctx, "market cache refresh is stale", map[string]interface{}{
			"staleness": pm.metrics.MarketCacheStaleness,
			"threshold": thresholds.MarketCacheStaleThreshold,
		})
	}
}

// GetMetrics returns current performance metrics
func (pm *PerformanceMonitor) GetMetrics() *PerformanceMetrics {
	pm.metrics.mu.RLock()
	defer pm.metrics.mu.RUnlock()

	customMetrics := make(map[string]interface{})
	for k, v := range pm.metrics.CustomMetrics {
		customMetrics[k] = v
	}

	metrics := &PerformanceMetrics{
		CPUUsage:                 pm.metrics.CPUUsage,
		MemoryUsage:              pm.metrics.MemoryUsage,
		GoroutineCount:           pm.metrics.GoroutineCount,
		GCStats:                  pm.metrics.GCStats,
		RequestCount:             pm.metrics.RequestCount,
		ResponseTime:             pm.metrics.ResponseTime,
		ErrorRate:                pm.metrics.ErrorRate,
		ThroughputRPS:            pm.metrics.ThroughputRPS,
		RegistryActiveOrders:     pm.metrics.RegistryActiveOrders,
		RegistryOldestOrderAge:   pm.metrics.RegistryOldestOrderAge,
		RegistryZombieCount:      pm.metrics.RegistryZombieCount,
		MarketCacheStaleness:     pm.metrics.MarketCacheStaleness,
		MarketCacheRefreshErrors: pm.metrics.MarketCacheRefreshErrors,
		CustomMetrics:            customMetrics,
		LastUpdated:              pm.metrics.LastUpdated,
	}

	return metrics
}

// Stop stops the performance monitoring
func (pm *PerformanceMonitor) Stop() {
	close(pm.stopChan)
}

// GetHealthStatus returns overall system health status
func (pm *PerformanceMonitor) GetHealthStatus() map[string]interface{} {
	metrics := pm.GetMetrics()
	thresholds := pm.config.AlertThresholds

	status := "healthy"
	issues := []string{}

	if metrics.CPUUsage > thresholds.CPUUsageThreshold {
		status = "warning"
		issues = append(issues, "high_cpu_usage")
	}

	if metrics.MemoryUsage > thresholds.MemoryUsageThreshold {
		status = "warning"
		issues = append(issues, "high_memory_usage")
	}

	if metrics.ResponseTime > thresholds.ResponseTimeThreshold {
		status = "warning"
		issues = append(issues, "high_response_time")
	}

	if metrics.ErrorRate > thresholds.ErrorRateThreshold {
		status = "critical"
		issues = append(issues, "high_error_rate")
	}

	if metrics.RegistryOldestOrderAge > thresholds.RegistryOldestAgeThreshold {
		status = "warning"
		issues = append(issues, "stale_registry_order")
	}

	if metrics.MarketCacheStaleness > thresholds.MarketCacheStaleThreshold {
		status = "warning"
		issues = append(issues, "stale_market_cache")
	}

	return map[string]interface{}{
		"status":                 status,
		"issues":                 issues,
		"cpu_usage":              metrics.CPUUsage,
		"memory_usage":           metrics.MemoryUsage,
		"goroutine_count":        metrics.GoroutineCount,
		"response_time":          metrics.ResponseTime,
		"error_rate":             metrics.ErrorRate,
		"throughput_rps":         metrics.ThroughputRPS,
		"registry_active_orders": metrics.RegistryActiveOrders,
		"market_cache_staleness": metrics.MarketCacheStaleness,
		"last_updated":           metrics.LastUpdated,
	}
}
