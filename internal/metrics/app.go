package metrics

import (
	"strconv"
	"time"

	"github.com/esisync/esisync/internal/observability"
)

// Engine metric names. The exporter prefixes them with its namespace.
const (
	DispatchTotal         = "dispatch_total"
	DispatchDuration      = "dispatch_duration_ms"
	ThrottleActive        = "throttle_active"
	ThrottleWaitDuration  = "throttle_wait_ms"
	ResolverCallsTotal    = "resolver_calls_total"
	ResolverPending       = "resolver_pending"
	BatchesTotal          = "batches_total"
	BatchSize             = "batch_size"
	RateLimitBackoffTotal = "rate_limit_backoff_total"
	MonitorsRegistered    = "monitors_registered"

	ErrorsTotal = "errors_total"
	PanicsTotal = "panics_total"

	HealthCheckTotal    = "health_check_total"
	HealthCheckDuration = "health_check_duration_ms"
	ServerStartTime     = "server_start_time_seconds"
	ServerUptime        = "server_uptime_seconds"
)

// RecordDispatch records one finished endpoint query.
func RecordDispatch(endpoint, outcome string, duration time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(DispatchTotal, 1, map[string]string{
		"endpoint": endpoint,
		"outcome":  outcome,
	})
	_ = observability.TelemetrySystem.Histogram(DispatchDuration, duration, map[string]string{
		"endpoint": endpoint,
	})
}

// SetThrottleActive sets the number of requests holding a throttle slot.
func SetThrottleActive(active int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(ThrottleActive, float64(active), nil)
	}
}

// RecordThrottleWait records how long a caller waited for a slot.
func RecordThrottleWait(wait time.Duration) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Histogram(ThrottleWaitDuration, wait, nil)
	}
}

// RecordResolverCall counts a resolver outcome such as cache_hit or exhausted.
func RecordResolverCall(outcome string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(ResolverCallsTotal, 1, map[string]string{
			"outcome": outcome,
		})
	}
}

// SetResolverPending sets the number of lookups in flight.
func SetResolverPending(pending int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(ResolverPending, float64(pending), nil)
	}
}

// RecordBatch records one emitted batch.
func RecordBatch(kind string, size int) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(BatchesTotal, 1, map[string]string{"kind": kind})
	_ = observability.TelemetrySystem.Gauge(BatchSize, float64(size), map[string]string{"kind": kind})
}

// RecordRateLimitBackoff counts entries into the global backoff.
func RecordRateLimitBackoff(reason string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(RateLimitBackoffTotal, 1, map[string]string{
			"reason": reason,
		})
	}
}

// SetMonitorsRegistered sets the number of live monitors.
func SetMonitorsRegistered(count int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(MonitorsRegistered, float64(count), nil)
	}
}

// RecordHealthCheck records a health check execution
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(HealthCheckTotal, 1, map[string]string{
		"check":  checkName,
		"status": strconv.FormatBool(healthy),
	})
	_ = observability.TelemetrySystem.Histogram(HealthCheckDuration, duration, map[string]string{
		"check": checkName,
	})
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(ServerStartTime, float64(timestamp), nil)
	}
}

// SetServerUptime records the server uptime in seconds
func SetServerUptime(seconds int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(ServerUptime, float64(seconds), nil)
	}
}

// RecordError counts an error response by code, status and route pattern.
func RecordError(code string, status int, endpoint string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(ErrorsTotal, 1, map[string]string{
		"error_code":  code,
		"http_status": strconv.Itoa(status),
		"endpoint":    endpoint,
	})
}

// RecordPanic counts a recovered handler panic.
func RecordPanic() {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(PanicsTotal, 1, nil)
	}
}
