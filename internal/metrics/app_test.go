package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/esisync/esisync/internal/observability"
)

func TestHelpersAreNoopsWithoutTelemetry(t *testing.T) {
	require.False(t, observability.Enabled())
	require.NotPanics(t, func() {
		RecordDispatch("assets", "success", time.Millisecond)
		SetThrottleActive(3)
		RecordThrottleWait(time.Millisecond)
		RecordResolverCall("cache_hit")
		SetResolverPending(1)
		RecordBatch("entity_changed", 4)
		RecordRateLimitBackoff("error_limit")
		SetMonitorsRegistered(12)
		RecordHealthCheck("store", true, time.Millisecond)
		SetServerStartTime(time.Now().Unix())
		SetServerUptime(1)
		RecordError("SERVICE_UNAVAILABLE", 503, "/v1/monitors")
		RecordPanic()
	})
}
