package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/telemetry"
	telemetrytesting "github.com/fulmenhq/gofulmen/telemetry/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nocloudhq/cloudbridge/internal/identity"
	"github.com/nocloudhq/cloudbridge/internal/observability"
	"github.com/nocloudhq/cloudbridge/internal/rpc"
)

func setupTelemetry(t *testing.T) *telemetrytesting.FakeCollector {
	t.Helper()

	collector := telemetrytesting.NewFakeCollector()
	sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: true, Emitter: collector})
	require.NoError(t, err)

	original := observability.TelemetrySystem
	observability.TelemetrySystem = sys
	t.Cleanup(func() { observability.TelemetrySystem = original })

	return collector
}

func TestCallMetrics(t *testing.T) {
	collector := setupTelemetry(t)

	var observer rpc.CallObserver = CallMetrics{}
	observer.PendingChanged(3)
	observer.CallCompleted("rpc.ping", rpc.StatusTimeout, 20*time.Millisecond)

	assert.Greater(t, collector.CountMetricsByName(RPCCallsTotal), 0)
	assert.Greater(t, collector.CountMetricsByName(RPCCallDuration), 0)
	assert.Greater(t, collector.CountMetricsByName(RPCPendingCalls), 0)
}

func TestDispatchMetrics(t *testing.T) {
	collector := setupTelemetry(t)

	var observer rpc.DispatchObserver = DispatchMetrics{Windows: func() int { return 2 }}
	observer.Rejected(context.Background(), identity.Caller{Source: "p1"}, "storage.requestSignedUrl")
	observer.Completed("storage.requestSignedUrl", rpc.Failed("rate limit exceeded"), time.Millisecond)

	assert.Greater(t, collector.CountMetricsByName(RateLimitRejections), 0)
	assert.Greater(t, collector.CountMetricsByName(RPCDispatchTotal), 0)
	assert.Greater(t, collector.CountMetricsByName(RateLimitActiveWindow), 0)
}

func TestRecordError(t *testing.T) {
	collector := setupTelemetry(t)

	RecordError("NOT_FOUND", 404, "")
	assert.Greater(t, collector.CountMetricsByName(ErrorsTotal), 0)
	assert.Equal(t, 0, collector.CountMetricsByName(ErrorsByEndpoint))

	RecordError("INVALID_INPUT", 400, "/admin/rate-limit/reset")
	assert.Greater(t, collector.CountMetricsByName(ErrorsByEndpoint), 0)

	RecordPanic()
	assert.Greater(t, collector.CountMetricsByName(PanicsTotal), 0)
}

func TestMetricsWithoutTelemetry(t *testing.T) {
	original := observability.TelemetrySystem
	observability.TelemetrySystem = nil
	defer func() { observability.TelemetrySystem = original }()

	assert.NotPanics(t, func() {
		CallMetrics{}.CallCompleted("rpc.ping", rpc.StatusSuccess, time.Millisecond)
		CallMetrics{}.PendingChanged(0)
		DispatchMetrics{}.Completed("rpc.ping", rpc.Outcome{Success: true}, time.Millisecond)
		RecordError("INTERNAL_ERROR", 500, "/v1/events/request")
		RecordPanic()
	})
}
