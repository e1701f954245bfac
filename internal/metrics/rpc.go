package metrics

import (
	"context"
	"time"

	"github.com/nocloudhq/cloudbridge/internal/identity"
	"github.com/nocloudhq/cloudbridge/internal/observability"
	"github.com/nocloudhq/cloudbridge/internal/rpc"
)

// RPC metric names
const (
	RPCCallsTotal         = "rpc_calls_total"
	RPCCallDuration       = "rpc_call_duration_ms"
	RPCPendingCalls       = "rpc_pending_calls"
	RPCDispatchTotal      = "rpc_dispatch_total"
	RPCDispatchDuration   = "rpc_dispatch_duration_ms"
	RateLimitRejections   = "rate_limit_rejections_total"
	RateLimitActiveWindow = "rate_limit_windows"
	ServerStartTime       = "app_server_start_time_seconds"
)

// CallMetrics records caller-side call outcomes. It implements
// rpc.CallObserver.
type CallMetrics struct{}

// CallCompleted records one resolved call.
func (CallMetrics) CallCompleted(endpoint string, status rpc.CallStatus, elapsed time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	counter(RPCCallsTotal, map[string]string{
		"endpoint": endpoint,
		"status":   string(status),
	})
	_ = observability.TelemetrySystem.Histogram(RPCCallDuration, elapsed, map[string]string{
		"endpoint": endpoint,
	})
}

// PendingChanged records the size of the pending call table.
func (CallMetrics) PendingChanged(pending int) {
	gauge(RPCPendingCalls, float64(pending))
}

// DispatchMetrics records handler-side outcomes. It implements
// rpc.DispatchObserver.
type DispatchMetrics struct {
	// Windows reports the number of open rate limit windows, if set.
	Windows func() int
}

// Rejected records a rate limit rejection.
func (m DispatchMetrics) Rejected(ctx context.Context, caller identity.Caller, endpoint string) {
	counter(RateLimitRejections, map[string]string{"endpoint": endpoint})
}

// Completed records one dispatched request.
func (m DispatchMetrics) Completed(endpoint string, outcome rpc.Outcome, elapsed time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	result := "success"
	if !outcome.Success {
		result = "failure"
	}
	counter(RPCDispatchTotal, map[string]string{
		"endpoint": endpoint,
		"outcome":  result,
	})
	_ = observability.TelemetrySystem.Histogram(RPCDispatchDuration, elapsed, map[string]string{
		"endpoint": endpoint,
	})
	if m.Windows != nil {
		gauge(RateLimitActiveWindow, float64(m.Windows()))
	}
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	gauge(ServerStartTime, float64(timestamp))
}
