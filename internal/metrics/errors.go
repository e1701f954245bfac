package metrics

import (
	"strconv"

	"github.com/nocloudhq/cloudbridge/internal/observability"
)

// Error metric names
const (
	ErrorsTotal      = "errors_total"
	PanicsTotal      = "panics_total"
	ErrorsByEndpoint = "errors_by_endpoint"
)

// RecordError counts one HTTP error response. path is the request path;
// when empty only the totals are recorded.
func RecordError(code string, status int, path string) {
	counter(ErrorsTotal, map[string]string{
		"error_code":  code,
		"http_status": strconv.Itoa(status),
	})
	if path != "" {
		counter(ErrorsByEndpoint, map[string]string{
			"endpoint":   path,
			"error_code": code,
		})
	}
}

// RecordPanic counts a recovered handler panic.
func RecordPanic() {
	counter(PanicsTotal, nil)
}

func counter(name string, labels map[string]string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(name, 1, labels)
	}
}

func gauge(name string, value float64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(name, value, nil)
	}
}
