package observability_test

import (
	"testing"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nocloudhq/cloudbridge/internal/observability"
)

func TestInitLoggers(t *testing.T) {
	t.Run("CLI logger", func(t *testing.T) {
		observability.InitCLILogger("cloudbridge-test", true)
		require.NotNil(t, observability.CLILogger)

		observability.CLILogger.Debug("CLI debug message", zap.String("test", "value"))
	})

	t.Run("Server logger with component", func(t *testing.T) {
		observability.InitServerLogger("cloudbridge-test", "debug", "dispatcher")
		require.NotNil(t, observability.ServerLogger)

		observability.ServerLogger.Info("Structured message",
			zap.String("endpoint", "rpc.ping"),
			zap.Uint32("request_id", 7))
	})
}

func TestOrNop(t *testing.T) {
	var typedNil *logging.Logger
	var zapNil *zap.Logger

	for name, in := range map[string]observability.Logger{
		"untyped nil":  nil,
		"gofulmen nil": typedNil,
		"zap nil":      zapNil,
	} {
		t.Run(name, func(t *testing.T) {
			logger := observability.OrNop(in)
			require.NotNil(t, logger)
			assert.NotPanics(t, func() { logger.Warn("dropped", zap.Int("n", 1)) })
		})
	}

	dev := zap.NewExample()
	assert.Same(t, dev, observability.OrNop(dev))
}

func TestCrucibleVersion(t *testing.T) {
	version := crucible.GetVersion()
	assert.NotEmpty(t, version.Gofulmen)
	assert.NotEmpty(t, version.Crucible)
}

func TestShutdownMetricsWithoutExporter(t *testing.T) {
	require.NoError(t, observability.ShutdownMetrics())
	assert.Nil(t, observability.TelemetrySystem)
	assert.Equal(t, 0, observability.GetMetricsPort())
}
