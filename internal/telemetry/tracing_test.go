package telemetry

import (
	"context"
	"testing"

	"github.com/dunamismax/avatarflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), config.TelemetryConfig{Exporter: "none"}, "api", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupTracingRejectsBadExporters(t *testing.T) {
	_, err := SetupTracing(context.Background(), config.TelemetryConfig{Exporter: "jaeger"}, "api", nil)
	assert.ErrorContains(t, err, "unsupported trace exporter")

	_, err = SetupTracing(context.Background(), config.TelemetryConfig{Exporter: "otlp"}, "api", nil)
	assert.ErrorContains(t, err, "requires endpoint")
}
