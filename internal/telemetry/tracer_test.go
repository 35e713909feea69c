package telemetry_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/kiranshivaraju/genflow/internal/config"
	"github.com/kiranshivaraju/genflow/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInit_Disabled(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := telemetry.Init(config.TelemetryConfig{Enabled: false}, &buf)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	assert.Empty(t, buf.String())
}

func TestInit_ExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := telemetry.Init(config.TelemetryConfig{Enabled: true, ServiceName: "genflow-test"}, &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "workflow.execute")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "workflow.execute")
	assert.Contains(t, buf.String(), "genflow-test")
}
