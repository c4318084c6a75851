package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupInstallsGlobalProviders(t *testing.T) {
	tel, err := Setup("exit-engine-test")
	require.NoError(t, err)

	assert.NotNil(t, otel.GetTracerProvider())
	assert.NotNil(t, otel.GetMeterProvider())
	assert.NotNil(t, GetTracer("test-tracer"))
	assert.NotNil(t, GetMeter("test-meter"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tel.Shutdown(ctx))
}
