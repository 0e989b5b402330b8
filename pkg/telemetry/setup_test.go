package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracer_Disabled(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown := InitTracer(context.Background(), Options{ServiceName: "bundler"})
	require.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestInitTracer_ExportsSpans(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	var buf bytes.Buffer
	shutdown := InitTracer(context.Background(), Options{
		ServiceName: "bundler",
		Version:     "test",
		Enabled:     true,
		Writer:      &buf,
	})

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "bundle.request")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "bundle.request")
	assert.Contains(t, buf.String(), "bundler")
}
