package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTrace_Disabled(t *testing.T) {
	shutdown, err := InitTrace("deposit", Config{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, "", TraceID(context.Background()))
}

func TestInitTrace_UnknownExporter(t *testing.T) {
	_, err := InitTrace("deposit", Config{Exporter: "zipkin"})
	assert.Error(t, err)
}

func TestInitTrace_StdoutSpanHasTraceID(t *testing.T) {
	shutdown, err := InitTrace("deposit", Config{Exporter: ExporterStdout})
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	ctx, span := Tracer("test").Start(context.Background(), "scan")
	defer span.End()
	assert.Len(t, TraceID(ctx), 32)
}
