package observability

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNew_Disabled(t *testing.T) {
	obs, err := New(Config{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	assert.False(t, obs.Enabled())
	require.NotNil(t, obs.Tracer())

	ctx, span := obs.Tracer().Start(context.Background(), "noop")
	span.End()
	assert.Empty(t, LogFields(ctx))
	assert.NoError(t, obs.Shutdown(context.Background()))
}

func TestNew_Enabled(t *testing.T) {
	var out bytes.Buffer
	obs, err := New(Config{
		ServiceName: "test-service",
		Enabled:     true,
		Writer:      &out,
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	assert.True(t, obs.Enabled())

	ctx, span := obs.Tracer().Start(context.Background(), "GET /")
	fields := LogFields(ctx)
	require.Len(t, fields, 2)
	assert.Equal(t, "trace_id", fields[0].Key)
	span.End()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, obs.Shutdown(shutdownCtx))

	assert.Contains(t, out.String(), `"Name":"GET /"`)
	assert.Contains(t, out.String(), "test-service")
}
