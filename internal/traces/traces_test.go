package traces

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{Version: "test"}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpanAndEnd(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "gateway.dispatch", ServiceType("image"), Cost(4))
	End(span, errors.New("worker down"))

	_, clean := StartSpan(context.Background(), "gateway.cache")
	End(clean, nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "gateway.dispatch", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Len(t, spans[0].Events(), 1)
	assert.Contains(t, spans[0].Attributes(), ServiceType("image"))
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
