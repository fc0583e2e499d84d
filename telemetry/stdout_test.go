package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNewStdoutTraceProviderStartsAndShutsDown(t *testing.T) {
	provider, err := NewStdoutTraceProvider("taskcore-test", false)
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), "test-operation", attribute.String("k", "v"))
	AddSpanEvent(ctx, "step completed", attribute.Int("step", 1))
	span.End()
}

func TestRecordSpanErrorOnNilIsNoOp(t *testing.T) {
	RecordSpanError(context.Background(), nil)
}
