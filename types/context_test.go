package types

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextValues(t *testing.T) {
	ctx := context.Background()

	_, ok := TraceID(ctx)
	assert.False(t, ok)

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithRequestID(ctx, "req-1")

	traceID, ok := TraceID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "trace-1", traceID)

	reqID, ok := RequestID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "req-1", reqID)

	_, ok = RequestID(WithRequestID(context.Background(), ""))
	assert.False(t, ok)
}

func TestSubject(t *testing.T) {
	_, ok := Subject(context.Background())
	assert.False(t, ok)

	sub, ok := Subject(WithSubject(context.Background(), "ops@rig"))
	assert.True(t, ok)
	assert.Equal(t, "ops@rig", sub)
}
