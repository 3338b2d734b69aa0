package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeIsIdempotent(t *testing.T) {
	require.NoError(t, Initialize(true))
	require.NoError(t, Initialize(false))
	assert.NotNil(t, GetLogger())
}

func TestAppendContextFields(t *testing.T) {
	ctx := context.WithValue(context.Background(), CorrelationIDKey, "cid-1")
	ctx = context.WithValue(ctx, UIDKey, "u1")
	ctx = context.WithValue(ctx, GidKey, int64(42))

	fields := appendContextFields(ctx, nil)

	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Key)
	}
	assert.Contains(t, names, "correlation_id")
	assert.Contains(t, names, "uid")
	assert.Contains(t, names, "gid")
	assert.Contains(t, names, "service")
}

func TestAppendContextFields_NilContext(t *testing.T) {
	assert.Nil(t, appendContextFields(nil, nil))
}

func TestRedactToken(t *testing.T) {
	assert.Equal(t, "***", RedactToken("short"))
	assert.Equal(t, "abcdef***", RedactToken("abcdefghijklmnop"))
}
