package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	id, ok := RequestID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "req-1", id)

	_, ok = RequestID(context.Background())
	assert.False(t, ok)

	_, ok = RequestID(WithRequestID(context.Background(), ""))
	assert.False(t, ok, "空值视为缺失")
}

func TestWithAuth(t *testing.T) {
	ctx := WithAuth(context.Background(), "alice", AuthMethodJWT)

	subject, ok := AuthSubject(ctx)
	assert.True(t, ok)
	assert.Equal(t, "alice", subject)

	method, ok := AuthMethod(ctx)
	assert.True(t, ok)
	assert.Equal(t, AuthMethodJWT, method)

	_, ok = AuthSubject(context.Background())
	assert.False(t, ok)
}

func TestContextKeys_NoCollisionWithPlainStrings(t *testing.T) {
	ctx := context.WithValue(context.Background(), "request_id", "spoofed") //nolint:staticcheck
	_, ok := RequestID(ctx)
	assert.False(t, ok)
}
