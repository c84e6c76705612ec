package actor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestID(t *testing.T) {
	ctx := context.Background()
	assert.Zero(t, ID(ctx))

	ctx = WithID(ctx, 42)
	assert.Equal(t, uint(42), ID(ctx))
}

func TestRequest(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, Request{}, RequestFrom(ctx))

	req := Request{IPAddress: "10.0.0.1", UserAgent: "curl/8", SessionID: "s-1"}
	ctx = WithRequest(WithID(ctx, 3), req)
	assert.Equal(t, req, RequestFrom(ctx))
	assert.Equal(t, uint(3), ID(ctx))
}
