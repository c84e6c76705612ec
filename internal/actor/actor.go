// Package actor carries the acting user and request metadata through a
// context. The authentication layer that establishes them is external; the
// core only records what it is given.
package actor

import "context"

type contextKey int

const (
	idKey contextKey = iota
	requestKey
)

// Request describes where a call came from.
type Request struct {
	IPAddress string
	UserAgent string
	SessionID string
}

// WithID returns a context carrying the acting user id.
func WithID(ctx context.Context, id uint) context.Context {
	return context.WithValue(ctx, idKey, id)
}

// ID returns the acting user id, or 0 for system-initiated work.
func ID(ctx context.Context) uint {
	id, _ := ctx.Value(idKey).(uint)
	return id
}

// WithRequest returns a context carrying request metadata.
func WithRequest(ctx context.Context, req Request) context.Context {
	return context.WithValue(ctx, requestKey, req)
}

// RequestFrom returns the request metadata, zero if none was attached.
func RequestFrom(ctx context.Context) Request {
	req, _ := ctx.Value(requestKey).(Request)
	return req
}
