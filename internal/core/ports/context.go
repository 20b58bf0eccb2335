package ports

import "context"

type (
	requestIDKey  struct{}
	invocationKey struct{}
)

// WithRequestID returns a context carrying the ID of the request an
// invocation is processing.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request ID stored by WithRequestID. It is
// caller supplied and only good for correlation in logs and webhooks; two
// concurrent invocations may carry the same request ID.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithInvocation returns a context carrying the key of one pipeline
// invocation. The pipeline generates the key itself, so it is unique per
// Execute call regardless of the request ID.
func WithInvocation(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, invocationKey{}, key)
}

// InvocationFrom returns the key stored by WithInvocation. Stages use it to
// correlate their After hook with state kept from HaltsWith or Before.
func InvocationFrom(ctx context.Context) string {
	key, _ := ctx.Value(invocationKey{}).(string)
	return key
}
